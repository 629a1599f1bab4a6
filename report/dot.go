package report

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"honnef.co/go/enclaveperf/container"
	"honnef.co/go/enclaveperf/trace"
	"honnef.co/go/enclaveperf/trace/ptrace"
)

func nodeID(s *ptrace.CallSite) string {
	if s.Kind == trace.ECall {
		return fmt.Sprintf("e%d", s.ID)
	}
	return fmt.Sprintf("o%d", s.ID)
}

// foreignNodeID names a site of another enclave that appears in an enclave's graph.
func foreignNodeID(s *ptrace.CallSite) string {
	return fmt.Sprintf("x%d_%s", s.Enclave, nodeID(s))
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// WriteEnclaveDOT writes the call relations of an enclave as a graph in the DOT language. Every site passing filter
// becomes a node, ECalls drawn as boxes. Direct relations are drawn as solid edges from the parent, indirect relations
// as dashed edges from the predecessor. Edges are labeled with the number of observations and only drawn between
// nodes that pass the filter. Parents in other enclaves are drawn as dotted nodes labeled with their enclave.
func WriteEnclaveDOT(w io.Writer, tr *ptrace.Trace, e *ptrace.Enclave, filter Filter) error {
	p := &printer{w: w}
	p.printf("digraph Enclave_%d {\n", e.ID)
	for _, kind := range [...]trace.CallKind{trace.ECall, trace.OCall} {
		for _, s := range e.Sites(kind) {
			if !filter.Include(s) {
				continue
			}
			if kind == trace.ECall {
				p.printf("\t%s [shape=box,label=%s];\n", nodeID(s), quote(s.String()))
			} else {
				p.printf("\t%s [label=%s];\n", nodeID(s), quote(s.String()))
			}
		}
	}

	// from returns the node to draw an edge from for a related site, declaring it first if it belongs to another
	// enclave.
	declared := container.NewSet[string]()
	from := func(kind trace.CallKind, ref ptrace.SiteRef) (string, bool) {
		rs, ok := tr.Site(ref.Enclave, kind, ref.ID)
		if !ok || !filter.Include(rs) {
			return "", false
		}
		if ref.Enclave == e.ID {
			return nodeID(rs), true
		}
		id := foreignNodeID(rs)
		if !declared.Has(id) {
			declared.Add(id)
			p.printf("\t%s [style=dotted,label=%s];\n", id, quote(fmt.Sprintf("%s (enclave %d)", rs, ref.Enclave)))
		}
		return id, true
	}

	for _, kind := range [...]trace.CallKind{trace.ECall, trace.OCall} {
		for _, s := range e.Sites(kind) {
			if !filter.Include(s) {
				continue
			}
			for _, ref := range s.SortedDirect() {
				if parent, ok := from(otherKind(kind), ref); ok {
					p.printf("\t%s -> %s [label=\"%d\"];\n", parent, nodeID(s), s.Direct[ref].Count)
				}
			}
			for _, ref := range s.SortedIndirect() {
				if prev, ok := from(kind, ref); ok {
					p.printf("\t%s -> %s [label=\"%d\",style=dashed];\n", prev, nodeID(s), s.Indirect[ref].Count)
				}
			}
		}
	}
	p.println("}")
	return p.err
}

// WriteDOT writes one graph per enclave.
func WriteDOT(w io.Writer, tr *ptrace.Trace, filter Filter) error {
	for _, e := range tr.Enclaves {
		if err := WriteEnclaveDOT(w, tr, e, filter); err != nil {
			return err
		}
	}
	return nil
}

// EnclaveDOT returns the graph of a single enclave.
func EnclaveDOT(tr *ptrace.Trace, e *ptrace.Enclave, filter Filter) []byte {
	var buf bytes.Buffer
	// Writing to a bytes.Buffer doesn't fail.
	_ = WriteEnclaveDOT(&buf, tr, e, filter)
	return buf.Bytes()
}
