// Package report renders processed traces: the textual report, graph descriptions of the call relations and per call
// site data files.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"honnef.co/go/enclaveperf/container"
	"honnef.co/go/enclaveperf/edl"
	"honnef.co/go/enclaveperf/trace"
	"honnef.co/go/enclaveperf/trace/ptrace"
)

type Options struct {
	// Minimum number of invocations for a site to be listed.
	ECallMin int
	OCallMin int
	Filter   Filter
	Format   *Formatter
}

func (opts *Options) min(kind trace.CallKind) int {
	if kind == trace.ECall {
		return opts.ECallMin
	}
	return opts.OCallMin
}

func (opts *Options) formatter() *Formatter {
	if opts.Format == nil {
		opts.Format = NewFormatter(false)
	}
	return opts.Format
}

// printer writes formatted lines and remembers the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) println(s string) {
	p.printf("%s\n", s)
}

// Ranked returns the sites of the given kind that have at least min invocations and pass filter, ordered by
// descending invocation count. Sites with equal counts are ordered by id.
func Ranked(e *ptrace.Enclave, kind trace.CallKind, min int, filter Filter) []*ptrace.CallSite {
	var out []*ptrace.CallSite
	for _, s := range e.Sites(kind) {
		if s.Count() < min || !filter.Include(s) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count() > out[j].Count()
	})
	return out
}

func calledSites(sites []*ptrace.CallSite) int {
	n := 0
	for _, s := range sites {
		if s.Count() > 0 {
			n++
		}
	}
	return n
}

// WriteGeneral writes the runtime of the trace and a summary of every enclave.
func WriteGeneral(w io.Writer, tr *ptrace.Trace, opts Options) error {
	f := opts.formatter()
	p := &printer{w: w}

	p.println("=== General Info")
	p.printf("Runtime: %s\n", f.Time(tr.Runtime(), true))
	p.println("")
	p.println("(i) General statistics")
	for _, e := range tr.Enclaves {
		p.printf("Enclave %d: %d ecalls / %d ocalls\n", e.ID, len(e.ECalls), len(e.OCalls))
		p.printf("| %d ecalls called %s times\n", calledSites(e.ECalls), f.Number(e.ECallCount))
		p.printf("| %d ocalls called %s times\n", calledSites(e.OCalls), f.Number(e.OCallCount))
		if e.ECallCount == 0 {
			continue
		}
		p.printf("| Active time: %s\n", f.Time(e.Active(), true))
		p.printf("| First ecall started after %s\n", f.Time(time.Duration(e.FirstECallStart-tr.Start), true))
		p.printf("| Last ecall ended after %s\n", f.Time(time.Duration(e.LastECallEnd-tr.Start), true))
	}
	p.println("")
	return p.err
}

// WriteCalls writes the statistics of all ECall sites, followed by those of all OCall sites. opps are the
// classifications of the sites, as returned by ptrace.ClassifyAll.
func WriteCalls(w io.Writer, tr *ptrace.Trace, opps []ptrace.Opportunities, opts Options) error {
	byID := make(map[*ptrace.CallSite]*ptrace.Opportunities, len(opps))
	for i := range opps {
		byID[opps[i].Site] = &opps[i]
	}

	p := &printer{w: w}
	for _, kind := range [...]trace.CallKind{trace.ECall, trace.OCall} {
		if kind == trace.ECall {
			p.println("(i) ECall statistics")
		} else {
			p.println("(i) OCall statistics")
		}
		for _, e := range tr.Enclaves {
			writeEnclaveCalls(p, tr, e, kind, byID, &opts)
		}
		p.println("")
	}
	return p.err
}

func writeEnclaveCalls(p *printer, tr *ptrace.Trace, e *ptrace.Enclave, kind trace.CallKind, opps map[*ptrace.CallSite]*ptrace.Opportunities, opts *Options) {
	f := opts.formatter()
	var below1, below5, below10 int
	for _, s := range e.Sites(kind) {
		below1 += s.All.Below1us
		below5 += s.All.Below5us
		below10 += s.All.Below10us
	}
	total := e.Count(kind)

	p.printf("/ Enclave %d\n", e.ID)
	p.println("| ")
	if kind == trace.OCall {
		p.printf("| # < 1µs: %s\n", f.Count(below1, total, true))
	}
	p.printf("| # < 5µs: %s\n", f.Count(below5, total, true))
	p.printf("| # < 10µs: %s\n", f.Count(below10, total, true))
	p.println("| ")

	for _, s := range Ranked(e, kind, opts.min(kind), opts.Filter) {
		o := opps[s]
		if o == nil {
			c := ptrace.Classify(s, ptrace.DefaultConfig())
			o = &c
		}
		writeSite(p, tr, e, s, o, f)
	}
	p.println("\\ ___")
}

func otherKind(kind trace.CallKind) trace.CallKind {
	if kind == trace.ECall {
		return trace.OCall
	}
	return trace.ECall
}

// relatedName returns the display name of the call site of the given kind that s relates to. Sites of other
// enclaves are qualified with their enclave.
func relatedName(tr *ptrace.Trace, s *ptrace.CallSite, kind trace.CallKind, ref ptrace.SiteRef) string {
	name := fmt.Sprintf("[%d] ?", ref.ID)
	if rs, ok := tr.Site(ref.Enclave, kind, ref.ID); ok {
		name = rs.String()
	}
	if ref.Enclave != s.Enclave {
		name += fmt.Sprintf(" (enclave %d)", ref.Enclave)
	}
	return name
}

func writeSite(p *printer, tr *ptrace.Trace, e *ptrace.Enclave, s *ptrace.CallSite, o *ptrace.Opportunities, f *Formatter) {
	all := &s.All
	trimmed := &s.Trimmed

	p.printf("| / %s\n", f.Name(s.String()))
	p.printf("| | Calls: %s\n", f.Count(s.Count(), e.Count(s.Kind), false))
	p.printf("| | Overall duration: %s\n", f.Time(all.Sum, true))
	p.printf("| | Ø duration: %s ± %s\n", f.Time(all.Average, true), f.Time(all.Std, true))
	p.printf("| | Longest call took %s\n", f.Time(all.Max, true))
	if s.Kind == trace.ECall {
		p.printf("| | # called directly: %s\n", f.Count(s.Count()-s.CalledFromOtherKind, s.Count(), false))
		p.printf("| | # called from ocall: %s\n", f.Count(s.CalledFromOtherKind, s.Count(), false))
		if o.Private {
			p.printf("| | \\ %s\n", f.Warn("/!\\ Call can be made private."))
		}
	} else {
		p.printf("| | # < 1µs: %s\n", f.Count(all.Below1us, all.Count, true))
	}
	p.printf("| | # < 5µs: %s\n", f.Count(all.Below5us, all.Count, true))
	p.printf("| | # < 10µs: %s\n", f.Count(all.Below10us, all.Count, true))
	if o.Duplication {
		p.printf("| | %s\n", f.Warn("/!\\ Duplicate or move this OCall into the enclave"))
	}

	p.println("| |")
	for _, pct := range [...]int{50, 75, 95} {
		p.printf("| | %d%% of calls are faster than %s\n", pct, f.Time(s.Percentile(pct), false))
	}
	p.printf("| | | Ø duration: %s ± %s\n", f.Time(trimmed.Average, true), f.Time(trimmed.Std, true))
	if s.Kind == trace.OCall {
		p.printf("| | | # < 1µs: %s\n", f.Count(trimmed.Below1us, trimmed.Count, true))
	}
	p.printf("| | | # < 5µs: %s\n", f.Count(trimmed.Below5us, trimmed.Count, true))
	p.printf("| | | # < 10µs: %s\n", f.Count(trimmed.Below10us, trimmed.Count, true))

	if s.Kind == trace.OCall || s.CalledFromOtherKind > 0 {
		toStart := container.NewSet(o.ReorderToStart...)
		toEnd := container.NewSet(o.ReorderToEnd...)

		p.println("| |")
		p.println("| | Direct successor of")
		for _, ref := range s.SortedDirect() {
			rel := s.Direct[ref]
			p.printf("| | | %s %s\n", f.Name(relatedName(tr, s, otherKind(s.Kind), ref)), f.Count(rel.Count, s.Count(), false))
			p.printf("| | | | # < 10µs from start: %s\n", f.Count(rel.FromStartLess10us, rel.Count, false))
			p.printf("| | | | # < 20µs from start: %s\n", f.Count(rel.FromStartLess20us, rel.Count, false))
			if toStart.Has(ref) {
				p.printf("| | | | %s\n", f.Warn(fmt.Sprintf("/!\\ Reorder [%d] to execute before call to [%d]", s.ID, ref.ID)))
			}
			p.printf("| | | | # < 10µs from end: %s\n", f.Count(rel.ToEndLess10us, rel.Count, false))
			p.printf("| | | | # < 20µs from end: %s\n", f.Count(rel.ToEndLess20us, rel.Count, false))
			if toEnd.Has(ref) {
				p.printf("| | | | %s\n", f.Warn(fmt.Sprintf("/!\\ Reorder [%d] to execute after call to [%d]", s.ID, ref.ID)))
			}
			p.println("| | |")
		}
	}

	if s.Kind == trace.ECall && s.AEX.Count > 0 {
		p.println("| |")
		p.printf("| | # AEX during all calls: %d\n", s.AEX.Sum)
		p.printf("| | Ø AEX count per call: %d ± %d\n", s.AEX.Average, s.AEX.Std)
		p.printf("| | Highest AEX count: %d\n", s.AEX.Max)
		p.printf("| | Lowest AEX count: %d\n", s.AEX.Min)
	}

	if len(s.Indirect) > 0 {
		merging := container.NewSet(o.Merging...)

		p.println("| |")
		p.println("| | Indirect successor of")
		for _, ref := range s.SortedIndirect() {
			rel := s.Indirect[ref]
			self := ref == s.Ref()
			name := relatedName(tr, s, s.Kind, ref)
			if self {
				name = f.Self(name)
			} else {
				name = f.Name(name)
			}
			p.printf("| | | %s %s\n", name, f.Count(rel.Count, s.Count(), false))
			p.printf("| | | | # < 1µs: %s\n", f.Count(rel.Less1us, rel.Count, false))
			p.printf("| | | | # < 5µs: %s\n", f.Count(rel.Less5us, rel.Count, false))
			p.printf("| | | | # < 10µs: %s\n", f.Count(rel.Less10us, rel.Count, false))
			p.printf("| | | | # < 20µs: %s\n", f.Count(rel.Less20us, rel.Count, false))
			if self && o.Batching {
				p.printf("| | | | %s\n", f.Warn("/!\\ Batching opportunity"))
			} else if merging.Has(ref) {
				p.printf("| | | | %s\n", f.Warn("/!\\ Merging opportunity"))
			}
			p.println("| | |")
		}
	}
	p.println("| \\ ___")
	p.println("|")
}

// WriteSync writes the synchronization summary.
func WriteSync(w io.Writer, stats ptrace.SyncStatistics, opts Options) error {
	f := opts.formatter()
	p := &printer{w: w}

	p.println("=== Analyzing synchronization OCalls")
	if len(stats.Sites) == 0 {
		p.println("(i) No sync ocalls found.")
		return p.err
	}
	p.printf("(i) Found %s synchronization OCalls\n", f.Number(stats.Invocations))
	if stats.Invocations == 0 {
		return p.err
	}
	p.printf("%s wait events\n", f.Number(stats.Waits))
	p.printf("<   1µs : %s\n", f.Count(stats.Less1us, stats.Waits, true))
	p.printf("<   5µs : %s\n", f.Count(stats.Less5us, stats.Waits, true))
	p.printf("<  10µs : %s\n", f.Count(stats.Less10us, stats.Waits, true))
	p.printf("<  20µs : %s\n", f.Count(stats.Less20us, stats.Waits, true))
	p.printf("< 100µs : %s\n", f.Count(stats.Less100us, stats.Waits, true))
	if stats.Resolved > 0 {
		p.printf("50%% of waits were resolved within %s\n", f.Time(stats.ResolvePercentile(50), true))
	}
	p.println("")
	return p.err
}

// NarrowestAllow returns the names of the ECalls of e that were called from within the OCall site ocall.
func NarrowestAllow(e *ptrace.Enclave, ocall ptrace.SiteRef) []string {
	var names []string
	for _, s := range e.NestedECalls(ocall) {
		names = append(names, s.Name)
	}
	return names
}

// WriteInterface writes hints for narrowing the enclave interface. Without an EDL file, it lists the narrowest
// allow clause of every OCall that had ECalls nested in it. With an EDL file, it lists the ECalls that OCalls are
// allowed to call but never did, and the public ECalls that were only ever called from within OCalls.
func WriteInterface(w io.Writer, tr *ptrace.Trace, file *edl.File, opts Options) error {
	f := opts.formatter()
	p := &printer{w: w}

	p.println("=== OCall interface security hints")
	if file == nil {
		p.println("(i) No EDL specified, printing narrowest interface for each OCall.")
		for _, e := range tr.Enclaves {
			for _, o := range e.OCalls {
				names := NarrowestAllow(e, o.Ref())
				if len(names) == 0 {
					continue
				}
				p.printf("%s allow (%s);\n", o.Name, strings.Join(names, ", "))
			}
		}
		p.println("")
		return p.err
	}

	for _, e := range tr.Enclaves {
		for _, o := range e.OCalls {
			fn, ok := file.OCall(o.Name)
			if !ok {
				continue
			}
			observed := container.NewSet(NarrowestAllow(e, o.Ref())...)
			var remove []string
			for _, name := range fn.Allow {
				if !observed.Has(name) {
					remove = append(remove, name)
				}
			}
			if len(remove) == 0 {
				continue
			}
			p.printf("Interface for %s can be narrowed. Remove functions\n", f.Name(o.Name))
			for _, name := range remove {
				p.printf("\t%s\n", name)
			}
		}
		for _, s := range e.ECalls {
			fn, ok := file.ECall(s.Name)
			if !ok || !fn.Public || !ptrace.Private(s) {
				continue
			}
			p.printf("%s\n", f.Warn(fmt.Sprintf("/!\\ ECall %s is public but was only called from within OCalls. It can be made private.", s.Name)))
		}
	}
	p.println("")
	return p.err
}
