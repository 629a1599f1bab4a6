package report

import (
	"fmt"
	"strconv"
	"strings"

	"honnef.co/go/enclaveperf/container"
	"honnef.co/go/enclaveperf/trace"
	"honnef.co/go/enclaveperf/trace/ptrace"
)

// Filter selects the call sites that are reported and exported. ECall and OCall ids are selected independently.
// A kind without any selected ids includes all of its sites that have been called at least once.
type Filter struct {
	ECalls container.Set[ptrace.SiteID]
	OCalls container.Set[ptrace.SiteID]
}

// ParseFilter parses a comma-separated list of site ids, each prefixed with e for ECalls or o for OCalls, such as
// "e1,e19,o3". The empty string selects nothing, which includes every called site.
func ParseFilter(s string) (Filter, error) {
	f := Filter{
		ECalls: container.NewSet[ptrace.SiteID](),
		OCalls: container.NewSet[ptrace.SiteID](),
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		var set container.Set[ptrace.SiteID]
		switch tok[0] {
		case 'e', 'E':
			set = f.ECalls
		case 'o', 'O':
			set = f.OCalls
		default:
			return Filter{}, fmt.Errorf("invalid call site %q: must start with e or o", tok)
		}
		id, err := strconv.ParseUint(tok[1:], 10, 31)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid call site %q: %w", tok, err)
		}
		set.Add(ptrace.SiteID(id))
	}
	return f, nil
}

func (f Filter) set(kind trace.CallKind) container.Set[ptrace.SiteID] {
	if kind == trace.ECall {
		return f.ECalls
	}
	return f.OCalls
}

// Include reports whether s passes the filter. Sites that were never called never pass.
func (f Filter) Include(s *ptrace.CallSite) bool {
	if s.Count() == 0 {
		return false
	}
	set := f.set(s.Kind)
	return len(set) == 0 || set.Has(s.ID)
}

func (f Filter) String() string {
	var parts []string
	for _, id := range container.Sorted(f.ECalls) {
		parts = append(parts, fmt.Sprintf("e%d", id))
	}
	for _, id := range container.Sorted(f.OCalls) {
		parts = append(parts, fmt.Sprintf("o%d", id))
	}
	return strings.Join(parts, ",")
}
