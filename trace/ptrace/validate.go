package ptrace

import (
	"fmt"

	"honnef.co/go/enclaveperf/trace"
)

// Validate checks invariants of a processed trace. Relation buckets must not exceed their relation's count, every
// invocation must be referenced by exactly one call site, and the direct parent of every invocation must be of the
// other kind and recorded in the site's direct relations.
func Validate(tr *Trace) error {
	refs := 0
	for _, e := range tr.Enclaves {
		for _, kind := range [...]trace.CallKind{trace.ECall, trace.OCall} {
			for _, s := range e.Sites(kind) {
				if err := validateSite(tr, e, s); err != nil {
					return err
				}
				refs += len(s.Calls)
			}
		}
	}

	calls := 0
	for _, t := range tr.Threads {
		calls += t.Calls.Len()
	}
	if refs != calls {
		return fmt.Errorf("call sites reference %d invocations, threads contain %d", refs, calls)
	}
	return nil
}

func validateSite(tr *Trace, e *Enclave, s *CallSite) error {
	if got, ok := tr.Enclave(s.Enclave); !ok || got != e {
		return fmt.Errorf("%s %s claims to belong to enclave %d", s.Kind, s, s.Enclave)
	}
	if len(s.Calls) != len(s.Durations) {
		return fmt.Errorf("%s %s: %d invocations but %d durations", s.Kind, s, len(s.Calls), len(s.Durations))
	}
	for _, ref := range s.Calls {
		c := tr.Call(ref)
		if c.Site != s.ID || c.Kind != s.Kind || c.Enclave != s.Enclave {
			return fmt.Errorf("%s %s references invocation of %s %d in enclave %d", s.Kind, s, c.Kind, c.Site, c.Enclave)
		}
		if parent, ok := tr.Parent(ref); ok {
			if parent.Kind == c.Kind {
				return fmt.Errorf("%s %s: event %d has a parent of the same kind", s.Kind, s, c.Event)
			}
			if _, ok := s.Direct[SiteRef{Enclave: parent.Enclave, ID: parent.Site}]; !ok {
				return fmt.Errorf("%s %s: parent %s %d in enclave %d of event %d is not a direct relation",
					s.Kind, s, parent.Kind, parent.Site, parent.Enclave, c.Event)
			}
		}
	}

	for ref, rel := range s.Direct {
		if _, ok := tr.Site(ref.Enclave, s.Kind.Other(), ref.ID); !ok {
			return fmt.Errorf("%s %s has direct parent %d in enclave %d, which does not exist", s.Kind, s, ref.ID, ref.Enclave)
		}
		if sum := rel.FromStartLess10us + rel.FromStartLess20us; sum > rel.Count {
			return fmt.Errorf("%s %s: direct parent %d has %d start buckets for %d calls", s.Kind, s, ref.ID, sum, rel.Count)
		}
		if sum := rel.ToEndLess10us + rel.ToEndLess20us; sum > rel.Count {
			return fmt.Errorf("%s %s: direct parent %d has %d end buckets for %d calls", s.Kind, s, ref.ID, sum, rel.Count)
		}
	}
	for ref, rel := range s.Indirect {
		if _, ok := tr.Site(ref.Enclave, s.Kind, ref.ID); !ok {
			return fmt.Errorf("%s %s has indirect parent %d in enclave %d, which does not exist", s.Kind, s, ref.ID, ref.Enclave)
		}
		if sum := rel.Less1us + rel.Less5us + rel.Less10us + rel.Less20us; sum > rel.Count {
			return fmt.Errorf("%s %s: indirect parent %d has %d bucketed gaps for %d calls", s.Kind, s, ref.ID, sum, rel.Count)
		}
	}
	return nil
}
