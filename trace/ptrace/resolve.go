package ptrace

import (
	"honnef.co/go/enclaveperf/mem"
	"honnef.co/go/enclaveperf/slices"
	"honnef.co/go/enclaveperf/trace"
)

// A ParentResolver finds the direct parent of a call among the calls of its thread. A resolver is used for a single
// thread and is told about every call appended to that thread.
type ParentResolver interface {
	// Resolve returns the index of the call whose event is parent.
	Resolve(calls *mem.BucketSlice[Call], parent trace.EventID) (int, bool)
	// Appended is called after calls[idx] has been appended.
	Appended(calls *mem.BucketSlice[Call], idx int)
}

type backwardScan struct{}

// NewBackwardScan returns a resolver that scans the thread's calls backwards, starting at the most recent one. It
// needs no state and finds parents even in traces where calls overlap.
func NewBackwardScan() ParentResolver { return backwardScan{} }

func (backwardScan) Resolve(calls *mem.BucketSlice[Call], parent trace.EventID) (int, bool) {
	for i := calls.Len() - 1; i >= 0; i-- {
		if calls.Ptr(i).Event == parent {
			return i, true
		}
	}
	return 0, false
}

func (backwardScan) Appended(*mem.BucketSlice[Call], int) {}

type callStack struct {
	open []int
}

// NewCallStack returns a resolver that tracks the thread's open calls on a stack. A call's parent must be open when
// the call starts, which means that every call above it on the stack has already returned and can be popped.
func NewCallStack() ParentResolver { return &callStack{} }

func (cs *callStack) Resolve(calls *mem.BucketSlice[Call], parent trace.EventID) (int, bool) {
	for {
		top, ok := slices.Last(cs.open)
		if !ok {
			return 0, false
		}
		if calls.Ptr(top).Event == parent {
			return top, true
		}
		_, cs.open, _ = slices.Pop(cs.open)
	}
}

func (cs *callStack) Appended(calls *mem.BucketSlice[Call], idx int) {
	if calls.Ptr(idx).Parent == NoParent {
		// A root call means that all previously open calls have returned.
		cs.open = cs.open[:0]
	}
	cs.open = append(cs.open, idx)
}
