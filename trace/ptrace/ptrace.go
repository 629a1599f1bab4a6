// Package ptrace processes an enclave call trace. It reconstructs the call tree of every thread, relates call sites
// to their direct and indirect parents and computes per-site statistics.
package ptrace

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"honnef.co/go/enclaveperf/container"
	"honnef.co/go/enclaveperf/mem"
	"honnef.co/go/enclaveperf/mysync"
	"honnef.co/go/enclaveperf/trace"
)

var (
	ErrMissingParent = errors.New("parent call not found in thread")
	ErrParentKind    = errors.New("parent call has the same kind as its child")
	ErrUnordered     = errors.New("calls are not ordered by thread and start time")
	ErrUnknownSite   = errors.New("call references an unknown call site")
)

// ConsistencyError is returned when a call's direct parent cannot be resolved.
type ConsistencyError struct {
	Thread uint64
	Event  trace.EventID
	Parent trace.EventID
	Err    error
}

func (err *ConsistencyError) Error() string {
	return fmt.Sprintf("thread %d, event %d: %s (parent event %d)", err.Thread, err.Event, err.Err, err.Parent)
}

func (err *ConsistencyError) Unwrap() error { return err.Err }

// SiteID is the dense id of a call site within its enclave and call kind.
type SiteID int

type EnclaveID uint64

// SiteRef identifies a call site of known kind. ECalls of one enclave may be made from within OCalls of another, so
// relations carry the enclave of the related site.
type SiteRef struct {
	Enclave EnclaveID
	ID      SiteID
}

func compareSiteRefs(a, b SiteRef) int {
	switch {
	case a.Enclave < b.Enclave:
		return -1
	case a.Enclave > b.Enclave:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// NoParent is the parent index of calls that have no direct parent.
const NoParent = -1

// Call is one invocation of a call site.
type Call struct {
	Event    trace.EventID
	Kind     trace.CallKind
	Enclave  EnclaveID
	Site     SiteID
	Start    trace.Timestamp
	End      trace.Timestamp
	Duration time.Duration
	// Parent is the index of the direct parent in the thread's calls, or NoParent.
	Parent int
}

type Thread struct {
	ID        uint64
	PthreadID uint64
	// Calls in the order they started. Elements never move, so indices stay valid.
	Calls mem.BucketSlice[Call]
}

// CallRef addresses a call by the index of its thread in Trace.Threads and its index in that thread's calls.
type CallRef struct {
	Thread int32
	Index  int32
}

// DirectRelation describes how often a call site was called from within a call site of the other kind. Gaps are
// measured from the parent's start to the child's start, and from the child's end to the parent's end.
type DirectRelation struct {
	Count             int
	FromStartLess10us int
	FromStartLess20us int
	ToEndLess10us     int
	ToEndLess20us     int
}

func (rel *DirectRelation) observe(fromStart, toEnd time.Duration) {
	rel.Count++
	switch {
	case fromStart < 0:
	case fromStart < 10*time.Microsecond:
		rel.FromStartLess10us++
	case fromStart < 20*time.Microsecond:
		rel.FromStartLess20us++
	}
	switch {
	case toEnd < 0:
	case toEnd < 10*time.Microsecond:
		rel.ToEndLess10us++
	case toEnd < 20*time.Microsecond:
		rel.ToEndLess20us++
	}
}

func (rel *DirectRelation) merge(o *DirectRelation) {
	rel.Count += o.Count
	rel.FromStartLess10us += o.FromStartLess10us
	rel.FromStartLess20us += o.FromStartLess20us
	rel.ToEndLess10us += o.ToEndLess10us
	rel.ToEndLess20us += o.ToEndLess20us
}

// IndirectRelation describes how often a call site was preceded by a call site of the same kind on the same nesting
// level. The gap is measured from the predecessor's end to the call's start.
type IndirectRelation struct {
	Count    int
	Less1us  int
	Less5us  int
	Less10us int
	Less20us int
}

func (rel *IndirectRelation) observe(gap time.Duration) {
	rel.Count++
	switch {
	case gap < 0:
	case gap < time.Microsecond:
		rel.Less1us++
	case gap < 5*time.Microsecond:
		rel.Less5us++
	case gap < 10*time.Microsecond:
		rel.Less10us++
	case gap < 20*time.Microsecond:
		rel.Less20us++
	}
}

func (rel *IndirectRelation) merge(o *IndirectRelation) {
	rel.Count += o.Count
	rel.Less1us += o.Less1us
	rel.Less5us += o.Less5us
	rel.Less10us += o.Less10us
	rel.Less20us += o.Less20us
}

type CallSite struct {
	Enclave EnclaveID
	Kind    trace.CallKind
	ID      SiteID
	Name    string
	// Placeholder is set for sites that are missing from the trace's registry.
	Placeholder bool

	// Durations of all invocations, sorted in ascending order once statistics have been computed.
	Durations []time.Duration
	// AEX counts of invocations that recorded one. Only ECalls record AEX counts.
	AEXCounts []uint64
	// Calls lists all invocations, in thread order.
	Calls []CallRef

	// Direct maps call sites of the other kind to how often they were this site's direct parent.
	Direct map[SiteRef]*DirectRelation
	// Indirect maps call sites of the same kind to how often they were this site's indirect parent.
	Indirect map[SiteRef]*IndirectRelation
	// CalledFromOtherKind counts ECall invocations that were made from within an OCall. It is always zero for OCalls.
	CalledFromOtherKind int

	All     Statistic
	Trimmed Statistic
	AEX     Summary[uint64]
}

func (s *CallSite) String() string {
	return fmt.Sprintf("[%d] %s", s.ID, s.Name)
}

// Ref returns the reference other sites use to relate to s.
func (s *CallSite) Ref() SiteRef {
	return SiteRef{Enclave: s.Enclave, ID: s.ID}
}

// Count returns the number of invocations.
func (s *CallSite) Count() int { return len(s.Durations) }

// SortedDirect returns the site's direct parents, ordered by enclave and site id.
func (s *CallSite) SortedDirect() []SiteRef {
	refs := maps.Keys(s.Direct)
	slices.SortFunc(refs, compareSiteRefs)
	return refs
}

// SortedIndirect returns the site's indirect parents, ordered by enclave and site id.
func (s *CallSite) SortedIndirect() []SiteRef {
	refs := maps.Keys(s.Indirect)
	slices.SortFunc(refs, compareSiteRefs)
	return refs
}

type Enclave struct {
	ID     EnclaveID
	ECalls []*CallSite
	OCalls []*CallSite

	ECallCount int
	OCallCount int
	// Bounds of the enclave's active window, spanning all ECalls. Only meaningful if ECallCount > 0.
	FirstECallStart trace.Timestamp
	LastECallEnd    trace.Timestamp
}

func (e *Enclave) Sites(kind trace.CallKind) []*CallSite {
	switch kind {
	case trace.ECall:
		return e.ECalls
	case trace.OCall:
		return e.OCalls
	default:
		return nil
	}
}

func (e *Enclave) Site(kind trace.CallKind, id SiteID) (*CallSite, bool) {
	sites := e.Sites(kind)
	if id < 0 || int(id) >= len(sites) {
		return nil, false
	}
	return sites[id], true
}

// Count returns the number of invocations of the given kind.
func (e *Enclave) Count(kind trace.CallKind) int {
	if kind == trace.ECall {
		return e.ECallCount
	}
	return e.OCallCount
}

// Active returns the duration between the start of the first and the end of the last ECall.
func (e *Enclave) Active() time.Duration {
	if e.ECallCount == 0 {
		return 0
	}
	return time.Duration(e.LastECallEnd - e.FirstECallStart)
}

// NestedECalls returns the ECall sites of e that were called from within the OCall site ocall, in ascending order.
// ocall may belong to a different enclave.
func (e *Enclave) NestedECalls(ocall SiteRef) []*CallSite {
	var out []*CallSite
	for _, s := range e.ECalls {
		if _, ok := s.Direct[ocall]; ok {
			out = append(out, s)
		}
	}
	return out
}

type Trace struct {
	trace.General
	Enclaves  []*Enclave
	Threads   []*Thread
	SyncWaits []trace.SyncWait

	enclavesByID map[EnclaveID]*Enclave
}

func (tr *Trace) Enclave(id EnclaveID) (*Enclave, bool) {
	e, ok := tr.enclavesByID[id]
	return e, ok
}

func (tr *Trace) Site(eid EnclaveID, kind trace.CallKind, id SiteID) (*CallSite, bool) {
	e, ok := tr.Enclave(eid)
	if !ok {
		return nil, false
	}
	return e.Site(kind, id)
}

func (tr *Trace) Call(ref CallRef) *Call {
	return tr.Threads[ref.Thread].Calls.Ptr(int(ref.Index))
}

// Parent returns the direct parent of the referenced call.
func (tr *Trace) Parent(ref CallRef) (*Call, bool) {
	c := tr.Call(ref)
	if c.Parent == NoParent {
		return nil, false
	}
	return tr.Threads[ref.Thread].Calls.Ptr(c.Parent), true
}

type Options struct {
	// Resolver returns a fresh ParentResolver for every thread. It defaults to NewBackwardScan.
	Resolver func() ParentResolver
	// Parallelism is the number of concurrent workers. Zero or less uses GOMAXPROCS.
	Parallelism int
}

// Parse reconstructs the call trees of all threads in res and computes statistics for all call sites. res.Calls
// must be ordered by thread and start time.
func Parse(res trace.Trace, opts Options, progress func(float64)) (*Trace, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	if opts.Resolver == nil {
		opts.Resolver = NewBackwardScan
	}

	makeProgresser := func(stage int, numStages int) func(float64) {
		return func(p float64) {
			if p > 1 {
				panic(p)
			}
			progress(float64(stage-1)/float64(numStages) + (p / float64(numStages)))
		}
	}

	tr := &Trace{
		General:   res.General,
		SyncWaits: res.SyncWaits,
	}
	if err := populateEnclaves(tr, res.Sites); err != nil {
		return nil, err
	}

	if err := processCalls(tr, res, opts, makeProgresser(1, 2)); err != nil {
		return nil, err
	}

	if err := ComputeStatistics(tr, opts.Parallelism); err != nil {
		return nil, err
	}
	progress(1)
	return tr, nil
}

// populateEnclaves builds the call site registries. Site ids are dense; gaps are filled with placeholder sites.
func populateEnclaves(tr *Trace, rows []trace.SiteRow) error {
	if len(rows) == 0 {
		return trace.ErrNoCallSites
	}

	tr.enclavesByID = map[EnclaveID]*Enclave{}
	for _, row := range rows {
		eid := EnclaveID(row.EID)
		e, ok := tr.enclavesByID[eid]
		if !ok {
			e = &Enclave{ID: eid}
			tr.enclavesByID[eid] = e
			tr.Enclaves = append(tr.Enclaves, e)
		}

		var sites *[]*CallSite
		switch row.Kind {
		case trace.ECall:
			sites = &e.ECalls
		case trace.OCall:
			sites = &e.OCalls
		default:
			return fmt.Errorf("call site %d in enclave %d has invalid kind %s", row.ID, row.EID, row.Kind)
		}
		id := SiteID(row.ID)
		for SiteID(len(*sites)) <= id {
			*sites = append(*sites, newCallSite(eid, row.Kind, SiteID(len(*sites))))
		}
		s := (*sites)[id]
		if !s.Placeholder {
			return fmt.Errorf("duplicate %s %d in enclave %d", row.Kind, row.ID, row.EID)
		}
		// Sites without a symbol keep their placeholder name.
		s.Placeholder = false
		if row.Name != "" {
			s.Name = row.Name
		}
	}

	sort.Slice(tr.Enclaves, func(i, j int) bool {
		return tr.Enclaves[i].ID < tr.Enclaves[j].ID
	})
	return nil
}

func newCallSite(eid EnclaveID, kind trace.CallKind, id SiteID) *CallSite {
	return &CallSite{
		Enclave:     eid,
		Kind:        kind,
		ID:          id,
		Name:        fmt.Sprintf("%s_%d", kind, id),
		Placeholder: true,
		Direct:      map[SiteRef]*DirectRelation{},
		Indirect:    map[SiteRef]*IndirectRelation{},
	}
}

type siteKey struct {
	enclave EnclaveID
	kind    trace.CallKind
	id      SiteID
}

// samples are the per-site observations of a single thread. They get merged into the call sites after all threads
// have been processed.
type samples struct {
	durations       []time.Duration
	aex             []uint64
	calls           []CallRef
	direct          map[SiteRef]*DirectRelation
	indirect        map[SiteRef]*IndirectRelation
	calledFromOther int
}

type threadJob struct {
	index  int32
	rows   []trace.CallRow
	thread *Thread
	sites  map[siteKey]*samples
	err    error
}

// partitionCalls splits rows into runs of the same thread.
func partitionCalls(rows []trace.CallRow) ([]*threadJob, error) {
	var (
		jobs []*threadJob
		seen = container.NewSet[uint64]()
	)
	for start := 0; start < len(rows); {
		tid := rows[start].Thread
		if seen.Has(tid) {
			return nil, fmt.Errorf("%w: thread %d resumes at event %d", ErrUnordered, tid, rows[start].Event)
		}
		seen.Add(tid)

		end := start + 1
		for ; end < len(rows) && rows[end].Thread == tid; end++ {
			if rows[end].Start < rows[end-1].Start {
				return nil, fmt.Errorf("%w: event %d on thread %d starts before event %d", ErrUnordered, rows[end].Event, tid, rows[end-1].Event)
			}
		}
		jobs = append(jobs, &threadJob{
			index: int32(len(jobs)),
			rows:  rows[start:end],
		})
		start = end
	}
	return jobs, nil
}

func processCalls(tr *Trace, res trace.Trace, opts Options, progress func(float64)) error {
	jobs, err := partitionCalls(res.Calls)
	if err != nil {
		return err
	}

	threadsByID := make(map[uint64]trace.ThreadRow, len(res.Threads))
	for _, t := range res.Threads {
		threadsByID[t.ID] = t
	}

	tr.Threads = make([]*Thread, len(jobs))
	for _, job := range jobs {
		tid := job.rows[0].Thread
		job.thread = &Thread{ID: tid}
		if row, ok := threadsByID[tid]; ok {
			job.thread.PthreadID = row.PthreadID
			// Every call has an enter and a return event.
			job.thread.Calls.Reserve(row.Events / 2)
		} else {
			job.thread.Calls.Reserve(len(job.rows))
		}
		tr.Threads[job.index] = job.thread
	}

	err = mysync.ForEach(jobs, opts.Parallelism, func(job *threadJob) error {
		return processThread(tr, job, opts.Resolver())
	})
	if err != nil {
		return err
	}
	progress(0.5)

	// Merge in thread order, so that samples end up in the same order no matter how the work was scheduled.
	for i, job := range jobs {
		for key, smp := range job.sites {
			site, _ := tr.Site(key.enclave, key.kind, key.id)
			site.Durations = append(site.Durations, smp.durations...)
			site.AEXCounts = append(site.AEXCounts, smp.aex...)
			site.Calls = append(site.Calls, smp.calls...)
			site.CalledFromOtherKind += smp.calledFromOther
			for ref, rel := range smp.direct {
				if dst, ok := site.Direct[ref]; ok {
					dst.merge(rel)
				} else {
					site.Direct[ref] = rel
				}
			}
			for ref, rel := range smp.indirect {
				if dst, ok := site.Indirect[ref]; ok {
					dst.merge(rel)
				} else {
					site.Indirect[ref] = rel
				}
			}
		}
		job.sites = nil
		job.rows = nil
		progress(0.5 + 0.5*float64(i+1)/float64(len(jobs)))
	}
	return nil
}

func processThread(tr *Trace, job *threadJob, resolver ParentResolver) error {
	job.sites = map[siteKey]*samples{}
	calls := &job.thread.Calls

	for _, row := range job.rows {
		key := siteKey{EnclaveID(row.EID), row.Kind, SiteID(row.Site)}
		if _, ok := tr.Site(key.enclave, key.kind, key.id); !ok {
			return fmt.Errorf("%w: event %d on thread %d calls %s %d in enclave %d", ErrUnknownSite, row.Event, row.Thread, row.Kind, row.Site, row.EID)
		}
		smp, ok := job.sites[key]
		if !ok {
			smp = &samples{
				direct:   map[SiteRef]*DirectRelation{},
				indirect: map[SiteRef]*IndirectRelation{},
			}
			job.sites[key] = smp
		}

		c := Call{
			Event:    row.Event,
			Kind:     row.Kind,
			Enclave:  key.enclave,
			Site:     key.id,
			Start:    row.Start,
			End:      row.End,
			Duration: row.Duration,
			Parent:   NoParent,
		}

		if pev, ok := row.Parent.Get(); ok {
			idx, ok := resolver.Resolve(calls, pev)
			if !ok {
				return &ConsistencyError{Thread: row.Thread, Event: row.Event, Parent: pev, Err: ErrMissingParent}
			}
			parent := calls.Ptr(idx)
			if parent.Kind == c.Kind {
				return &ConsistencyError{Thread: row.Thread, Event: row.Event, Parent: pev, Err: ErrParentKind}
			}
			c.Parent = idx

			pref := SiteRef{Enclave: parent.Enclave, ID: parent.Site}
			rel, ok := smp.direct[pref]
			if !ok {
				rel = &DirectRelation{}
				smp.direct[pref] = rel
			}
			rel.observe(time.Duration(c.Start-parent.Start), time.Duration(parent.End-c.End))
			if c.Kind == trace.ECall {
				smp.calledFromOther++
			}
		}

		if idx, ok := indirectParent(calls, &c); ok {
			prev := calls.Ptr(idx)
			pref := SiteRef{Enclave: prev.Enclave, ID: prev.Site}
			rel, ok := smp.indirect[pref]
			if !ok {
				rel = &IndirectRelation{}
				smp.indirect[pref] = rel
			}
			rel.observe(time.Duration(c.Start - prev.End))
		}

		idx := calls.Append(c)
		resolver.Appended(calls, idx)

		smp.durations = append(smp.durations, c.Duration)
		if c.Kind == trace.ECall {
			if n, ok := row.AEX.Get(); ok {
				smp.aex = append(smp.aex, n)
			}
		}
		smp.calls = append(smp.calls, CallRef{Thread: job.index, Index: int32(idx)})
	}
	return nil
}

// indirectParent finds the closest preceding call of the same kind on the same nesting level as c. Calls of the
// other kind are skipped by jumping to their parent, and calls of the same kind that are nested more deeply are
// skipped by jumping to the call preceding their parent.
func indirectParent(calls *mem.BucketSlice[Call], c *Call) (int, bool) {
	for i := calls.Len() - 1; i > c.Parent; {
		cand := calls.Ptr(i)
		if cand.Kind != c.Kind {
			i = cand.Parent
			continue
		}
		if cand.Parent == c.Parent {
			return i, true
		}
		if cand.Parent == NoParent {
			break
		}
		i = cand.Parent - 1
	}
	return 0, false
}
