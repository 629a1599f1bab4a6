// Package trace reads enclave call traces from their SQLite exchange format.
package trace

import (
	"errors"
	"fmt"
	"time"

	"honnef.co/go/enclaveperf/container"
)

var (
	ErrMissingMetadata = errors.New("trace metadata is incomplete")
	ErrNoCallSites     = errors.New("trace contains no call sites")
)

// Timestamp is an absolute point in time, in nanoseconds, as recorded by the capture layer.
type Timestamp int64

// EventID is the row id of an event in the events table.
type EventID int64

type CallKind uint8

const (
	CallUndefined CallKind = iota
	// ECall is a call into the enclave.
	ECall
	// OCall is a call the enclave makes to the untrusted side.
	OCall
)

func (k CallKind) String() string {
	switch k {
	case ECall:
		return "ecall"
	case OCall:
		return "ocall"
	default:
		return fmt.Sprintf("CallKind(%d)", k)
	}
}

// Other returns the call kind on the other side of the boundary.
func (k CallKind) Other() CallKind {
	switch k {
	case ECall:
		return OCall
	case OCall:
		return ECall
	default:
		return CallUndefined
	}
}

type General struct {
	Start      Timestamp
	End        Timestamp
	MainThread uint64
}

func (g General) Runtime() time.Duration {
	return time.Duration(g.End - g.Start)
}

// EventTypes maps the event kinds the analyzer cares about to their numeric type in the events table.
type EventTypes struct {
	ECall       int64
	ECallReturn int64
	OCall       int64
	OCallReturn int64
	SyncWait    int64
	SyncSet     int64
}

// SiteRow is one row of the ecalls or ocalls table.
type SiteRow struct {
	ID   uint64
	EID  uint64
	Kind CallKind
	Name string
}

type ThreadRow struct {
	ID        uint64
	PthreadID uint64
	// Number of call-related events recorded for the thread. Used as a capacity hint.
	Events int
}

// CallRow describes one invocation, reconstructed by joining a call's return event with its enter event.
type CallRow struct {
	// Event is the id of the invocation's enter event.
	Event    EventID
	Kind     CallKind
	Thread   uint64
	Site     uint64
	EID      uint64
	Duration time.Duration
	AEX      container.Option[uint64]
	// Parent is the enter event of the invocation that directly encloses this one.
	Parent container.Option[EventID]
	Start  Timestamp
	End    Timestamp
}

// SyncWait is an enclave thread waiting on an untrusted event, optionally paired with the set event that woke it.
type SyncWait struct {
	WaitThread     uint64
	WaitEID        uint64
	WaitParentSite uint64
	Set            container.Option[SyncSet]
}

type SyncSet struct {
	Thread     uint64
	EID        uint64
	ParentSite uint64
	// Time between the wait and the set event.
	ResolveTime time.Duration
}

// Trace is a fully materialized trace. Calls are ordered by thread, then by start time.
type Trace struct {
	General    General
	EventTypes EventTypes
	Sites      []SiteRow
	Threads    []ThreadRow
	Calls      []CallRow
	SyncWaits  []SyncWait
}
