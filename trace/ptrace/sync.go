package ptrace

import (
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Suffixes of the OCalls the SDK uses to implement enclave synchronization primitives.
var syncOCallSuffixes = [...]string{
	"sgx_thread_wait_untrusted_event_ocall",
	"sgx_thread_set_untrusted_event_ocall",
	"sgx_thread_setwait_untrusted_events_ocall",
	"sgx_thread_set_multiple_untrusted_events_ocall",
}

// IsSyncOCall reports whether s is one of the SDK's synchronization OCalls.
func IsSyncOCall(s *CallSite) bool {
	for _, suffix := range syncOCallSuffixes {
		if strings.HasSuffix(s.Name, suffix) {
			return true
		}
	}
	return false
}

type SyncStatistics struct {
	// Sites are the synchronization OCalls of all enclaves.
	Sites []*CallSite
	// Invocations is the number of calls to any of Sites.
	Invocations int
	// Waits is the number of wait events, Resolved the number of those that were woken by a set event.
	Waits    int
	Resolved int
	// Time from wait to set, sorted in ascending order.
	ResolveTimes []time.Duration

	// Number of resolved waits per bucket. The buckets are exclusive.
	Less1us   int
	Less5us   int
	Less10us  int
	Less20us  int
	Less100us int
}

func ComputeSyncStatistics(tr *Trace) SyncStatistics {
	var stats SyncStatistics
	for _, e := range tr.Enclaves {
		for _, s := range e.OCalls {
			if IsSyncOCall(s) {
				stats.Sites = append(stats.Sites, s)
				stats.Invocations += s.Count()
			}
		}
	}

	stats.Waits = len(tr.SyncWaits)
	for _, w := range tr.SyncWaits {
		set, ok := w.Set.Get()
		if !ok {
			continue
		}
		stats.Resolved++
		stats.ResolveTimes = append(stats.ResolveTimes, set.ResolveTime)

		switch d := set.ResolveTime; {
		case d < 0:
		case d < time.Microsecond:
			stats.Less1us++
		case d < 5*time.Microsecond:
			stats.Less5us++
		case d < 10*time.Microsecond:
			stats.Less10us++
		case d < 20*time.Microsecond:
			stats.Less20us++
		case d < 100*time.Microsecond:
			stats.Less100us++
		}
	}
	slices.Sort(stats.ResolveTimes)
	return stats
}

// ResolvePercentile returns the resolve time at PercentileIndex(pct, n) of the resolved waits.
func (stats *SyncStatistics) ResolvePercentile(pct int) time.Duration {
	if len(stats.ResolveTimes) == 0 {
		return 0
	}
	return stats.ResolveTimes[PercentileIndex(pct, len(stats.ResolveTimes))]
}
