package ptrace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"honnef.co/go/enclaveperf/container"
	"honnef.co/go/enclaveperf/trace"
)

func TestIsSyncOCall(t *testing.T) {
	assert.True(t, IsSyncOCall(&CallSite{Name: "sgx_thread_wait_untrusted_event_ocall"}))
	assert.True(t, IsSyncOCall(&CallSite{Name: "enclave_sgx_thread_setwait_untrusted_events_ocall"}))
	assert.False(t, IsSyncOCall(&CallSite{Name: "ocall_print"}))
}

func TestSyncStatistics(t *testing.T) {
	b := newTraceBuilder(ecall(0, "a"), ocall(0, "sgx_thread_wait_untrusted_event_ocall"), ocall(1, "enclave_sgx_thread_set_untrusted_event_ocall"), ocall(2, "write"))
	a := b.call(trace.ECall, 1, 0, 0, 100_000, 0)
	b.call(trace.OCall, 1, 0, 10, 20, a)
	b.call(trace.OCall, 1, 1, 30, 40, a)
	b.call(trace.OCall, 1, 1, 50, 60, a)
	set := func(d time.Duration) trace.SyncWait {
		return trace.SyncWait{WaitThread: 1, WaitEID: testEnclave, Set: container.Some(trace.SyncSet{Thread: 2, EID: testEnclave, ResolveTime: d})}
	}
	b.tr.SyncWaits = []trace.SyncWait{
		set(500 * time.Nanosecond),
		set(3 * time.Microsecond),
		set(15 * time.Microsecond),
		set(50 * time.Microsecond),
		set(time.Millisecond),
		{WaitThread: 1, WaitEID: testEnclave},
	}
	tr := b.parse(t)

	stats := ComputeSyncStatistics(tr)
	require.Len(t, stats.Sites, 2)
	assert.Equal(t, 3, stats.Invocations)
	assert.Equal(t, 6, stats.Waits)
	assert.Equal(t, 5, stats.Resolved)
	assert.Equal(t, 1, stats.Less1us)
	assert.Equal(t, 1, stats.Less5us)
	assert.Equal(t, 0, stats.Less10us)
	assert.Equal(t, 1, stats.Less20us)
	assert.Equal(t, 1, stats.Less100us)
	assert.Equal(t, time.Millisecond, stats.ResolvePercentile(100))
	assert.Equal(t, 50*time.Microsecond, stats.ResolvePercentile(50))
}
