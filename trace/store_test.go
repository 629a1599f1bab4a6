package trace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"honnef.co/go/enclaveperf/container"
)

type fixture struct {
	outer, inner, second EventID
	wait                 EventID
}

func writeFixture(t *testing.T, path string, eventMap bool) fixture {
	t.Helper()
	w, err := Create(path)
	require.NoError(t, err)
	defer w.Close()

	if eventMap {
		require.NoError(t, w.WriteEventMap())
	} else {
		require.NoError(t, w.DropEventMap())
	}
	require.NoError(t, w.SetGeneral(General{Start: 1000, End: 90_000, MainThread: 1}))
	for _, s := range []SiteRow{
		{ID: 0, EID: 2, Kind: ECall, Name: "ecall_main"},
		{ID: 1, EID: 2, Kind: ECall, Name: ""},
		{ID: 0, EID: 2, Kind: OCall, Name: "ocall_print"},
		{ID: 1, EID: 2, Kind: OCall, Name: "sgx_thread_wait_untrusted_event_ocall"},
		{ID: 2, EID: 2, Kind: OCall, Name: "sgx_thread_set_untrusted_event_ocall"},
	} {
		require.NoError(t, w.AddCallSite(s))
	}
	require.NoError(t, w.AddThread(1, 100))
	require.NoError(t, w.AddThread(2, 200))

	var f fixture
	f.outer, err = w.AddCall(ECall, 1, 0, 2, 2000, 9000, container.None[EventID](), container.Some[uint64](3))
	require.NoError(t, err)
	f.inner, err = w.AddCall(OCall, 1, 0, 2, 2500, 3000, container.Some(f.outer), container.None[uint64]())
	require.NoError(t, err)
	wait, err := w.AddCall(OCall, 1, 1, 2, 4000, 8000, container.Some(f.outer), container.None[uint64]())
	require.NoError(t, err)
	f.wait, err = w.AddSyncWait(1, 2, wait, 4100)
	require.NoError(t, err)

	// Written after thread 1's calls but must be read back in (thread, start) order.
	f.second, err = w.AddCall(ECall, 2, 1, 2, 1500, 7000, container.None[EventID](), container.None[uint64]())
	require.NoError(t, err)
	setter, err := w.AddCall(OCall, 2, 2, 2, 6000, 6500, container.Some(f.second), container.None[uint64]())
	require.NoError(t, err)
	require.NoError(t, w.AddSyncSet(2, 2, setter, f.wait, 6100))
	// A wait that is never resolved.
	_, err = w.AddSyncWait(1, 2, wait, 4200)
	require.NoError(t, err)
	return f
}

func openAndLoad(t *testing.T, path string) Trace {
	t.Helper()
	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	tr, err := Load(context.Background(), s)
	require.NoError(t, err)
	return tr
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	f := writeFixture(t, path, true)
	tr := openAndLoad(t, path)

	assert.Equal(t, General{Start: 1000, End: 90_000, MainThread: 1}, tr.General)
	assert.Equal(t, 89*time.Microsecond, tr.General.Runtime())
	assert.Equal(t, DefaultEventTypes, tr.EventTypes)

	require.Len(t, tr.Sites, 5)
	assert.Equal(t, SiteRow{ID: 0, EID: 2, Kind: ECall, Name: "ecall_main"}, tr.Sites[0])
	assert.Equal(t, "", tr.Sites[1].Name)
	assert.Equal(t, OCall, tr.Sites[2].Kind)

	require.Len(t, tr.Threads, 2)
	assert.Equal(t, uint64(200), tr.Threads[1].PthreadID)

	require.Len(t, tr.Calls, 5)
	outer := tr.Calls[0]
	assert.Equal(t, f.outer, outer.Event)
	assert.Equal(t, ECall, outer.Kind)
	assert.Equal(t, 7*time.Microsecond, outer.Duration)
	assert.Equal(t, container.Some[uint64](3), outer.AEX)
	assert.False(t, outer.Parent.Set())

	inner := tr.Calls[1]
	assert.Equal(t, f.inner, inner.Event)
	assert.Equal(t, container.Some(f.outer), inner.Parent)
	assert.Equal(t, Timestamp(2500), inner.Start)
	assert.Equal(t, Timestamp(3000), inner.End)

	assert.Equal(t, uint64(2), tr.Calls[3].Thread)
	assert.Equal(t, f.second, tr.Calls[3].Event)

	require.Len(t, tr.SyncWaits, 2)
	resolved := tr.SyncWaits[0]
	assert.Equal(t, uint64(0), resolved.WaitParentSite)
	set, ok := resolved.Set.Get()
	require.True(t, ok)
	assert.Equal(t, SyncSet{Thread: 2, EID: 2, ParentSite: 1, ResolveTime: 2000}, set)
	assert.False(t, tr.SyncWaits[1].Set.Set())
}

func TestLoadWithoutEventMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	writeFixture(t, path, false)
	tr := openAndLoad(t, path)
	assert.Equal(t, DefaultEventTypes, tr.EventTypes)
	assert.Len(t, tr.Calls, 5)
}

func TestLoadCompressed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.db")
	writeFixture(t, path, true)
	want := openAndLoad(t, path)

	for _, ext := range []string{".zst", ".sz"} {
		t.Run(ext, func(t *testing.T) {
			dst := filepath.Join(dir, "trace.db"+ext)
			require.NoError(t, Compress(dst, path))
			assert.Equal(t, want, openAndLoad(t, dst))
		})
	}
}

func TestMissingMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.AddCallSite(SiteRow{ID: 0, EID: 1, Kind: ECall, Name: "a"}))
	require.NoError(t, w.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = Load(context.Background(), s)
	require.ErrorIs(t, err, ErrMissingMetadata)
}

func TestNoCallSites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.SetGeneral(General{Start: 1, End: 2}))
	require.NoError(t, w.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = Load(context.Background(), s)
	require.ErrorIs(t, err, ErrNoCallSites)
}

func TestStoreIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	writeFixture(t, path, true)

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.db.Exec("DELETE FROM events")
	require.Error(t, err)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.db"), nil)
	require.Error(t, err)
	_, err = Open(filepath.Join(t.TempDir(), "nope.db.zst"), nil)
	require.Error(t, err)
}
