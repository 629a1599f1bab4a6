package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"honnef.co/go/enclaveperf/container"
	"honnef.co/go/enclaveperf/trace"
)

func TestParsePhases(t *testing.T) {
	tests := []struct {
		in   string
		want phases
	}{
		{"", phases{}},
		{"c", phases{calls: true}},
		{"s", phases{sync: true}},
		{"i", phases{calls: true, iface: true}},
		{"cs", phases{calls: true, sync: true}},
		{"si", phases{calls: true, sync: true, iface: true}},
		{"csi", phases{calls: true, sync: true, iface: true}},
	}
	for _, tt := range tests {
		got, err := parsePhases(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parsePhases("cx")
	assert.Error(t, err)
}

func TestParseWeight(t *testing.T) {
	name, v, err := parseWeight("batching.alpha=0.8")
	require.NoError(t, err)
	assert.Equal(t, "batching.alpha", name)
	assert.Equal(t, 0.8, v)

	_, _, err = parseWeight("batching.alpha")
	assert.Error(t, err)
	_, _, err = parseWeight("batching.alpha=high")
	assert.Error(t, err)
}

func parseFlags(t *testing.T, args ...string) (*pflag.FlagSet, *options) {
	t.Helper()
	var o options
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.register(f)
	require.NoError(t, f.Parse(args))
	return f, &o
}

func TestLoadConfig(t *testing.T) {
	environ := map[string]string{
		"ENCLAVEPERF_BATCHING_ALPHA": "0.8",
		"ENCLAVEPERF_MERGING_LAMBDA": "0.5",
		"ENCLAVEPERF_LOG_FORMAT":     "json",
		"BATCHING_BETA":              "0.1",
	}

	f, o := parseFlags(t)
	cfg, err := loadConfig(f, o, environ)
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Weights.Batching.Alpha)
	assert.Equal(t, 0.75, cfg.Weights.Batching.Beta, "variables without the prefix are ignored")
	assert.Equal(t, 0.5, cfg.Weights.Merging.Lambda)
	assert.Equal(t, 0.35, cfg.Weights.Duplication.Alpha)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.Debug)

	// Flags take precedence over the environment.
	f, o = parseFlags(t, "--weight", "batching.alpha=0.9", "--weight", "reordering.gamma=0.2", "--log-format", "console", "--debug")
	cfg, err = loadConfig(f, o, environ)
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Weights.Batching.Alpha)
	assert.Equal(t, 0.2, cfg.Weights.Reordering.Gamma)
	assert.Equal(t, 0.5, cfg.Weights.Merging.Lambda)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.True(t, cfg.Debug)

	f, o = parseFlags(t)
	cfg, err = loadConfig(f, o, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.LogFormat)

	f, o = parseFlags(t, "--weight", "inlining.alpha=1")
	_, err = loadConfig(f, o, map[string]string{})
	assert.Error(t, err)

	f, o = parseFlags(t, "--log-format", "xml")
	_, err = loadConfig(f, o, map[string]string{})
	assert.Error(t, err)

	f, o = parseFlags(t)
	_, err = loadConfig(f, o, map[string]string{"ENCLAVEPERF_BATCHING_ALPHA": "lots"})
	assert.Error(t, err)
}

func writeTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.db")
	w, err := trace.Create(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteEventMap())
	require.NoError(t, w.SetGeneral(trace.General{Start: 0, End: 1_000_000, MainThread: 1}))
	for _, s := range []trace.SiteRow{
		{ID: 0, EID: 1, Kind: trace.ECall, Name: "ecall_main"},
		{ID: 1, EID: 1, Kind: trace.ECall, Name: "ecall_cb"},
		{ID: 0, EID: 1, Kind: trace.OCall, Name: "ocall_print"},
		{ID: 1, EID: 1, Kind: trace.OCall, Name: "sgx_thread_wait_untrusted_event_ocall"},
	} {
		require.NoError(t, w.AddCallSite(s))
	}
	require.NoError(t, w.AddThread(1, 100))

	none := container.None[trace.EventID]()
	noAEX := container.None[uint64]()
	for i := int64(0); i < 4; i++ {
		start := trace.Timestamp(i * 100_000)
		main, err := w.AddCall(trace.ECall, 1, 0, 1, start, start+50_000, none, container.Some[uint64](uint64(i)))
		require.NoError(t, err)
		_, err = w.AddCall(trace.OCall, 1, 0, 1, start+1000, start+1500, container.Some(main), noAEX)
		require.NoError(t, err)
		_, err = w.AddCall(trace.OCall, 1, 0, 1, start+1800, start+2200, container.Some(main), noAEX)
		require.NoError(t, err)
		wait, err := w.AddCall(trace.OCall, 1, 1, 1, start+3000, start+20_000, container.Some(main), noAEX)
		require.NoError(t, err)
		_, err = w.AddCall(trace.ECall, 1, 1, 1, start+3500, start+4000, container.Some(wait), noAEX)
		require.NoError(t, err)
		_, err = w.AddSyncWait(1, 1, wait, start+3100)
		require.NoError(t, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(map[string]string{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRun(t *testing.T) {
	path := writeTrace(t)
	dir := t.TempDir()
	dot := filepath.Join(dir, "calls.dot")
	data := filepath.Join(dir, "data")

	out, err := execute(t, "-p", "si", "-f", dot, "-d", data, "--percentiles", "100", "--resolver", "stack", path)
	require.NoError(t, err)

	assert.Contains(t, out, "=== General Info\nRuntime: 1 ms (1,000,000 ns)\n")
	assert.Contains(t, out, "| 2 ecalls called 8 times\n")
	assert.Contains(t, out, "(i) ECall statistics\n")
	assert.Contains(t, out, "| / [0] ecall_main\n")
	assert.Contains(t, out, "| | # AEX during all calls: 6\n")
	assert.Contains(t, out, "/!\\ Call can be made private.")
	assert.Contains(t, out, "/!\\ Batching opportunity")
	assert.Contains(t, out, "(i) Found 4 synchronization OCalls\n4 wait events\n")
	assert.Contains(t, out, "sgx_thread_wait_untrusted_event_ocall allow (ecall_cb);\n")

	b, err := os.ReadFile(dot)
	require.NoError(t, err)
	assert.Contains(t, string(b), "digraph Enclave_1 {\n")
	assert.Contains(t, string(b), "\to1 -> e1 [label=\"4\"];\n")

	assert.FileExists(t, filepath.Join(data, "ecall_main_100_hist.dat"))
	assert.FileExists(t, filepath.Join(data, "ocall_print_100_scatter.dat"))
}

func TestRunWithEDL(t *testing.T) {
	path := writeTrace(t)
	edlPath := filepath.Join(t.TempDir(), "enclave.edl")
	require.NoError(t, os.WriteFile(edlPath, []byte(`enclave {
	trusted {
		public void ecall_main(void);
		public void ecall_cb(void);
	};
	untrusted {
		void ocall_print([in, string] const char *s) allow(ecall_cb);
	};
};`), 0o644))

	out, err := execute(t, "-p", "i", "-l", edlPath, "-g", "e0,e1,o0", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Interface for ocall_print can be narrowed. Remove functions\n\tecall_cb\n")
	assert.Contains(t, out, "ECall ecall_cb is public")
	assert.NotContains(t, out, "| / [1] sgx_thread_wait_untrusted_event_ocall")
}

func TestRunErrors(t *testing.T) {
	path := writeTrace(t)
	tests := [][]string{
		{filepath.Join(t.TempDir(), "missing.db")},
		{"-p", "x", path},
		{"-g", "q1", path},
		{"--resolver", "magic", path},
		{"--render", "svg", path},
		{"-f", filepath.Join(t.TempDir(), "g.dot"), "--render", "gif", path},
		{"-d", t.TempDir(), "--percentiles", "0", path},
		{"-l", filepath.Join(t.TempDir(), "missing.edl"), path},
		{},
		{path, path},
	}
	for _, args := range tests {
		_, err := execute(t, args...)
		assert.Error(t, err, "%q", args)
	}
}
