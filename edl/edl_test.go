package edl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
enclave {
    from "sgx_tstdc.edl" import *;
    include "user_types.h" /* buffer_t */

    trusted {
        public void ecall_init([in, size=len] const char *cfg, size_t len);
        /* public void ecall_disabled(void); */
        public int ecall_process(int id);
        void ecall_callback(void); // only reachable from ocalls
    };

    untrusted {
        void ocall_print([in, string] const char *str);
        int ocall_read(int fd, [out, size=n] char *buf, size_t n) allow(ecall_callback);
        void ocall_wait(void) allow (ecall_callback, ecall_process) transition_using_threads;
    };
};
`

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(sample), "sample.edl")
	require.NoError(t, err)

	assert.Equal(t, []string{"sgx_tstdc.edl"}, f.Imports)
	assert.Equal(t, []Function{
		{Name: "ecall_init", Public: true},
		{Name: "ecall_process", Public: true},
		{Name: "ecall_callback"},
	}, f.ECalls)
	assert.Equal(t, []Function{
		{Name: "ocall_print"},
		{Name: "ocall_read", Allow: []string{"ecall_callback"}},
		{Name: "ocall_wait", Allow: []string{"ecall_callback", "ecall_process"}},
	}, f.OCalls)

	fn, ok := f.OCall("ocall_wait")
	require.True(t, ok)
	assert.Len(t, fn.Allow, 2)
	_, ok = f.OCall("ocall_missing")
	assert.False(t, ok)
	fn, ok = f.ECall("ecall_callback")
	require.True(t, ok)
	assert.False(t, fn.Public)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"enclave { trusted { public void f(void);",
		"enclave { untrusted { void f(int x",
	} {
		_, err := Parse(strings.NewReader(src), "broken.edl")
		assert.Error(t, err, src)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclave.edl")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	f, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, f.ECalls, 3)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.edl"))
	assert.Error(t, err)
}
