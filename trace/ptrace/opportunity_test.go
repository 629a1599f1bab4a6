package ptrace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"honnef.co/go/enclaveperf/trace"
)

func TestReorder(t *testing.T) {
	w := DefaultConfig().Reordering
	tests := []struct {
		name  string
		rel   DirectRelation
		start bool
		end   bool
	}{
		{"empty", DirectRelation{}, false, false},
		{"all close to start", DirectRelation{Count: 4, FromStartLess10us: 4}, true, false},
		{"all close to end", DirectRelation{Count: 4, ToEndLess10us: 2, ToEndLess20us: 2}, false, true},
		// 0.5*1 is not above 0.5
		{"half close to start", DirectRelation{Count: 4, FromStartLess10us: 2}, false, false},
		{"mixed", DirectRelation{Count: 4, FromStartLess10us: 1, FromStartLess20us: 2, ToEndLess20us: 1}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.start, ReorderToStart(&tt.rel, w))
			assert.Equal(t, tt.end, ReorderToEnd(&tt.rel, w))
		})
	}
}

func TestIndirectOpportunityNeedsFrequency(t *testing.T) {
	w := DefaultConfig().Merging
	site := &CallSite{All: Statistic{Summary: Summary[time.Duration]{Count: 10}}}

	// Only 3 of 10 calls have this predecessor.
	assert.False(t, MergingOpportunity(site, &IndirectRelation{Count: 3, Less1us: 3}, w))
	assert.True(t, MergingOpportunity(site, &IndirectRelation{Count: 4, Less1us: 4}, w))
	// Frequent, but the gaps are too large.
	assert.False(t, MergingOpportunity(site, &IndirectRelation{Count: 10, Less20us: 10}, w))
	assert.False(t, MergingOpportunity(&CallSite{}, &IndirectRelation{}, w))
}

func TestDuplication(t *testing.T) {
	w := DefaultConfig().Duplication
	mk := func(kind trace.CallKind, count, below1, below5, below10 int) *CallSite {
		return &CallSite{
			Kind: kind,
			Trimmed: Statistic{
				Summary:   Summary[time.Duration]{Count: count},
				Below1us:  below1,
				Below5us:  below5,
				Below10us: below10,
			},
		}
	}

	assert.True(t, DuplicationOpportunity(mk(trace.OCall, 10, 4, 4, 4), w))
	assert.True(t, DuplicationOpportunity(mk(trace.OCall, 10, 0, 6, 6), w))
	assert.True(t, DuplicationOpportunity(mk(trace.OCall, 10, 0, 0, 7), w))
	assert.False(t, DuplicationOpportunity(mk(trace.OCall, 10, 3, 5, 6), w))
	assert.False(t, DuplicationOpportunity(mk(trace.OCall, 0, 0, 0, 0), w))
	assert.False(t, DuplicationOpportunity(mk(trace.ECall, 10, 10, 10, 10), w))
}

func TestClassifySkipsUnusedSites(t *testing.T) {
	b := newTraceBuilder(ecall(0, "a"), ocall(0, "unused"))
	b.call(trace.ECall, 1, 0, 0, 10, 0)
	tr := b.parse(t)

	o := Classify(site(t, tr, trace.OCall, 0), DefaultConfig())
	assert.False(t, o.Any())

	all := ClassifyAll(tr, DefaultConfig(), 0)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Site.Name)
	assert.Equal(t, "unused", all[1].Site.Name)
}

func TestConfigSet(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Set("batching.alpha", 0.8))
	require.NoError(t, cfg.Set("Reordering.Gamma", 0.1))
	assert.Equal(t, 0.8, cfg.Batching.Alpha)
	assert.Equal(t, 1.0, cfg.Merging.Alpha)
	assert.Equal(t, 0.1, cfg.Reordering.Gamma)

	require.Error(t, cfg.Set("batching", 1))
	require.Error(t, cfg.Set("inlining.alpha", 1))
	require.Error(t, cfg.Set("batching.omega", 1))
}
