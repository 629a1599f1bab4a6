package ptrace

import (
	"math"
	"time"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"

	"honnef.co/go/enclaveperf/mysync"
)

// TrimPercentile selects the fastest percent of invocations used for trimmed statistics.
const TrimPercentile = 95

// Summary describes a population of integer samples. Average and Std are truncated towards zero.
type Summary[T constraints.Integer] struct {
	Count   int
	Sum     T
	Average T
	Std     T
	Min     T
	Max     T
}

func summarize[T constraints.Integer](values []T) Summary[T] {
	if len(values) == 0 {
		return Summary[T]{}
	}

	s := Summary[T]{
		Count: len(values),
		Min:   values[0],
		Max:   values[0],
	}
	for _, v := range values {
		s.Sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Average = s.Sum / T(len(values))

	var sq float64
	for _, v := range values {
		d := float64(v) - float64(s.Average)
		sq += d * d
	}
	s.Std = T(math.Sqrt(sq / float64(len(values))))
	return s
}

// Statistic summarizes call durations.
type Statistic struct {
	Summary[time.Duration]
	// Number of durations below the respective threshold. The thresholds are not exclusive.
	Below1us  int
	Below5us  int
	Below10us int
}

// computeStatistic computes the statistic of durations, which must be sorted in ascending order.
func computeStatistic(durations []time.Duration) Statistic {
	stat := Statistic{Summary: summarize(durations)}
	for _, d := range durations {
		if d >= 10*time.Microsecond {
			// Sorted, so no later duration can be below any of the thresholds.
			break
		}
		stat.Below10us++
		if d < 5*time.Microsecond {
			stat.Below5us++
		}
		if d < time.Microsecond {
			stat.Below1us++
		}
	}
	return stat
}

// PercentileIndex returns ceil(pct*n/100), clamped to [0, n-1]. Used as an exclusive bound, it selects the fastest
// pct percent of n ascending samples, always excluding the slowest one. It returns 0 for n < 1. The index is computed
// in integers so that whole products like 55% of 100 don't round up.
func PercentileIndex(pct int, n int) int {
	if n < 1 {
		return 0
	}
	idx := (pct*n + 99) / 100
	if idx > n-1 {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Percentile returns the duration at PercentileIndex(pct, n) of the site's sorted durations.
func (s *CallSite) Percentile(pct int) time.Duration {
	if len(s.Durations) == 0 {
		return 0
	}
	return s.Durations[PercentileIndex(pct, len(s.Durations))]
}

func computeSiteStatistics(s *CallSite) {
	slices.Sort(s.Durations)
	s.All = computeStatistic(s.Durations)
	s.Trimmed = computeStatistic(s.Durations[:PercentileIndex(TrimPercentile, len(s.Durations))])
	if len(s.AEXCounts) > 0 {
		s.AEX = summarize(s.AEXCounts)
	}
}

// ComputeStatistics computes the statistics of all call sites and the per-enclave rollups. It may be called again on
// an already processed trace and produces the same results.
func ComputeStatistics(tr *Trace, parallelism int) error {
	var sites []*CallSite
	for _, e := range tr.Enclaves {
		sites = append(sites, e.ECalls...)
		sites = append(sites, e.OCalls...)
	}

	// Workers own disjoint call sites.
	err := mysync.Chunks(sites, parallelism, func(part []*CallSite) error {
		for _, s := range part {
			computeSiteStatistics(s)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range tr.Enclaves {
		e.ECallCount = 0
		e.OCallCount = 0
		first := true
		for _, s := range e.ECalls {
			e.ECallCount += s.Count()
			for _, ref := range s.Calls {
				c := tr.Call(ref)
				if first || c.Start < e.FirstECallStart {
					e.FirstECallStart = c.Start
				}
				if first || c.End > e.LastECallEnd {
					e.LastECallEnd = c.End
				}
				first = false
			}
		}
		for _, s := range e.OCalls {
			e.OCallCount += s.Count()
		}
	}
	return nil
}
