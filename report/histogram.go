package report

import (
	"time"

	"honnef.co/go/enclaveperf/trace/ptrace"
)

// DefaultBins is the number of bins used for value ranges of at least as many nanoseconds.
const DefaultBins = 100

type Histogram struct {
	Start    time.Duration
	BinWidth time.Duration
	Bins     []int
	// Largest value in the histogram
	MaxValue    time.Duration
	MaxBinValue int
}

// NewHistogram bins values, which must be sorted in ascending order. Narrow value ranges use fewer than maxBins bins,
// so that every bin is at least one nanosecond wide, but there is always at least one bin. It returns nil if values
// is empty.
func NewHistogram(values []time.Duration, maxBins int) *Histogram {
	if len(values) == 0 {
		return nil
	}
	if maxBins <= 0 {
		maxBins = DefaultBins
	}

	min, max := values[0], values[len(values)-1]
	bins := maxBins
	if span := int64(max - min); span < int64(bins) {
		bins = int(span)
	}
	if bins == 0 {
		bins = 1
	}
	// Rounding the width up guarantees that max falls into the last bin or earlier.
	binWidth := (max-min)/time.Duration(bins) + 1

	hist := &Histogram{
		Start:    min,
		BinWidth: binWidth,
		Bins:     make([]int, bins),
		MaxValue: max,
	}

	// The values are sorted, so we only have to compute the bin index when a value falls out of the current bin.
	var curBin int
	curEnd := min + binWidth
	for _, v := range values {
		if v >= curEnd {
			curBin = int((v - min) / binWidth)
			curEnd = min + time.Duration(curBin+1)*binWidth
		}
		hist.Bins[curBin]++
	}

	for _, v := range hist.Bins {
		if v > hist.MaxBinValue {
			hist.MaxBinValue = v
		}
	}
	return hist
}

// BucketRange returns the half-open range of values covered by bin i.
func (hist *Histogram) BucketRange(i int) (start, end time.Duration) {
	start = hist.Start + hist.BinWidth*time.Duration(i)
	return start, start + hist.BinWidth
}

// PercentileRange returns the durations of s that fall below the percentile cut pct, as a prefix of the sorted
// durations. The cut is exclusive, so that even pct = 100 excludes the slowest invocation.
func PercentileRange(s *ptrace.CallSite, pct int) []time.Duration {
	return s.Durations[:ptrace.PercentileIndex(pct, len(s.Durations))]
}
