package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"honnef.co/go/enclaveperf/mysync"
	"honnef.co/go/enclaveperf/trace"
	"honnef.co/go/enclaveperf/trace/ptrace"
)

// DefaultPercentiles are the percentile cuts exported for every call site.
var DefaultPercentiles = []int{100, 99, 95}

// Exporter writes the duration histograms and scatter data of call sites into a directory. Each call site gets one
// histogram and one scatter file per percentile cut.
type Exporter struct {
	Dir         string
	Percentiles []int
	Filter      Filter
	// Parallelism is the number of sites exported concurrently. Zero or less uses GOMAXPROCS.
	Parallelism int
	Logger      *zap.Logger
}

// HistogramPath returns the path of the histogram file of s for the percentile cut pct.
func (ex *Exporter) HistogramPath(s *ptrace.CallSite, pct int) string {
	return filepath.Join(ex.Dir, fmt.Sprintf("%s_%d_hist.dat", fileName(s), pct))
}

// ScatterPath returns the path of the scatter file of s for the percentile cut pct.
func (ex *Exporter) ScatterPath(s *ptrace.CallSite, pct int) string {
	return filepath.Join(ex.Dir, fmt.Sprintf("%s_%d_scatter.dat", fileName(s), pct))
}

func fileName(s *ptrace.CallSite) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(s.Name)
}

// Export writes the files of all sites of tr that pass the filter. A failure aborts only the file it occurred in.
// All failures are logged and returned.
func (ex *Exporter) Export(tr *ptrace.Trace) []error {
	logger := ex.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pcts := ex.Percentiles
	if pcts == nil {
		pcts = DefaultPercentiles
	}

	var sites []*ptrace.CallSite
	for _, e := range tr.Enclaves {
		for _, kind := range [...]trace.CallKind{trace.ECall, trace.OCall} {
			for _, s := range e.Sites(kind) {
				if ex.Filter.Include(s) {
					sites = append(sites, s)
				}
			}
		}
	}

	errs := mysync.NewMutex(new([]error))
	fail := func(s *ptrace.CallSite, path string, err error) {
		logger.Warn("couldn't export call data",
			zap.String("site", s.Name),
			zap.Uint64("enclave", uint64(s.Enclave)),
			zap.String("path", path),
			zap.Error(err))
		errs.With(func(errs *[]error) {
			*errs = append(*errs, fmt.Errorf("%s: %w", path, err))
		})
	}

	// Failures are collected by fail instead of being returned, so that one site can't stop the others.
	_ = mysync.ForEach(sites, ex.Parallelism, func(s *ptrace.CallSite) error {
		if err := os.MkdirAll(ex.Dir, 0o755); err != nil {
			fail(s, ex.Dir, err)
			return nil
		}
		for _, pct := range pcts {
			values := PercentileRange(s, pct)
			hist := NewHistogram(values, DefaultBins)
			if hist == nil {
				logger.Debug("too few calls for percentile cut", zap.String("site", s.Name), zap.Int("percentile", pct))
				continue
			}

			path := ex.HistogramPath(s, pct)
			if err := writeFile(path, func(w io.Writer) error { return WriteHistogram(w, hist) }); err != nil {
				fail(s, path, err)
			}
			path = ex.ScatterPath(s, pct)
			lo, hi := values[0], values[len(values)-1]
			if err := writeFile(path, func(w io.Writer) error { return WriteScatter(w, tr, s, lo, hi) }); err != nil {
				fail(s, path, err)
			}
		}
		return nil
	})

	out, unlock := errs.Lock()
	defer unlock.Unlock()
	return *out
}

func writeFile(path string, fn func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteHistogram writes one "bin_start,bin_count" line per bin, in nanoseconds.
func WriteHistogram(w io.Writer, hist *Histogram) error {
	p := &printer{w: w}
	for i, n := range hist.Bins {
		start, _ := hist.BucketRange(i)
		p.printf("%d,%d\n", int64(start), n)
	}
	return p.err
}

// WriteScatter writes one "timestamp,duration" line, in nanoseconds, for every invocation of s whose duration lies
// within [lo, hi]. Timestamps are the end of the invocation, relative to the start of the trace. Invocations are
// written in thread order.
func WriteScatter(w io.Writer, tr *ptrace.Trace, s *ptrace.CallSite, lo, hi time.Duration) error {
	p := &printer{w: w}
	for _, ref := range s.Calls {
		c := tr.Call(ref)
		if c.Duration < lo || c.Duration > hi {
			continue
		}
		p.printf("%d,%d\n", int64(c.End-tr.Start), int64(c.Duration))
	}
	return p.err
}
