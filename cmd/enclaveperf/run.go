package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-graphviz"
	"go.uber.org/zap"

	"honnef.co/go/enclaveperf/edl"
	"honnef.co/go/enclaveperf/report"
	"honnef.co/go/enclaveperf/trace"
	"honnef.co/go/enclaveperf/trace/ptrace"
)

func resolverFor(name string) (func() ptrace.ParentResolver, error) {
	switch name {
	case "scan":
		return ptrace.NewBackwardScan, nil
	case "stack":
		return ptrace.NewCallStack, nil
	default:
		return nil, fmt.Errorf("unknown resolver %q, expected scan or stack", name)
	}
}

func run(ctx context.Context, o *options, cfg config, path string, stdout io.Writer, logger *zap.Logger) error {
	ph, err := parsePhases(o.phases)
	if err != nil {
		return err
	}
	// The graph and the data files are products of the call analysis.
	if o.graph != "" || o.dataDir != "" {
		ph.calls = true
	}
	filter, err := report.ParseFilter(o.sites)
	if err != nil {
		return err
	}
	resolver, err := resolverFor(o.resolver)
	if err != nil {
		return err
	}
	for _, pct := range o.percentiles {
		if pct < 1 || pct > 100 {
			return fmt.Errorf("invalid percentile %d, must be between 1 and 100", pct)
		}
	}
	var format graphviz.Format
	if o.render != "" {
		if o.graph == "" {
			return fmt.Errorf("--render requires --graph")
		}
		if format, err = report.ParseRenderFormat(o.render); err != nil {
			return err
		}
	}

	var edlFile *edl.File
	if o.edl != "" {
		edlFile, err = edl.ParseFile(o.edl)
		if err != nil {
			return fmt.Errorf("couldn't parse EDL: %w", err)
		}
	}

	t := time.Now()
	store, err := trace.Open(path, logger)
	if err != nil {
		return fmt.Errorf("couldn't open trace: %w", err)
	}
	defer store.Close()
	res, err := trace.Load(ctx, store)
	if err != nil {
		return fmt.Errorf("couldn't load trace: %w", err)
	}
	logger.Debug("loaded trace",
		zap.Int("sites", len(res.Sites)),
		zap.Int("calls", len(res.Calls)),
		zap.Int("threads", len(res.Threads)),
		zap.Duration("took", time.Since(t)))

	t = time.Now()
	tr, err := ptrace.Parse(res, ptrace.Options{Resolver: resolver, Parallelism: o.parallelism}, progressLogger(logger, "processing trace"))
	if err != nil {
		return fmt.Errorf("couldn't process trace: %w", err)
	}
	logger.Debug("processed trace", zap.Int("enclaves", len(tr.Enclaves)), zap.Duration("took", time.Since(t)))

	w := bufio.NewWriter(stdout)
	defer w.Flush()

	opts := report.Options{
		ECallMin: o.ecallMin,
		OCallMin: o.ocallMin,
		Filter:   filter,
		Format:   report.NewFormatter(o.color),
	}
	if err := report.WriteGeneral(w, tr, opts); err != nil {
		return err
	}

	if ph.calls {
		opps := ptrace.ClassifyAll(tr, cfg.Weights, o.parallelism)
		if err := report.WriteCalls(w, tr, opps, opts); err != nil {
			return err
		}
		if o.graph != "" {
			if err := writeGraph(tr, filter, o.graph, format, logger); err != nil {
				logger.Warn("couldn't export graph", zap.String("path", o.graph), zap.Error(err))
			}
		}
		if o.dataDir != "" {
			ex := &report.Exporter{
				Dir:         o.dataDir,
				Percentiles: o.percentiles,
				Filter:      filter,
				Parallelism: o.parallelism,
				Logger:      logger,
			}
			if errs := ex.Export(tr); len(errs) > 0 {
				logger.Warn("some call data could not be exported", zap.Int("failures", len(errs)))
			}
		}
	}

	if ph.sync {
		if err := report.WriteSync(w, ptrace.ComputeSyncStatistics(tr), opts); err != nil {
			return err
		}
	}

	if ph.iface {
		if err := report.WriteInterface(w, tr, edlFile, opts); err != nil {
			return err
		}
	}

	return w.Flush()
}

// writeGraph writes the DOT description to path and renders it if format is set.
func writeGraph(tr *ptrace.Trace, filter report.Filter, path string, format graphviz.Format, logger *zap.Logger) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("couldn't write graph: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := report.WriteDOT(bw, tr, filter); err != nil {
		f.Close()
		return fmt.Errorf("couldn't write graph: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("couldn't write graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("couldn't write graph: %w", err)
	}

	if format == "" {
		return nil
	}
	// Rendering failures are logged by RenderGraphs and don't invalidate the rest of the report.
	_ = report.RenderGraphs(tr, filter, path, format, logger)
	return nil
}
