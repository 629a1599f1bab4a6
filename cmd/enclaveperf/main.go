// enclaveperf analyzes traces of enclave ECalls and OCalls and suggests changes to the enclave interface.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"honnef.co/go/enclaveperf/report"
)

type options struct {
	ecallMin    int
	ocallMin    int
	phases      string
	sites       string
	graph       string
	dataDir     string
	edl         string
	render      string
	percentiles []int
	resolver    string
	parallelism int
	color       bool
	weights     []string
	debug       bool
	logFormat   string
}

func (o *options) register(f *pflag.FlagSet) {
	f.IntVarP(&o.ecallMin, "ecall-min", "e", 0, "only report ECalls with at least this many calls")
	f.IntVarP(&o.ocallMin, "ocall-min", "o", 0, "only report OCalls with at least this many calls")
	f.StringVarP(&o.phases, "phases", "p", "c", "analysis phases: c (calls), s (synchronization), i (interface, implies c)")
	f.StringVarP(&o.sites, "sites", "g", "", "only report and export these call sites, e.g. e1,e19,o3")
	f.StringVarP(&o.graph, "graph", "f", "", "write the call graph in DOT format to this file")
	f.StringVarP(&o.dataDir, "data-dir", "d", "", "write histogram and scatter data of every call site into this directory")
	f.StringVarP(&o.edl, "edl", "l", "", "EDL file of the enclave, for the interface analysis")
	f.StringVar(&o.render, "render", "", "also render the call graph of every enclave (svg or png)")
	f.IntSliceVar(&o.percentiles, "percentiles", report.DefaultPercentiles, "percentile cuts of the exported data")
	f.StringVar(&o.resolver, "resolver", "scan", "parent resolution strategy (scan or stack)")
	f.IntVar(&o.parallelism, "parallelism", 0, "number of concurrent workers, 0 uses all CPUs")
	f.BoolVar(&o.color, "color", false, "color the report")
	f.StringArrayVar(&o.weights, "weight", nil, "set a heuristic weight, e.g. merging.lambda=0.5 (repeatable)")
	f.BoolVar(&o.debug, "debug", false, "log debug messages")
	f.StringVar(&o.logFormat, "log-format", "console", "log format (console or json)")
}

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd returns the command. environ replaces the process's environment if it is not nil.
func newRootCmd(environ map[string]string) *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "enclaveperf [flags] trace.db",
		Short: "Analyze enclave call traces for interface optimization opportunities",
		Long: `enclaveperf reconstructs the ECall and OCall trees recorded in a trace, computes per call site
statistics and flags batching, merging, reordering, privatization and duplication opportunities.

Traces may be compressed with zstd (.zst) or snappy (.sz).

Examples:
  enclaveperf trace.db                      # General info and call statistics
  enclaveperf -p csi -l enclave.edl trace.db # Also analyze synchronization and the interface
  enclaveperf -f calls.dot --render svg -g e1,o3 trace.db
  enclaveperf -d data --percentiles 100,90 trace.db

Heuristic weights can be set with --weight batching.alpha=0.8 or ENCLAVEPERF_BATCHING_ALPHA=0.8.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), &o, environ)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogFormat, cfg.Debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return run(cmd.Context(), &o, cfg, args[0], cmd.OutOrStdout(), logger)
		},
	}

	o.register(cmd.Flags())
	return cmd
}
