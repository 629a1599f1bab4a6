package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"honnef.co/go/enclaveperf/trace/ptrace"
)

const envPrefix = "ENCLAVEPERF_"

// config is the part of the configuration that can also be set from the environment.
type config struct {
	Weights   ptrace.Config
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	Debug     bool   `env:"DEBUG"`
}

// loadConfig overlays the environment onto the defaults, and the flags onto the environment. A nil environ uses the
// process's environment.
func loadConfig(flags *pflag.FlagSet, o *options, environ map[string]string) (config, error) {
	cfg := config{Weights: ptrace.DefaultConfig()}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return config{}, fmt.Errorf("couldn't parse environment: %w", err)
	}

	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if flags.Changed("debug") {
		cfg.Debug = o.debug
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return config{}, fmt.Errorf("invalid log format %q, expected console or json", cfg.LogFormat)
	}

	for _, w := range o.weights {
		name, value, err := parseWeight(w)
		if err != nil {
			return config{}, err
		}
		if err := cfg.Weights.Set(name, value); err != nil {
			return config{}, fmt.Errorf("invalid weight %q: %w", w, err)
		}
	}
	return cfg, nil
}

// parseWeight parses "heuristic.coefficient=value".
func parseWeight(s string) (string, float64, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return "", 0, fmt.Errorf("invalid weight %q, expected <heuristic>.<coefficient>=<value>", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid weight %q: %w", s, err)
	}
	return strings.TrimSpace(name), v, nil
}

type phases struct {
	calls bool
	sync  bool
	iface bool
}

// parsePhases parses the phase selection, any combination of c (calls), s (synchronization) and i (interface).
// The interface analysis needs the call analysis.
func parsePhases(s string) (phases, error) {
	var ph phases
	for _, r := range s {
		switch r {
		case 'c':
			ph.calls = true
		case 's':
			ph.sync = true
		case 'i':
			ph.iface = true
			ph.calls = true
		default:
			return phases{}, fmt.Errorf("unknown phase %q, expected c, s or i", r)
		}
	}
	return ph, nil
}
