package ptrace

import (
	"fmt"
	"strings"

	"honnef.co/go/enclaveperf/mysync"
	"honnef.co/go/enclaveperf/trace"
)

// Weights are the coefficients of one heuristic. Not every heuristic uses every coefficient.
type Weights struct {
	Alpha   float64 `env:"ALPHA"`
	Beta    float64 `env:"BETA"`
	Gamma   float64 `env:"GAMMA"`
	Delta   float64 `env:"DELTA"`
	Epsilon float64 `env:"EPSILON"`
	Lambda  float64 `env:"LAMBDA"`
}

// Config holds the weights of all heuristics.
type Config struct {
	Duplication Weights `envPrefix:"DUPLICATION_"`
	Reordering  Weights `envPrefix:"REORDERING_"`
	Merging     Weights `envPrefix:"MERGING_"`
	Batching    Weights `envPrefix:"BATCHING_"`
}

func DefaultConfig() Config {
	return Config{
		Duplication: Weights{Alpha: 0.35, Beta: 0.5, Gamma: 0.65},
		Reordering:  Weights{Alpha: 1, Beta: 0.75, Gamma: 0.5},
		Merging:     Weights{Alpha: 1, Beta: 0.75, Gamma: 0.5, Delta: 0.25, Epsilon: 0.35, Lambda: 0.35},
		Batching:    Weights{Alpha: 1, Beta: 0.75, Gamma: 0.5, Delta: 0.25, Epsilon: 0.35, Lambda: 0.35},
	}
}

// Set sets a single coefficient, named like "batching.alpha".
func (cfg *Config) Set(name string, v float64) error {
	heuristic, coef, ok := strings.Cut(strings.ToLower(name), ".")
	if !ok {
		return fmt.Errorf("invalid weight %q, expected <heuristic>.<coefficient>", name)
	}

	var w *Weights
	switch heuristic {
	case "duplication":
		w = &cfg.Duplication
	case "reordering":
		w = &cfg.Reordering
	case "merging":
		w = &cfg.Merging
	case "batching":
		w = &cfg.Batching
	default:
		return fmt.Errorf("unknown heuristic %q", heuristic)
	}

	switch coef {
	case "alpha":
		w.Alpha = v
	case "beta":
		w.Beta = v
	case "gamma":
		w.Gamma = v
	case "delta":
		w.Delta = v
	case "epsilon":
		w.Epsilon = v
	case "lambda":
		w.Lambda = v
	default:
		return fmt.Errorf("unknown coefficient %q", coef)
	}
	return nil
}

func indirectOpportunity(site *CallSite, rel *IndirectRelation, w Weights) bool {
	if site.All.Count == 0 || rel.Count == 0 {
		return false
	}
	if float64(rel.Count)/float64(site.All.Count) <= w.Lambda {
		return false
	}
	n := float64(rel.Count)
	score := float64(rel.Less1us)/n*w.Alpha +
		float64(rel.Less5us)/n*w.Beta +
		float64(rel.Less10us)/n*w.Gamma +
		float64(rel.Less20us)/n*w.Delta
	return score > w.Epsilon
}

// BatchingOpportunity reports whether invocations of site frequently follow each other closely. rel is the site's
// indirect relation to itself.
func BatchingOpportunity(site *CallSite, rel *IndirectRelation, w Weights) bool {
	return indirectOpportunity(site, rel, w)
}

// MergingOpportunity reports whether site frequently closely follows the call site described by rel.
func MergingOpportunity(site *CallSite, rel *IndirectRelation, w Weights) bool {
	return indirectOpportunity(site, rel, w)
}

// ReorderToStart reports whether a call frequently starts shortly after its direct parent.
func ReorderToStart(rel *DirectRelation, w Weights) bool {
	if rel.Count == 0 {
		return false
	}
	n := float64(rel.Count)
	return float64(rel.FromStartLess10us)/n*w.Alpha+float64(rel.FromStartLess20us)/n*w.Beta > w.Gamma
}

// ReorderToEnd reports whether a call frequently ends shortly before its direct parent.
func ReorderToEnd(rel *DirectRelation, w Weights) bool {
	if rel.Count == 0 {
		return false
	}
	n := float64(rel.Count)
	return float64(rel.ToEndLess10us)/n*w.Alpha+float64(rel.ToEndLess20us)/n*w.Beta > w.Gamma
}

// DuplicationOpportunity reports whether an OCall is fast enough that it should be duplicated into, or moved into,
// the enclave. It uses the trimmed statistics.
func DuplicationOpportunity(site *CallSite, w Weights) bool {
	if site.Kind != trace.OCall || site.Trimmed.Count == 0 {
		return false
	}
	n := float64(site.Trimmed.Count)
	return float64(site.Trimmed.Below1us)/n > w.Alpha ||
		float64(site.Trimmed.Below5us)/n > w.Beta ||
		float64(site.Trimmed.Below10us)/n > w.Gamma
}

// Private reports whether an ECall was only ever called from within OCalls, in which case it can be removed from
// the enclave's public interface.
func Private(site *CallSite) bool {
	return site.Kind == trace.ECall && site.All.Count > 0 && site.CalledFromOtherKind == site.All.Count
}

// Opportunities are the flags raised for one call site.
type Opportunities struct {
	Site *CallSite

	Batching    bool
	Duplication bool
	Private     bool
	// Indirect parents the site could be merged with.
	Merging []SiteRef
	// Direct parents the site could be moved to the start or end of.
	ReorderToStart []SiteRef
	ReorderToEnd   []SiteRef
}

func (o Opportunities) Any() bool {
	return o.Batching || o.Duplication || o.Private ||
		len(o.Merging) > 0 || len(o.ReorderToStart) > 0 || len(o.ReorderToEnd) > 0
}

// Classify evaluates all heuristics for a call site. Sites without invocations have no opportunities.
func Classify(site *CallSite, cfg Config) Opportunities {
	o := Opportunities{Site: site}
	if site.All.Count == 0 {
		return o
	}

	for _, ref := range site.SortedIndirect() {
		rel := site.Indirect[ref]
		if ref == site.Ref() {
			o.Batching = BatchingOpportunity(site, rel, cfg.Batching)
		} else if MergingOpportunity(site, rel, cfg.Merging) {
			o.Merging = append(o.Merging, ref)
		}
	}
	for _, ref := range site.SortedDirect() {
		rel := site.Direct[ref]
		if ReorderToStart(rel, cfg.Reordering) {
			o.ReorderToStart = append(o.ReorderToStart, ref)
		}
		if ReorderToEnd(rel, cfg.Reordering) {
			o.ReorderToEnd = append(o.ReorderToEnd, ref)
		}
	}
	o.Duplication = DuplicationOpportunity(site, cfg.Duplication)
	o.Private = Private(site)
	return o
}

// ClassifyAll classifies every call site of the trace, ordered by enclave, then ECalls before OCalls, then site id.
func ClassifyAll(tr *Trace, cfg Config, parallelism int) []Opportunities {
	var sites []*CallSite
	for _, e := range tr.Enclaves {
		sites = append(sites, e.ECalls...)
		sites = append(sites, e.OCalls...)
	}

	out := make([]Opportunities, len(sites))
	idxs := make([]int, len(sites))
	for i := range idxs {
		idxs[i] = i
	}
	// Every worker writes to its own elements of out. The callback never fails, so neither does ForEach.
	_ = mysync.ForEach(idxs, parallelism, func(i int) error {
		out[i] = Classify(sites[i], cfg)
		return nil
	})
	return out
}
