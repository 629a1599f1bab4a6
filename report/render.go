package report

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/goccy/go-graphviz"
	"go.uber.org/zap"

	"honnef.co/go/enclaveperf/trace/ptrace"
)

// ParseRenderFormat maps the name of an image format to its graphviz format.
func ParseRenderFormat(name string) (graphviz.Format, error) {
	switch strings.ToLower(name) {
	case "svg":
		return graphviz.SVG, nil
	case "png":
		return graphviz.PNG, nil
	default:
		return "", fmt.Errorf("unsupported render format %q, expected svg or png", name)
	}
}

// RenderPath returns the path of the image rendered for enclave eid from the graph description at dotPath.
func RenderPath(dotPath string, eid ptrace.EnclaveID, format graphviz.Format) string {
	base := strings.TrimSuffix(dotPath, filepath.Ext(dotPath))
	return fmt.Sprintf("%s_enclave_%d.%s", base, eid, format)
}

// RenderGraphs renders the graph of every enclave to an image next to dotPath. Failing to render one enclave doesn't
// stop the others from being rendered. The returned error is the first failure.
func RenderGraphs(tr *ptrace.Trace, filter Filter, dotPath string, format graphviz.Format, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := graphviz.New()
	defer g.Close()

	var first error
	for _, e := range tr.Enclaves {
		path := RenderPath(dotPath, e.ID, format)
		if err := renderEnclave(g, tr, e, filter, path, format); err != nil {
			logger.Warn("couldn't render graph", zap.Uint64("enclave", uint64(e.ID)), zap.String("path", path), zap.Error(err))
			if first == nil {
				first = err
			}
			continue
		}
		logger.Debug("rendered graph", zap.Uint64("enclave", uint64(e.ID)), zap.String("path", path))
	}
	return first
}

func renderEnclave(g *graphviz.Graphviz, tr *ptrace.Trace, e *ptrace.Enclave, filter Filter, path string, format graphviz.Format) error {
	graph, err := graphviz.ParseBytes(EnclaveDOT(tr, e, filter))
	if err != nil {
		return fmt.Errorf("couldn't parse graph of enclave %d: %w", e.ID, err)
	}
	defer graph.Close()
	return g.RenderFilename(graph, format, path)
}
