// Package env computes the process environment for kernel subprocesses,
// merging the base process environment, interpreter activation output,
// kernelspec-declared variables and user overrides with deterministic
// precedence.
package env

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
)

// ActivationProvider yields the environment an interpreter's activation
// script would produce (conda activate, venv bin/activate). Implementations
// live outside this package; a nil provider means no activation work.
type ActivationProvider interface {
	ActivationEnv(ctx context.Context, interp kernelspec.Interpreter) (map[string]string, error)
}

// Resolver merges environment layers for a kernel launch.
//
// Precedence, lowest to highest: process environment, interpreter activation
// environment, kernelspec-declared environment, user custom overrides. PATH
// and PYTHONPATH are merged segment-wise instead of replaced wholesale: the
// winning layer's value comes first, then every lower layer's segments are
// appended in ascending precedence order. User overrides beat kernelspec
// values on conflict.
type Resolver struct {
	activation ActivationProvider
	custom     map[string]string
	logger     *logging.Logger

	// base yields the lowest-precedence layer; swapped out by tests.
	base func() map[string]string
}

// NewResolver creates a resolver. custom holds user-declared overrides and
// may be nil.
func NewResolver(activation ActivationProvider, custom map[string]string, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{
		activation: activation,
		custom:     custom,
		logger:     logger,
		base:       processEnv,
	}
}

// pathKeys are merged segment-wise rather than replaced.
var pathKeys = []string{"PATH", "PYTHONPATH"}

// Resolve computes the subprocess environment for the given kernel.
//
// With no interpreter the kernelspec's raw environment is returned unmerged
// and no activation is attempted: a kernelspec that manages its own runtime
// knows better than we do.
func (r *Resolver) Resolve(ctx context.Context, resource string, interp *kernelspec.Interpreter, spec *kernelspec.Spec) (map[string]string, error) {
	var specEnv map[string]string
	if spec != nil {
		specEnv = spec.Env
	}

	if interp == nil {
		if specEnv == nil {
			return nil, nil
		}
		out := make(map[string]string, len(specEnv))
		for k, v := range specEnv {
			out[k] = v
		}
		return out, nil
	}

	var activationEnv map[string]string
	if r.activation != nil {
		var err error
		activationEnv, err = r.activation.ActivationEnv(ctx, *interp)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve activation environment for %s: %w", interp.Path, err)
		}
	}

	// Ascending precedence.
	layers := []map[string]string{r.base(), activationEnv, specEnv, r.custom}

	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			if isPathKey(k) {
				continue
			}
			merged[k] = v
		}
	}

	for _, key := range pathKeys {
		if v := mergePath(key, layers); v != "" {
			merged[key] = v
		}
	}

	// The interpreter's own bin dir always leads PATH so shell escapes like
	// !pip and !python resolve to the kernel's interpreter.
	merged["PATH"] = prependSegment(merged["PATH"], interp.BinDir())

	if interp.Isolated {
		merged["PYTHONNOUSERSITE"] = "1"
	}

	r.logger.Debug("Resolved kernel environment",
		zap.String("resource", resource),
		zap.String("interpreter", interp.Path),
		zap.Int("vars", len(merged)))

	return merged, nil
}

// mergePath builds the segment-wise merge for one path-like variable: the
// highest layer that sets it wins the head position, then lower layers'
// segments follow in ascending precedence order. Segments are appended, not
// deduplicated: dropping a layer's repeated directory would change lookup
// order within that layer.
func mergePath(key string, layers []map[string]string) string {
	winner := -1
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i] != nil && layers[i][key] != "" {
			winner = i
			break
		}
	}
	if winner < 0 {
		return ""
	}

	segments := filepath.SplitList(layers[winner][key])
	for i, layer := range layers {
		if i == winner || layer == nil || layer[key] == "" {
			continue
		}
		segments = append(segments, filepath.SplitList(layer[key])...)
	}
	return strings.Join(segments, string(os.PathListSeparator))
}

func prependSegment(path, dir string) string {
	if path == "" {
		return dir
	}
	return dir + string(os.PathListSeparator) + path
}

func isPathKey(k string) bool {
	for _, key := range pathKeys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func processEnv() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
