package kernelspec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

// ErrNotFound is returned when no kernelspec matches the requested name.
var ErrNotFound = errors.New("kernelspec not found")

// Finder resolves connection metadata for a requested kernel.
type Finder interface {
	Find(ctx context.Context, name string) (ConnectionMetadata, error)
}

// Registry is a directory-backed Finder. It reads kernel.json descriptors
// from the configured kernelspec directories and caches them by name.
type Registry struct {
	dirs []string

	mu    sync.RWMutex
	cache map[string]*Spec
}

// NewRegistry creates a registry over the given kernelspec directories.
// Each directory is expected to hold one subdirectory per kernel containing
// a kernel.json file.
func NewRegistry(dirs []string) *Registry {
	return &Registry{
		dirs:  dirs,
		cache: make(map[string]*Spec),
	}
}

// Find resolves a kernelspec by name.
func (r *Registry) Find(ctx context.Context, name string) (ConnectionMetadata, error) {
	spec, err := r.lookup(ctx, name)
	if err != nil {
		return ConnectionMetadata{}, err
	}
	return NewLocalSpec(spec, nil), nil
}

// List returns all kernelspecs found across the configured directories.
func (r *Registry) List(ctx context.Context) ([]*Spec, error) {
	var specs []*Spec
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !entry.IsDir() {
				continue
			}
			spec, err := r.load(filepath.Join(dir, entry.Name()), entry.Name())
			if err != nil {
				continue
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

func (r *Registry) lookup(ctx context.Context, name string) (*Spec, error) {
	r.mu.RLock()
	cached, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	for _, dir := range r.dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spec, err := r.load(filepath.Join(dir, name), name)
		if err != nil {
			continue
		}
		r.mu.Lock()
		r.cache[name] = spec
		r.mu.Unlock()
		return spec, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (r *Registry) load(dir, name string) (*Spec, error) {
	path := filepath.Join(dir, "kernel.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var spec Spec
	if err := sonic.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid kernelspec %s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	spec.Path = path
	return &spec, nil
}
