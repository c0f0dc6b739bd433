package provider

import (
	"context"
	"sync"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/session"
)

// Notebook binds a resource identity (a notebook path or interactive window
// id) to the session serving it. At most one notebook exists per identity.
type Notebook struct {
	Identity string
	Session  session.Session

	once  sync.Once
	evict func()
}

// Dispose shuts the session down and drops the notebook from its cache.
func (n *Notebook) Dispose() {
	n.once.Do(func() {
		n.Session.Dispose()
		if n.evict != nil {
			n.evict()
		}
	})
}

// StartFunc builds and starts the session behind a notebook.
type StartFunc func(ctx context.Context) (session.Session, error)

// Notebooks caches live notebooks by identity. Concurrent creation requests
// for the same identity share one session; a notebook whose session dies
// evicts itself so the next request starts fresh.
type Notebooks struct {
	cache *Cache
}

// NewNotebooks builds the notebook cache.
func NewNotebooks(logger *logging.Logger) *Notebooks {
	return &Notebooks{cache: NewCache(nil, logger)}
}

// Create returns the notebook for identity, starting a session with start
// when none exists yet. Failed starts are not cached.
func (n *Notebooks) Create(ctx context.Context, identity string, start StartFunc) (*Notebook, error) {
	res, err := n.cache.GetWith(ctx, identity, func(ctx context.Context, key string) (Resource, error) {
		s, err := start(ctx)
		if err != nil {
			return nil, err
		}
		nb := &Notebook{
			Identity: key,
			Session:  s,
			evict:    func() { n.forget(key) },
		}
		s.OnStatus(func(st session.Status) {
			if st == session.StatusDead {
				nb.evict()
			}
		})
		return nb, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Notebook), nil
}

// Get returns the live notebook for identity, if any.
func (n *Notebooks) Get(identity string) (*Notebook, bool) {
	res, ok := n.cache.Peek(identity)
	if !ok {
		return nil, false
	}
	return res.(*Notebook), true
}

// forget drops the entry without disposing it. Used when the session is
// already dead or disposal is driven from the notebook itself.
func (n *Notebooks) forget(identity string) {
	n.cache.mu.Lock()
	delete(n.cache.entries, identity)
	n.cache.mu.Unlock()
}

// Close disposes every notebook.
func (n *Notebooks) Close() {
	n.cache.Close()
}
