package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
	"github.com/nbkernel/kernelbridge/internal/jupyter"
)

// Server is a verified connection to one Jupyter server.
type Server struct {
	Client *jupyter.Client
	// Specs is the server's kernelspec inventory at connect time.
	Specs *jupyter.KernelSpecsModel
}

// Dispose releases the handle. The HTTP client holds no persistent
// connections worth closing; eviction is the point.
func (s *Server) Dispose() {}

// Servers caches Jupyter server handles by URL. Connecting validates the
// server by listing its kernelspecs, so a bad URL or token fails fast and is
// retried on the next request instead of being cached.
type Servers struct {
	cache *Cache
}

// ServerConfig says how to reach one Jupyter server.
type ServerConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewServers builds the server cache. metrics may be nil.
func NewServers(token string, timeout time.Duration, logger *logging.Logger, metrics *monitoring.Metrics) *Servers {
	create := func(ctx context.Context, baseURL string) (Resource, error) {
		client := jupyter.NewClient(baseURL, token, timeout, logger, metrics)
		specs, err := client.ListKernelSpecs(ctx)
		if err != nil {
			return nil, fmt.Errorf("jupyter server %s unreachable: %w", baseURL, err)
		}
		return &Server{Client: client, Specs: specs}, nil
	}
	return &Servers{cache: NewCache(create, logger)}
}

// Get returns the handle for baseURL, connecting on first use.
func (s *Servers) Get(ctx context.Context, baseURL string) (*Server, error) {
	res, err := s.cache.Get(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	return res.(*Server), nil
}

// Evict drops a server handle, forcing a fresh connection next time. Used
// when a cached server starts failing.
func (s *Servers) Evict(baseURL string) {
	s.cache.Evict(baseURL)
}

// Close drops every handle.
func (s *Servers) Close() {
	s.cache.Close()
}
