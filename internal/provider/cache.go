// Package provider caches expensive kernel-connection resources: Jupyter
// server handles and local launch environments. Creation is deduplicated so
// concurrent requests for the same key share one attempt; failed attempts
// are not cached.
package provider

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
)

// Resource is anything the cache can hold and later dispose.
type Resource interface {
	Dispose()
}

// CreateFunc builds the resource for a key.
type CreateFunc func(ctx context.Context, key string) (Resource, error)

// Cache is a keyed resource cache with at-most-one in-flight creation per
// key.
type Cache struct {
	logger *logging.Logger
	create CreateFunc
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]Resource
}

// NewCache builds a cache around the given constructor.
func NewCache(create CreateFunc, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cache{
		logger:  logger.Named("provider-cache"),
		create:  create,
		entries: make(map[string]Resource),
	}
}

// ErrNoConstructor is returned by Get on a cache built without a default
// constructor.
var ErrNoConstructor = errors.New("cache has no default constructor")

// Get returns the cached resource for key, creating it if needed.
// Concurrent callers for the same key share a single creation; when it
// fails, every waiter gets the error and nothing is cached, so the next
// call retries.
func (c *Cache) Get(ctx context.Context, key string) (Resource, error) {
	if c.create == nil {
		return nil, ErrNoConstructor
	}
	return c.GetWith(ctx, key, c.create)
}

// GetWith behaves like Get but builds a missing resource with the given
// constructor instead of the cache's default one. Callers whose construction
// inputs vary per request use this; deduplication is still per key.
func (c *Cache) GetWith(ctx context.Context, key string, create CreateFunc) (Resource, error) {
	c.mu.Lock()
	if res, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	result, err, shared := c.group.Do(key, func() (any, error) {
		res, err := create(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = res
		c.mu.Unlock()
		return res, nil
	})
	if err != nil {
		c.logger.Warn("Resource creation failed",
			zap.String("key", key),
			zap.Bool("shared", shared),
			zap.Error(err))
		return nil, err
	}
	return result.(Resource), nil
}

// Peek returns the cached resource without creating one.
func (c *Cache) Peek(key string) (Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[key]
	return res, ok
}

// Evict removes and disposes the resource for key.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	res, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if ok {
		res.Dispose()
	}
}

// Len returns the number of cached resources.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close disposes everything.
func (c *Cache) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]Resource)
	c.mu.Unlock()
	for _, res := range entries {
		res.Dispose()
	}
}
