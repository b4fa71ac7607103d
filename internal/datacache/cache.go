// Package datacache is the per-cycle cache of collector outputs.
//
// All five firms analyse the same event set, so the same technical/news/
// sentiment queries would otherwise be fetched five times per symbol per
// cycle. The cache is keyed by (symbol, source); a singleflight.Group
// coalesces concurrent loads of the same missing key into one upstream
// call. The orchestrator clears the cache between cycles, so day-over-day
// drift is never served.
package datacache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Key identifies one collector output within a cycle.
type Key struct {
	Symbol string
	Source string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s", k.Symbol, k.Source)
}

// Loader fetches a value on cache miss.
type Loader func(ctx context.Context) (any, error)

// Cache is a cycle-scoped, single-flight-safe keyed cache. Errors are not
// cached: a failed load leaves the key empty so the next caller retries.
type Cache struct {
	mu     sync.RWMutex
	values map[string]any
	group  singleflight.Group
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{values: make(map[string]any)}
}

// Get returns the cached value for key, invoking loader on first use.
// Concurrent callers of the same missing key share one loader invocation.
func (c *Cache) Get(ctx context.Context, key Key, loader Loader) (any, error) {
	ks := key.String()

	c.mu.RLock()
	if v, ok := c.values[ks]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(ks, func() (any, error) {
		// Double-check: a previous flight may have populated the key
		// between our read-miss and this call.
		c.mu.RLock()
		if v, ok := c.values[ks]; ok {
			c.mu.RUnlock()
			return v, nil
		}
		c.mu.RUnlock()

		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.values[ks] = v
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Clear drops every cached value. Called by the orchestrator at cycle
// boundaries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.values = make(map[string]any)
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
