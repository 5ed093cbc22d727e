// Package cache provides the shared schema cache and the per-transaction
// concept cache used by the graph layer.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orneryd/kbgraph/pkg/metrics"
)

// SchemaCache is a read-through cache of committed schema objects shared by
// every transaction of a database.
//
// Reads take the read lock; Flush takes the write lock, so a schema commit
// never interleaves with a lookup. Each flush bumps the generation, which
// lets transactions detect that the schema they started with has moved and
// keeps a load that raced with a flush from repopulating the cache with a
// stale value.
type SchemaCache[K comparable, V any] struct {
	name       string
	mu         sync.RWMutex
	entries    *lru.Cache[K, V]
	load       func(K) (V, error)
	generation uint64
	metrics    metrics.Recorder
}

// NewSchemaCache creates a cache holding up to size entries. load is called
// on a miss; its errors are returned and never cached.
func NewSchemaCache[K comparable, V any](name string, size int, load func(K) (V, error), rec metrics.Recorder) (*SchemaCache[K, V], error) {
	entries, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &SchemaCache[K, V]{
		name:    name,
		entries: entries,
		load:    load,
		metrics: metrics.OrNoop(rec),
	}, nil
}

// Get returns the cached value for key, loading it on a miss.
func (c *SchemaCache[K, V]) Get(key K) (V, error) {
	c.mu.RLock()
	v, ok := c.entries.Get(key)
	gen := c.generation
	c.mu.RUnlock()
	c.metrics.CacheLookup(c.name, ok)
	if ok {
		return v, nil
	}

	v, err := c.load(key)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	if c.generation == gen {
		c.entries.Add(key, v)
	}
	c.mu.Unlock()
	return v, nil
}

// Put stores a value directly.
func (c *SchemaCache[K, V]) Put(key K, v V) {
	c.mu.Lock()
	c.entries.Add(key, v)
	c.mu.Unlock()
}

// Invalidate drops the given keys.
func (c *SchemaCache[K, V]) Invalidate(keys ...K) {
	c.mu.Lock()
	for _, k := range keys {
		c.entries.Remove(k)
	}
	c.generation++
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *SchemaCache[K, V]) InvalidateAll() {
	c.mu.Lock()
	c.entries.Purge()
	c.generation++
	c.mu.Unlock()
}

// Flush runs fn while holding the write lock and, if fn succeeded, drops
// keys (every entry when keys is empty) and bumps the generation. Schema
// commits go through Flush so no reader observes a half-applied schema
// change.
func (c *SchemaCache[K, V]) Flush(fn func() error, keys ...K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	if len(keys) == 0 {
		c.entries.Purge()
	} else {
		for _, k := range keys {
			c.entries.Remove(k)
		}
	}
	c.generation++
	return nil
}

// Generation returns the number of invalidations so far.
func (c *SchemaCache[K, V]) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Len returns the number of cached entries.
func (c *SchemaCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}
