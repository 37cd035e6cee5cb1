// Package kvcache implements the in-memory UID -> payload cache with
// dirty-set tracking that sits in front of the relational backend, grounded
// on the teacher's dirty_issues table (internal/storage/dolt/dirty.go):
// there, a row in dirty_issues means "modified since last export"; here, an
// entry is dirty iff it has not yet been committed to the relational store.
package kvcache

import "sync"

// Cache is a mapping UID (any comparable key; memo instantiates it with
// hashutil.UID) to payload, tracking which entries are dirty (present here
// but not yet written to the relational store). Purely in-memory;
// concurrency is left to the orchestrator, but the cache itself is safe for
// concurrent use since the orchestrator may be driven from multiple
// goroutines performing independent reads during a single batch.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
	dirty   map[K]struct{}
}

// New creates an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]V),
		dirty:   make(map[K]struct{}),
	}
}

// Set inserts or overwrites k's entry and marks it dirty.
func (c *Cache[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = v
	c.dirty[k] = struct{}{}
}

// SetClean inserts or overwrites k's entry without marking it dirty, used
// when preloading values already known to be persisted (e.g. read back from
// the relational store).
func (c *Cache[K, V]) SetClean(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = v
}

// Get returns k's entry and whether it was present.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[k]
	return v, ok
}

// Exists reports whether k has an entry, dirty or clean.
func (c *Cache[K, V]) Exists(k K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[k]
	return ok
}

// Delete removes k's entry and clears its dirty flag.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
	delete(c.dirty, k)
}

// IsClean reports whether the dirty set is empty.
func (c *Cache[K, V]) IsClean() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dirty) == 0
}

// DirtyKeys returns the current dirty set as a slice, in no particular
// order. Callers needing a stable commit order should sort it themselves.
func (c *Cache[K, V]) DirtyKeys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]K, 0, len(c.dirty))
	for k := range c.dirty {
		keys = append(keys, k)
	}
	return keys
}

// MarkClean transitions k from dirty to clean without touching its entry.
// This is the only dirty -> clean transition (spec.md §3: "commit is the
// only transition dirty -> clean").
func (c *Cache[K, V]) MarkClean(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dirty, k)
}

// Evict removes k's entry entirely regardless of dirty state, used after a
// successful commit when EvictOnCommit is configured. The caller must have
// already ensured k is clean (or accepts losing unwritten data).
func (c *Cache[K, V]) Evict(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

// Len returns the number of entries currently cached.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
