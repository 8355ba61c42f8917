// Copyright 2024-2026 Aiku AI

package store

import (
	"sync"
	"time"
)

// timedCache is a small TTL read cache fronting the stores' hot lookup
// paths. Entries expire after the configured lifetime and are dropped on
// write, so the cache never serves data older than its TTL.
type timedCache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]cacheEntry[V]
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

func newTimedCache[K comparable, V any](ttl time.Duration) *timedCache[K, V] {
	return &timedCache[K, V]{
		ttl:     ttl,
		entries: make(map[K]cacheEntry[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for key, or false if the entry is missing or
// past its lifetime. Expired entries are removed on access.
func (c *timedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *timedCache[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{value: value, expires: c.now().Add(c.ttl)}
}

func (c *timedCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
