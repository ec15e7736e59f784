package resilience

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheRecord[V any] struct {
	value      V
	insertedAt time.Time
}

// Cache is a bounded LRU with a per-cache TTL. Expired entries read as misses
// and are dropped on the read that notices them.
type Cache[K comparable, V any] struct {
	lru *lru.Cache[K, cacheRecord[V]]
	ttl time.Duration
	now func() time.Time
}

// NewCache returns a cache holding at most size entries for ttl each.
// A non-positive ttl disables expiry.
func NewCache[K comparable, V any](size int, ttl time.Duration) *Cache[K, V] {
	if size <= 0 {
		size = 1000
	}
	inner, err := lru.New[K, cacheRecord[V]](size)
	if err != nil {
		// only returned for non-positive sizes
		panic("resilience: " + err.Error())
	}
	return &Cache[K, V]{lru: inner, ttl: ttl, now: time.Now}
}

// Get returns (hit, value) and promotes the entry on a hit.
func (c *Cache[K, V]) Get(key K) (bool, V) {
	var zero V
	rec, ok := c.lru.Get(key)
	if !ok {
		return false, zero
	}
	if c.expired(rec) {
		c.lru.Remove(key)
		return false, zero
	}
	return true, rec.value
}

// Set stores value, evicting the least recently used entry when full.
func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, cacheRecord[V]{value: value, insertedAt: c.now()})
}

// Peek returns a value regardless of age without touching recency. Used for
// last-known-good fallbacks.
func (c *Cache[K, V]) Peek(key K) (V, time.Time, bool) {
	rec, ok := c.lru.Peek(key)
	if !ok {
		var zero V
		return zero, time.Time{}, false
	}
	return rec.value, rec.insertedAt, true
}

// Remove deletes key.
func (c *Cache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// Len reports the number of stored entries, including expired ones not yet read.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Purge empties the cache.
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[K, V]) expired(rec cacheRecord[V]) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.now().Sub(rec.insertedAt) > c.ttl
}
