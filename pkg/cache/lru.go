// Package cache keeps short-lived copies of rendered signing views and
// read-mostly API responses in memory.
package cache

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// LRUCache is a size-bounded cache whose entries also expire after a TTL.
// The least recently used entry is evicted when the cache is full; expired
// entries are dropped lazily on Get.
type LRUCache struct {
	mu    sync.Mutex
	items *lru.Cache
	ttl   time.Duration
	now   func() time.Time

	hits, misses uint64
}

// NewLRUCache creates a cache holding at most maxSize entries for ttl each.
// A maxSize below 1 is raised to 1; a non-positive ttl becomes one minute.
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	items, _ := lru.New(maxSize) // only fails for a non-positive size
	return &LRUCache{items: items, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (c *LRUCache) WithClock(now func() time.Time) *LRUCache {
	c.now = now
	return c
}

// Get returns the value stored under key, or false when it is missing or
// expired.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.items.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	e := v.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key for the cache TTL, replacing any previous value.
func (c *LRUCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(key, &entry{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Invalidate removes key.
func (c *LRUCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were removed.
func (c *LRUCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.items.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, prefix) {
			c.items.Remove(key)
			n++
		}
	}
	return n
}

// InvalidateAll empties the cache.
func (c *LRUCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

// Size returns the number of entries, including expired ones not yet
// dropped.
func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Stats returns the hit and miss counts since creation.
func (c *LRUCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
