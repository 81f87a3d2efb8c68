package authz

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is the default time-to-live for cached authorization results.
const DefaultCacheTTL = 10 * time.Second

// cacheEntry stores a cached authorization result with its expiration time.
type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// CachedAuthorizer wraps another Authorizer with a short-lived in-memory
// cache keyed by user, roles, resource and verb.
type CachedAuthorizer struct {
	inner Authorizer
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCachedAuthorizer creates a CachedAuthorizer that wraps inner with the given TTL.
func NewCachedAuthorizer(inner Authorizer, ttl time.Duration) *CachedAuthorizer {
	return &CachedAuthorizer{
		inner: inner,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// WithClock overrides the time source used for entry expiry.
func (c *CachedAuthorizer) WithClock(now func() time.Time) *CachedAuthorizer {
	c.now = now
	return c
}

// Authorize checks the cache first and delegates to the inner Authorizer on miss.
func (c *CachedAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	key := cacheKey(req)

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		return entry.allowed, nil
	}

	allowed, err := c.inner.Authorize(ctx, req)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{
		allowed:   allowed,
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()

	return allowed, nil
}

// cacheKey builds a deterministic cache key from an AuthzRequest. Role
// order does not matter.
func cacheKey(req AuthzRequest) string {
	roles := slices.Clone(req.Roles)
	slices.Sort(roles)
	return fmt.Sprintf("%s:%s:%s:%s",
		req.User,
		strings.Join(roles, ","),
		req.Resource,
		req.Verb,
	)
}
