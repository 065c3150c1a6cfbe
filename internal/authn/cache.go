package authn

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PrincipalCache bounds repeated hashing/verification work for hot
// session and API-key tokens, backed by a bounded LRU instead of an
// unbounded map with manual eviction.
type PrincipalCache struct {
	entries *lru.Cache[string, cachedPrincipal]
	ttl     time.Duration
}

type cachedPrincipal struct {
	principal *Principal
	expiresAt time.Time
}

// NewPrincipalCache returns a cache holding up to size verified principals
// for ttl each.
func NewPrincipalCache(size int, ttl time.Duration) (*PrincipalCache, error) {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	entries, err := lru.New[string, cachedPrincipal](size)
	if err != nil {
		return nil, err
	}
	return &PrincipalCache{entries: entries, ttl: ttl}, nil
}

// Get returns the cached principal for token if present and not expired.
func (c *PrincipalCache) Get(token string, now time.Time) (*Principal, bool) {
	cached, ok := c.entries.Get(token)
	if !ok {
		return nil, false
	}
	if now.After(cached.expiresAt) {
		c.entries.Remove(token)
		return nil, false
	}
	return cached.principal, true
}

// Put caches principal for token, capping the entry's lifetime at the
// cache's configured TTL.
func (c *PrincipalCache) Put(token string, principal *Principal, now time.Time) {
	c.entries.Add(token, cachedPrincipal{principal: principal, expiresAt: now.Add(c.ttl)})
}

// Invalidate removes a single cached token, used when a session or API
// key is revoked mid-lifetime.
func (c *PrincipalCache) Invalidate(token string) {
	c.entries.Remove(token)
}

// Purge clears the entire cache, used on signing-secret rotation.
func (c *PrincipalCache) Purge() {
	c.entries.Purge()
}
