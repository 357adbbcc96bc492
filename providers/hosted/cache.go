package hosted

import (
	"sync"
	"time"

	"github.com/biomcp/mcp-gateway/providers"
)

// IdentityCache is a TTL cache of token-digest → identity lookups. It exists
// so repeated callbacks with the same token (browser retries, duplicate
// redirects) do not hammer the userinfo endpoint; correctness never depends
// on it. Construct one per process and share it across provider instances.
type IdentityCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	identity providers.Identity
	storedAt time.Time
}

// NewIdentityCache creates a cache whose entries expire after ttl.
func NewIdentityCache(ttl time.Duration) *IdentityCache {
	return &IdentityCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached identity for a token digest, if fresh.
func (c *IdentityCache) Get(digest string) (*providers.Identity, bool) {
	c.mu.RLock()
	entry, ok := c.entries[digest]
	c.mu.RUnlock()
	if !ok || time.Since(entry.storedAt) > c.ttl {
		return nil, false
	}
	identity := entry.identity
	return &identity, true
}

// Put stores an identity, evicting stale entries opportunistically so the
// cache cannot grow without bound.
func (c *IdentityCache) Put(digest string, identity *providers.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if time.Since(entry.storedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
	c.entries[digest] = cacheEntry{identity: *identity, storedAt: time.Now()}
}
