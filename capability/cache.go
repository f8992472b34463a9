package capability

import (
	"context"
	"sync"
	"time"
)

// CacheConfig holds configuration for count caching
type CacheConfig struct {
	// TTL is the time-to-live for cached counts.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration
}

type cachedCount struct {
	n        int64
	cachedAt time.Time
}

// CachedCounter wraps a Counter with an in-memory count cache.
// Thread-safe for concurrent access.
type CachedCounter struct {
	next   Counter
	config CacheConfig
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedCount
}

// NewCachedCounter creates a caching counter in front of next
func NewCachedCounter(next Counter, config CacheConfig) *CachedCounter {
	return &CachedCounter{
		next:    next,
		config:  config,
		now:     time.Now,
		entries: make(map[string]cachedCount),
	}
}

// Count returns the cached count when fresh, otherwise asks the wrapped counter.
// Errors are never cached.
func (c *CachedCounter) Count(ctx context.Context, kind string, filter Filter) (int64, error) {
	key := kind + "?" + filter.key()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.fresh(entry) {
		return entry.n, nil
	}

	n, err := c.next.Count(ctx, kind, filter)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.entries[key] = cachedCount{n: n, cachedAt: c.now()}
	c.mu.Unlock()
	return n, nil
}

func (c *CachedCounter) fresh(entry cachedCount) bool {
	if c.config.TTL <= 0 {
		return true
	}
	return c.now().Sub(entry.cachedAt) <= c.config.TTL
}

// Invalidate clears the cache, forcing a refresh on the next Count
func (c *CachedCounter) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cachedCount)
}

// Len returns the number of cached entries, fresh or not
func (c *CachedCounter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
