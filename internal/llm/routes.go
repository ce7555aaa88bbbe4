package llm

import (
	"sync"
	"time"
)

// RouteCache caches the model ladder per role with a short TTL. Reads are
// stale-but-recent by design; Invalidate forces a reload on the next Get.
// Durable routing changes go through configuration, never through this cache.
type RouteCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	loader   func() map[string][]string
	loadedAt time.Time
	routes   map[string][]string
	fallback []string
}

// NewRouteCache builds a cache around loader. fallback is returned for roles
// the loader does not know.
func NewRouteCache(ttl time.Duration, fallback []string, loader func() map[string][]string) *RouteCache {
	return &RouteCache{ttl: ttl, loader: loader, fallback: fallback}
}

// Get returns the ladder for role, reloading when the TTL has lapsed.
func (c *RouteCache) Get(role string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.routes == nil || time.Since(c.loadedAt) > c.ttl {
		if c.loader != nil {
			c.routes = c.loader()
		}
		c.loadedAt = time.Now()
	}
	if ladder, ok := c.routes[role]; ok && len(ladder) > 0 {
		return ladder
	}
	return c.fallback
}

// Invalidate drops the cached table.
func (c *RouteCache) Invalidate() {
	c.mu.Lock()
	c.routes = nil
	c.mu.Unlock()
}
