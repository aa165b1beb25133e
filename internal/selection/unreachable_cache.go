package selection

import (
	"time"

	"github.com/maypok86/otter"
)

// UnreachableCache is a bounded, TTL'd cache of provider ids that recently
// failed the latency probe. It is consulted as an optimization only: a
// cache miss never changes Select's outcome, since the full probe-and-sort
// algorithm in Select still runs regardless.
type UnreachableCache struct {
	cache otter.Cache[string, time.Time]
	ttl   time.Duration
}

// NewUnreachableCache creates a cache bounded to maxEntries ids, each
// remembered as unreachable for ttl.
func NewUnreachableCache(maxEntries int, ttl time.Duration) (*UnreachableCache, error) {
	cache, err := otter.MustBuilder[string, time.Time](maxEntries).
		Cost(func(_ string, _ time.Time) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &UnreachableCache{cache: cache, ttl: ttl}, nil
}

// MarkUnreachable records that providerID failed a recent probe.
func (c *UnreachableCache) MarkUnreachable(providerID string) {
	c.cache.Set(providerID, time.Now())
}

// IsRecentlyUnreachable reports whether providerID was marked unreachable
// and the entry has not yet expired from the cache.
func (c *UnreachableCache) IsRecentlyUnreachable(providerID string) bool {
	_, ok := c.cache.Get(providerID)
	return ok
}

// Close releases resources held by the underlying cache.
func (c *UnreachableCache) Close() {
	c.cache.Close()
}
