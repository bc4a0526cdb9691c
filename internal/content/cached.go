package content

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const listingKey = "stories"

// CachedCatalog memoizes another Catalog's listing for a fixed TTL.
// Failed fetches are not cached.
type CachedCatalog struct {
	next  Catalog
	cache *expirable.LRU[string, []Story]
}

// NewCachedCatalog wraps next. size bounds the number of cached listings.
func NewCachedCatalog(next Catalog, size int, ttl time.Duration) *CachedCatalog {
	if size <= 0 {
		size = 1
	}
	return &CachedCatalog{
		next:  next,
		cache: expirable.NewLRU[string, []Story](size, nil, ttl),
	}
}

// ListStories implements Catalog.
func (c *CachedCatalog) ListStories(ctx context.Context) ([]Story, error) {
	if stories, ok := c.cache.Get(listingKey); ok {
		return stories, nil
	}

	stories, err := c.next.ListStories(ctx)
	if err != nil {
		return nil, err
	}

	c.cache.Add(listingKey, stories)
	return stories, nil
}

// Invalidate drops the cached listing.
func (c *CachedCatalog) Invalidate() {
	c.cache.Purge()
}
