// Package feedcache reduces perceived latency while browsing: paged feed
// results are cached with a TTL, and cover images for items about to scroll
// into view are prefetched with bounded concurrency.
package feedcache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a cached feed page stays valid.
const DefaultTTL = 5 * time.Minute

// FetchFunc loads a page from the network.
type FetchFunc func(ctx context.Context) (any, error)

// Cache stores paged feed results keyed by endpoint kind and page number.
// Writers for the same key race benignly: the last successful fetch wins.
type Cache struct {
	store *gocache.Cache
	group singleflight.Group
}

// NewCache creates a cache with the given TTL; ttl <= 0 uses DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store: gocache.New(ttl, 2*ttl),
	}
}

// Key builds the cache key for one page of one feed kind.
func Key(kind string, page int) string {
	return fmt.Sprintf("%s:%d", kind, page)
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	return c.store.Get(key)
}

// Set stores a value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.store.SetDefault(key, value)
}

// Invalidate drops the cached value for key.
func (c *Cache) Invalidate(key string) {
	c.store.Delete(key)
}

// GetOrFetch returns the cached value for key, or fetches and caches it.
// When refresh is true the cached value is invalidated and the fetch always
// hits the network. Concurrent fetches for the same key are collapsed into
// one network call.
func (c *Cache) GetOrFetch(ctx context.Context, key string, refresh bool, fetch FetchFunc) (any, error) {
	if refresh {
		c.Invalidate(key)
	} else if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if !refresh {
			// A concurrent caller may have filled the entry while we
			// waited our turn.
			if v, ok := c.Get(key); ok {
				return v, nil
			}
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	return v, err
}
