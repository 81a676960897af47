package datasource

import (
	"context"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

// Cached memoizes a Source by (category, area). Zoom-major runs fetch the
// same city radius once per zoom level; the cache collapses those into one
// query. Callers always receive their own copy of the slice.
type Cached struct {
	src   Source
	cache *lru.Cache[string, []geo.GeoPoint]
}

// NewCached wraps src with an LRU of size entries.
func NewCached(src Source, size int) (*Cached, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, []geo.GeoPoint](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create point cache: %w", err)
	}
	return &Cached{src: src, cache: c}, nil
}

// FetchPoints implements Source. Errors are not cached.
func (c *Cached) FetchPoints(ctx context.Context, category string, area Area) ([]geo.GeoPoint, error) {
	key := category + "|" + area.key()
	if pts, ok := c.cache.Get(key); ok {
		return slices.Clone(pts), nil
	}
	pts, err := c.src.FetchPoints(ctx, category, area)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, slices.Clone(pts))
	return pts, nil
}

// Len returns the number of cached entries.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// Purge drops all cached entries.
func (c *Cached) Purge() {
	c.cache.Purge()
}
