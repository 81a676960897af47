// Package cache provides caching for preview tiles and run listings.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	QueryCacheSize  int
}

// Manager manages tile and query caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	queryCache *expirable.LRU[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 128
	}

	// Configure tile cache
	tileCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 50000,
		MaxEntrySize:       64 * 1024, // heat tiles are mostly transparent
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	// Run listings change as runs finish, so they expire with tiles.
	queryCache := expirable.NewLRU[string, []byte](cfg.QueryCacheSize, nil, cfg.TileTTL)

	return &Manager{
		tileCache:  tileCache,
		queryCache: queryCache,
	}, nil
}

// GetTile retrieves a tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores a tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// PurgeQueries drops every cached query result.
func (m *Manager) PurgeQueries() {
	m.queryCache.Purge()
}

// TileKey generates a cache key for a published tile.
func TileKey(category string, z, x, y int) string {
	return fmt.Sprintf("tile:%s/%d/%d/%d", category, z, x, y)
}

// EmptyTileKey generates a cache key for the transparent placeholder tile.
func EmptyTileKey(size int) string {
	return fmt.Sprintf("empty:%d", size)
}

// RunsKey generates a cache key for a run listing.
func RunsKey(limit int) string {
	return fmt.Sprintf("runs:%d", limit)
}

// Stats holds cache statistics.
type Stats struct {
	TileEntries  int   `json:"tile_cache_len"`
	TileBytes    int   `json:"tile_cache_cap"`
	TileHits     int64 `json:"tile_cache_hits"`
	TileMisses   int64 `json:"tile_cache_misses"`
	QueryEntries int   `json:"query_cache_len"`
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	s := m.tileCache.Stats()
	return Stats{
		TileEntries:  m.tileCache.Len(),
		TileBytes:    m.tileCache.Capacity(),
		TileHits:     s.Hits,
		TileMisses:   s.Misses,
		QueryEntries: m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
