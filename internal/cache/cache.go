// Package cache provides caching for raw chunk bytes and region query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ChunkCacheSizeMB int
	ChunkTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages chunk and query caches.
type Manager struct {
	chunkCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ChunkTTL <= 0 {
		cfg.ChunkTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 256
	}

	chunkCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.ChunkTTL,
		CleanWindow:        cfg.ChunkTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // a 256x256 float64 chunk
		HardMaxCacheSize:   cfg.ChunkCacheSizeMB,
		Verbose:            false,
	}

	chunkCache, err := bigcache.New(context.Background(), chunkCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		chunkCache: chunkCache,
		queryCache: queryCache,
	}, nil
}

// GetChunk retrieves raw chunk bytes from cache.
func (m *Manager) GetChunk(key string) ([]byte, bool) {
	data, err := m.chunkCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetChunk stores raw chunk bytes in cache.
func (m *Manager) SetChunk(key string, data []byte) error {
	return m.chunkCache.Set(key, data)
}

// GetQuery retrieves an encoded region result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores an encoded region result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// ChunkKey generates a cache key for an object of a source store.
func ChunkKey(source, key string) string {
	return "chunk:" + source + ":" + key
}

// RangeKey generates a cache key for a byte range of an object.
func RangeKey(source, key string, off, n int64) string {
	return fmt.Sprintf("range:%s:%s:%d+%d", source, key, off, n)
}

// RegionKey generates a cache key for a region query.
func RegionKey(source string, level int, region []byte, selectorHash string) string {
	h := sha256.New()
	h.Write(region)
	h.Write([]byte(selectorHash))
	return fmt.Sprintf("region:%s:%d:%s", source, level, hex.EncodeToString(h.Sum(nil))[:16])
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"chunk_cache_len":  m.chunkCache.Len(),
		"chunk_cache_cap":  m.chunkCache.Capacity(),
		"chunk_cache_hits": m.chunkCache.Stats().Hits,
		"query_cache_len":  m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.chunkCache.Close()
}
