package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gridtiles/server/internal/cache"
	bolt "go.etcd.io/bbolt"
)

// CachedStore keeps fetched objects in the shared in-memory chunk cache.
type CachedStore struct {
	next   RangeStore
	cache  *cache.Manager
	source string
}

// NewCachedStore wraps next. source namespaces the cache keys.
func NewCachedStore(next RangeStore, m *cache.Manager, source string) *CachedStore {
	return &CachedStore{next: next, cache: m, source: source}
}

// Get returns a cached object or fetches and caches it.
func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	ck := cache.ChunkKey(s.source, key)
	if data, ok := s.cache.GetChunk(ck); ok {
		return data, nil
	}
	data, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	// oversized entries are simply not cached
	_ = s.cache.SetChunk(ck, data)
	return data, nil
}

// GetRange returns a cached range or fetches and caches it.
func (s *CachedStore) GetRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	ck := cache.RangeKey(s.source, key, off, n)
	if data, ok := s.cache.GetChunk(ck); ok {
		return data, nil
	}
	data, err := s.next.GetRange(ctx, key, off, n)
	if err != nil {
		return nil, err
	}
	_ = s.cache.SetChunk(ck, data)
	return data, nil
}

var objectsBucket = []byte("objects")

// BoltStore persists fetched objects in a bbolt database so that a restarted
// server does not refetch them from the remote store.
type BoltStore struct {
	next   RangeStore
	db     *bolt.DB
	source []byte
}

// OpenBolt opens (or creates) the database at dbPath.
func OpenBolt(dbPath string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for bolt: %w", err)
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return db, nil
}

// NewBoltStore wraps next with a persistent cache in db.
func NewBoltStore(next RangeStore, db *bolt.DB, source string) *BoltStore {
	if source == "" {
		source = "default"
	}
	return &BoltStore{next: next, db: db, source: []byte(source)}
}

func (s *BoltStore) lookup(key []byte) []byte {
	var out []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket).Bucket(s.source)
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out
}

func (s *BoltStore) put(key, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(objectsBucket).CreateBucketIfNotExists(s.source)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Get returns a persisted object or fetches and persists it. Misses in the
// underlying store are not persisted.
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if data := s.lookup([]byte(key)); data != nil {
		return data, nil
	}
	data, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.put([]byte(key), data); err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return data, nil
}

// GetRange returns a persisted range or fetches and persists it.
func (s *BoltStore) GetRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	rk := []byte(fmt.Sprintf("%s@%d+%d", key, off, n))
	if data := s.lookup(rk); data != nil {
		return data, nil
	}
	data, err := s.next.GetRange(ctx, key, off, n)
	if err != nil {
		return nil, err
	}
	if err := s.put(rk, data); err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return data, nil
}
