package api

import (
	"context"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/config"
	"github.com/gridtiles/server/internal/data/store"
	"github.com/gridtiles/server/internal/source"
)

// OpenFunc opens a source.
type OpenFunc func(ctx context.Context) (*source.Source, error)

// SourceInfo contains information about a source for the API response.
type SourceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// SourceEntry is one configured source. It is opened on first use and shared
// by every session on it.
type SourceEntry struct {
	ID     string
	Config config.SourceConfig

	open OpenFunc
	once sync.Once
	src  *source.Source
	err  error
}

// Resolve opens the source once. Each caller gets its own handle on the
// shared loaders; closing a handle leaves the source open.
func (e *SourceEntry) Resolve(ctx context.Context) (*source.Source, error) {
	e.once.Do(func() {
		e.src, e.err = e.open(context.WithoutCancel(ctx))
	})
	if e.err != nil {
		return nil, e.err
	}
	return &source.Source{Meta: e.src.Meta, Loaders: e.src.Loaders}, nil
}

func (e *SourceEntry) close() {
	if e.src != nil {
		e.src.Close()
	}
}

// SourceRegistry holds every configured source.
type SourceRegistry struct {
	mu      sync.RWMutex
	entries map[string]*SourceEntry
	order   []string
	title   string
}

// NewSourceRegistry creates a new source registry.
func NewSourceRegistry(title string) *SourceRegistry {
	return &SourceRegistry{entries: make(map[string]*SourceEntry), title: title}
}

// Register adds a source. The first registered source is the default.
func (r *SourceRegistry) Register(id string, cfg config.SourceConfig, open OpenFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		r.order = append(r.order, id)
	}
	r.entries[id] = &SourceEntry{ID: id, Config: cfg, open: open}
}

// Get returns a source entry, or nil if not found.
func (r *SourceRegistry) Get(id string) *SourceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// DefaultSourceID returns the default source ID.
func (r *SourceRegistry) DefaultSourceID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}

// SourceIDs returns all source IDs in config order.
func (r *SourceRegistry) SourceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Title returns the configured site title.
func (r *SourceRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "gridtiles"
}

// Sources returns source info for all registered sources.
func (r *SourceRegistry) Sources() []SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]SourceInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, SourceInfo{ID: id, Name: id, Type: r.entries[id].Config.Type})
	}
	return infos
}

// Close closes every opened source.
func (r *SourceRegistry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.close()
	}
}

// SourceOpener builds OpenFuncs for configured sources. Fetched objects go
// through the in-memory chunk cache and, when Disk is set, a persistent
// bbolt cache.
type SourceOpener struct {
	Cache *cache.Manager
	Disk  *bolt.DB
}

// Open returns the OpenFunc for a configured source.
func (o SourceOpener) Open(id string, cfg config.SourceConfig) OpenFunc {
	return func(ctx context.Context) (*source.Source, error) {
		st, err := store.Open(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", id, err)
		}
		if o.Disk != nil {
			st = store.NewBoltStore(st, o.Disk, id)
		}
		if o.Cache != nil {
			st = store.NewCachedStore(st, o.Cache, id)
		}
		src, err := source.Open(ctx, st, source.Descriptor{
			Kind:       source.Kind(cfg.Type),
			Variable:   cfg.Variable,
			FillValue:  cfg.FillValue,
			OutputSize: cfg.OutputSize,
			Key:        cfg.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", id, err)
		}
		return src, nil
	}
}
