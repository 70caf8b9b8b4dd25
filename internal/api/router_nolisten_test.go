package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/config"
	"github.com/gridtiles/server/internal/data/store"
	"github.com/gridtiles/server/internal/data/zarr/zarrtest"
	"github.com/gridtiles/server/internal/regionstore"
	"github.com/gridtiles/server/internal/source"
)

// countingStore counts object reads.
type countingStore struct {
	*store.MemoryStore
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.MemoryStore.Get(ctx, key)
}

func TestRegionExecutorMemoizesLoadedQueries_NoListen(t *testing.T) {
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	if err := zarrtest.Write(st, zarrtest.Spec{Variable: "v", MaxZoom: 0, TileSize: 2}); err != nil {
		t.Fatal(err)
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ChunkCacheSizeMB: 16,
		ChunkTTL:         1 * time.Minute,
		QueryCacheSize:   10,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	registry := NewSourceRegistry("")
	registry.Register("demo", config.SourceConfig{Type: "zarr", Variable: "v"}, func(ctx context.Context) (*source.Source, error) {
		return source.Open(ctx, st, source.Descriptor{Variable: "v"})
	})
	defer registry.Close()
	sessions := NewSessionManager(SessionManagerConfig{Registry: registry})
	defer sessions.CloseAll()

	sess, err := sessions.Create("demo", SessionRequest{})
	if err != nil {
		t.Fatal(err)
	}

	router := NewRouter(RouterConfig{
		Registry:    registry,
		Sessions:    sessions,
		Cache:       cacheManager,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	exec := NewRegionExecutor(sessions, cacheManager)
	job := &regionstore.Job{
		SourceID:  "demo",
		SessionID: sess.ID,
		Params:    regionstore.JobParams{Center: [2]float64{0, 0}, Radius: 1},
	}

	// no camera was set: the query loads what it needs itself
	first, n, err := exec(context.Background(), job)
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	if n != 1 || !strings.Contains(string(first), `"v":[11]`) {
		t.Fatalf("unexpected result %s (%d samples)", first, n)
	}
	reads := st.gets.Load()

	second, n, err := exec(context.Background(), job)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if string(second) != string(first) || n != 1 {
		t.Fatalf("expected the memoized result, got %s (%d samples)", second, n)
	}
	if st.gets.Load() != reads {
		t.Fatalf("memoized query must not read the store, got %d reads after %d", st.gets.Load(), reads)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/cache/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if got, _ := payload["query_cache_len"].(float64); got != 1 {
		t.Fatalf("expected one memoized query, got %v", payload["query_cache_len"])
	}
}

func TestRegionJobsWithoutManager_NoListen(t *testing.T) {
	registry := NewSourceRegistry("")
	sessions := NewSessionManager(SessionManagerConfig{Registry: registry})
	router := NewRouter(RouterConfig{Registry: registry, Sessions: sessions})

	req := httptest.NewRequest(http.MethodGet, "/api/region/jobs/abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected %d, got %d", http.StatusNotImplemented, rec.Code)
	}
}
