package cache

import (
	"strings"
	"testing"
	"time"
)

func TestRegionKey(t *testing.T) {
	region := []byte(`{"center":[0,0],"radius":10}`)
	base := RegionKey("cmip", 2, region, "abc")

	t.Run("stable", func(t *testing.T) {
		if got := RegionKey("cmip", 2, region, "abc"); got != base {
			t.Fatalf("expected stable key, got %q vs %q", got, base)
		}
	})

	t.Run("selectorChangesKey", func(t *testing.T) {
		if got := RegionKey("cmip", 2, region, "abd"); got == base {
			t.Fatalf("expected selector to change key, got %q", got)
		}
	})

	t.Run("levelChangesKey", func(t *testing.T) {
		if got := RegionKey("cmip", 3, region, "abc"); got == base {
			t.Fatalf("expected level to change key, got %q", got)
		}
	})

	if !strings.HasPrefix(base, "region:cmip:2:") {
		t.Fatalf("unexpected key layout %q", base)
	}
}

func TestManagerChunkRoundTrip(t *testing.T) {
	m, err := NewManager(Config{ChunkCacheSizeMB: 8, ChunkTTL: time.Minute, QueryCacheSize: 4})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	key := ChunkKey("src", "0/tavg/0.0.0")
	if _, ok := m.GetChunk(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := m.SetChunk(key, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}
	got, ok := m.GetChunk(key)
	if !ok || string(got) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected cached bytes %v %v", got, ok)
	}

	m.SetQuery("q", []byte("result"))
	if got, ok := m.GetQuery("q"); !ok || string(got) != "result" {
		t.Fatalf("unexpected query cache entry %q %v", got, ok)
	}
}
