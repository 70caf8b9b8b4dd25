package tileindex

import (
	"errors"
	"testing"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/tile"
	"github.com/gridtiles/server/internal/tile/tiletest"
)

func grid() selector.Grid {
	return selector.Grid{Dimensions: []string{"y", "x"}, Shape: []int{2, 2}, Chunks: []int{2, 2}}
}

func TestBuildEnumeratesEveryLevel(t *testing.T) {
	l := &tiletest.Loader{Shape: []int{2, 2}}
	idx, err := Build([]int{0, 1, 2}, grid(), map[int]chunk.Loader{0: l, 1: l, 2: l}, tile.Options{Variable: "v"})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 1+4+16 || idx.MaxZoom() != 2 {
		t.Fatalf("unexpected index: %d tiles, max zoom %d", idx.Len(), idx.MaxZoom())
	}
	keys := idx.AllKeys()
	if keys[0] != (pyramid.Key{}) || keys[len(keys)-1] != (pyramid.Key{X: 3, Y: 3, Z: 2}) {
		t.Fatalf("unexpected key order %v", keys)
	}

	tl, err := idx.Get(pyramid.Key{X: 1, Y: 0, Z: 1})
	if err != nil {
		t.Fatal(err)
	}
	if tl.Key() != (pyramid.Key{X: 1, Y: 0, Z: 1}) {
		t.Fatalf("unexpected tile %v", tl.Key())
	}
}

func TestGetUnknownTile(t *testing.T) {
	l := &tiletest.Loader{Shape: []int{2, 2}}
	idx, err := Build([]int{0}, grid(), map[int]chunk.Loader{0: l}, tile.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []pyramid.Key{{X: 1, Y: 0, Z: 0}, {X: 0, Y: 0, Z: 1}} {
		_, err := idx.Get(k)
		var unknown *UnknownTileError
		if !errors.As(err, &unknown) || !errors.Is(err, ErrUnknownTile) || unknown.Key != k {
			t.Fatalf("expected UnknownTileError for %v, got %v", k, err)
		}
	}
}

func TestBuildRequiresLoaderPerLevel(t *testing.T) {
	l := &tiletest.Loader{Shape: []int{2, 2}}
	if _, err := Build([]int{0, 1}, grid(), map[int]chunk.Loader{0: l}, tile.Options{}); err == nil {
		t.Fatal("expected an error for a level without loader")
	}
}
