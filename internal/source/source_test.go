package source

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/data/store"
	"github.com/gridtiles/server/internal/data/zarr/zarrtest"
)

func fixture(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	err := zarrtest.Write(st, zarrtest.Spec{
		Variable:  "tavg",
		MaxZoom:   1,
		TileSize:  2,
		FillValue: -9999,
		Dims:      []zarrtest.Dim{{Name: "month", Coords: []float64{1, 2}, Chunk: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestOpenZarr(t *testing.T) {
	src, err := Open(context.Background(), fixture(t), Descriptor{Kind: KindZarr, Variable: "tavg"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	m := src.Meta
	if m.Kind != KindZarr || m.Variable != "tavg" || m.TileSize != 2 || m.MaxZoom != 1 {
		t.Fatalf("unexpected metadata %+v", m)
	}
	if !reflect.DeepEqual(m.Levels, []int{0, 1}) {
		t.Fatalf("unexpected levels %v", m.Levels)
	}
	if m.FillValue != -9999 {
		t.Fatalf("expected fill value from the array, got %v", m.FillValue)
	}
	if !m.MultiDimensional() {
		t.Fatal("expected a multidimensional source")
	}
	if len(src.Loaders) != 2 {
		t.Fatalf("expected a loader per level, got %d", len(src.Loaders))
	}

	c, err := src.Loaders[1].Load(context.Background(), chunk.Coord{1, 0, 1})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// level*1000 + y*10 + x with global indices
	if got := c.At(0, 1, 1); got != 1000+1*10+3 {
		t.Fatalf("unexpected sample %v", got)
	}
}

func TestOpenFillValueOverride(t *testing.T) {
	fill := 0.0
	src, err := Open(context.Background(), fixture(t), Descriptor{Variable: "tavg", FillValue: &fill})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if src.Meta.FillValue != 0 {
		t.Fatalf("expected overridden fill value, got %v", src.Meta.FillValue)
	}
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(context.Background(), fixture(t), Descriptor{Kind: "netcdf"})
	if err == nil || !strings.Contains(err.Error(), "unsupported source kind") {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}

	_, err = Open(context.Background(), store.NewMemoryStore(), Descriptor{Variable: "tavg"})
	if err == nil {
		t.Fatal("expected an error for an empty store")
	}
}
