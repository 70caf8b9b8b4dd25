package zarr

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"testing"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/data/store"
	"github.com/gridtiles/server/internal/data/zarr/zarrtest"
)

func newDecoder(t *testing.T) *Decoder {
	t.Helper()
	dec, err := NewDecoder()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dec.Close)
	return dec
}

func TestOpenPyramid(t *testing.T) {
	for _, compressor := range []string{"", "zlib", "zstd"} {
		for _, consolidated := range []bool{false, true} {
			t.Run(compressor, func(t *testing.T) {
				st := store.NewMemoryStore()
				err := zarrtest.Write(st, zarrtest.Spec{
					Variable:     "tavg",
					MaxZoom:      2,
					TileSize:     4,
					Compressor:   compressor,
					Consolidated: consolidated,
					Dims:         []zarrtest.Dim{{Name: "month", Coords: []float64{1, 2, 3}, Chunk: 2}},
				})
				if err != nil {
					t.Fatal(err)
				}

				dec := newDecoder(t)
				p, err := OpenPyramid(context.Background(), st, dec, "tavg")
				if err != nil {
					t.Fatalf("OpenPyramid: %v", err)
				}
				if !reflect.DeepEqual(p.Levels, []int{0, 1, 2}) || p.MaxZoom() != 2 {
					t.Fatalf("unexpected levels %v", p.Levels)
				}
				if p.TileSize != 4 {
					t.Fatalf("unexpected tile size %d", p.TileSize)
				}
				if !reflect.DeepEqual(p.Grid.Dimensions, []string{"month", "y", "x"}) {
					t.Fatalf("unexpected dimensions %v", p.Grid.Dimensions)
				}
				if !reflect.DeepEqual(p.Grid.Coordinates["month"], []any{1.0, 2.0, 3.0}) {
					t.Fatalf("unexpected coordinates %v", p.Grid.Coordinates)
				}

				l := NewArrayLoader(st, p.Arrays[1], dec)
				c, err := l.Load(context.Background(), chunk.Coord{1, 1, 0})
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				if !reflect.DeepEqual(c.Shape, []int{2, 4, 4}) {
					t.Fatalf("unexpected chunk shape %v", c.Shape)
				}
				// default fixture value: level*1000 + y*10 + x with global indices
				if got := c.At(0, 2, 3); got != 1000+6*10+3 {
					t.Fatalf("unexpected sample %v", got)
				}
			})
		}
	}
}

func TestMissingChunkReadsAsFill(t *testing.T) {
	st := store.NewMemoryStore()
	err := zarrtest.Write(st, zarrtest.Spec{
		Variable:  "v",
		MaxZoom:   0,
		TileSize:  2,
		FillValue: math.NaN(),
		Skip:      func(int, []int) bool { return true },
	})
	if err != nil {
		t.Fatal(err)
	}
	dec := newDecoder(t)
	p, err := OpenPyramid(context.Background(), st, dec, "v")
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewArrayLoader(st, p.Arrays[0], dec).Load(context.Background(), chunk.Coord{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range c.Data {
		if !math.IsNaN(float64(v)) {
			t.Fatalf("expected NaN fill, got %v", c.Data)
		}
	}
}

func TestLoadRejectsOutOfRangeChunk(t *testing.T) {
	st := store.NewMemoryStore()
	if err := zarrtest.Write(st, zarrtest.Spec{Variable: "v", MaxZoom: 0, TileSize: 2}); err != nil {
		t.Fatal(err)
	}
	dec := newDecoder(t)
	p, err := OpenPyramid(context.Background(), st, dec, "v")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewArrayLoader(st, p.Arrays[0], dec).Load(context.Background(), chunk.Coord{1, 0}); err == nil {
		t.Fatal("expected an out of range error")
	}
}

func TestV3ArrayMeta(t *testing.T) {
	st := store.NewMemoryStore()
	doc := map[string]any{
		"zarr_format":        3,
		"node_type":          "array",
		"shape":              []int{4, 4},
		"data_type":          "int16",
		"chunk_grid":         map[string]any{"name": "regular", "configuration": map[string]any{"chunk_shape": []int{2, 2}}},
		"chunk_key_encoding": map[string]any{"name": "default", "configuration": map[string]any{"separator": "/"}},
		"fill_value":         -1,
		"codecs":             []any{map[string]any{"name": "bytes", "configuration": map[string]any{"endian": "big"}}},
		"dimension_names":    []string{"y", "x"},
	}
	data, _ := json.Marshal(doc)
	st.Set("0/v/zarr.json", data)
	// one big-endian int16 chunk; the other chunks are absent
	st.Set("0/v/c/1/0", []byte{0, 1, 0, 2, 0xff, 0xfe, 0, 4})

	dec := newDecoder(t)
	meta, err := ReadArrayMeta(context.Background(), st, nil, "0/v")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != 3 || meta.ChunkKey(chunk.Coord{1, 0}) != "0/v/c/1/0" {
		t.Fatalf("unexpected meta %+v", meta)
	}

	l := NewArrayLoader(st, meta, dec)
	c, err := l.Load(context.Background(), chunk.Coord{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c.Data, []float32{1, 2, -2, 4}) {
		t.Fatalf("unexpected data %v", c.Data)
	}
	fill, err := l.Load(context.Background(), chunk.Coord{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fill.Data, []float32{-1, -1, -1, -1}) {
		t.Fatalf("unexpected fill %v", fill.Data)
	}
}

func TestDecodeStrings(t *testing.T) {
	dt, err := ParseV2DType("<U3")
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte{'a', 0, 0, 0, 'b', 0, 0, 0, 0, 0, 0, 0, 'x', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	got, err := DecodeStrings(raw, dt)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"ab", "x"}) {
		t.Fatalf("unexpected strings %q", got)
	}
}
