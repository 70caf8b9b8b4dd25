package tile

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/tile/tiletest"
)

// timeGrid is a 4-step time series over a single 2x2 tile, chunked by two
// time steps.
func timeGrid() selector.Grid {
	return selector.Grid{
		Dimensions:  []string{"time", "y", "x"},
		Shape:       []int{4, 2, 2},
		Chunks:      []int{2, 2, 2},
		Coordinates: map[string][]any{"time": {1.0, 2.0, 3.0, 4.0}},
	}
}

func newTimeTile(opts Options) (*Tile, *tiletest.Loader) {
	l := &tiletest.Loader{Shape: []int{2, 2, 2}}
	if opts.Variable == "" {
		opts.Variable = "tavg"
	}
	return New(pyramid.Key{}, timeGrid(), l, opts), l
}

func TestLoadChunksCachedIssuesNoFetch(t *testing.T) {
	tl, l := newTimeTile(Options{})
	ctx := context.Background()
	coord := chunk.Coord{0, 0, 0}

	fetched, err := tl.LoadChunks(ctx, []chunk.Coord{coord})
	if err != nil || !fetched {
		t.Fatalf("first load: fetched=%v err=%v", fetched, err)
	}
	fetched, err = tl.LoadChunks(ctx, []chunk.Coord{coord})
	if err != nil || fetched {
		t.Fatalf("second load: fetched=%v err=%v", fetched, err)
	}
	if l.Calls(coord) != 1 {
		t.Fatalf("expected 1 fetch, got %d", l.Calls(coord))
	}
}

func TestConcurrentDisjointLoads(t *testing.T) {
	tl, l := newTimeTile(Options{})
	ctx := context.Background()
	a, b := chunk.Coord{0, 0, 0}, chunk.Coord{1, 0, 0}

	l.Hold()
	var wg sync.WaitGroup
	for _, coords := range [][]chunk.Coord{{a}, {b}, {a, b}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tl.LoadChunks(ctx, coords); err != nil {
				t.Error(err)
			}
		}()
	}
	// both distinct coordinates are in flight before anything completes
	<-l.Started()
	<-l.Started()
	l.Release()
	wg.Wait()

	if !tl.HasLoadedChunks([]chunk.Coord{a, b}) {
		t.Fatal("expected both chunks cached")
	}
	if l.Calls(a) != 1 || l.Calls(b) != 1 {
		t.Fatalf("expected one fetch per coordinate, got %d and %d", l.Calls(a), l.Calls(b))
	}
}

func TestReadiness(t *testing.T) {
	tl, l := newTimeTile(Options{})
	select {
	case <-tl.Ready():
	default:
		t.Fatal("a tile that never loaded should be ready")
	}

	l.Hold()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tl.LoadChunks(context.Background(), []chunk.Coord{{0, 0, 0}})
	}()
	<-l.Started()

	if !tl.Loading() {
		t.Fatal("expected Loading while a fetch is held")
	}
	ready := tl.Ready()
	select {
	case <-ready:
		t.Fatal("readiness fired before the batch settled")
	default:
	}

	l.Release()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("readiness never fired")
	}
	<-done
	if tl.Loading() {
		t.Fatal("expected Loading to clear")
	}
	if err := tl.WaitReady(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestHasPopulatedBuffer(t *testing.T) {
	tl, _ := newTimeTile(Options{})
	ctx := context.Background()
	sel := selector.Selector{"time": 3}

	if tl.IsBufferPopulated() || tl.HasPopulatedBuffer(sel) {
		t.Fatal("fresh tile should not be populated")
	}
	coords, err := tl.RequiredChunks(sel)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(coords, []chunk.Coord{{1, 0, 0}}) {
		t.Fatalf("unexpected required chunks %v", coords)
	}
	if _, err := tl.PopulateBuffers(ctx, coords, sel); err != nil {
		t.Fatal(err)
	}

	if !tl.IsBufferPopulated() || !tl.HasPopulatedBuffer(sel) {
		t.Fatal("expected buffer populated for selector")
	}
	if !tl.HasPopulatedBuffer(selector.Selector{"time": 3.0}) {
		t.Fatal("numerically equal selector should match")
	}
	if tl.HasPopulatedBuffer(selector.Selector{"time": 2}) {
		t.Fatal("different selector should not match")
	}

	got := tl.Buffers()["tavg"]
	if !reflect.DeepEqual(got, []float32{200, 201, 210, 211}) {
		t.Fatalf("unexpected buffer %v", got)
	}
	if tl.BufferVersion() != 1 {
		t.Fatalf("expected one buffer write, got %d", tl.BufferVersion())
	}
}

func TestPopulateBuffersSyncMissingChunk(t *testing.T) {
	tl, _ := newTimeTile(Options{})
	err := tl.PopulateBuffersSync(selector.Selector{"time": 1})

	var missing *MissingChunkError
	if !errors.As(err, &missing) || !errors.Is(err, ErrMissingChunk) {
		t.Fatalf("expected MissingChunkError, got %v", err)
	}
	if !reflect.DeepEqual(missing.Coord, chunk.Coord{0, 0, 0}) {
		t.Fatalf("unexpected missing coord %v", missing.Coord)
	}
	if tl.IsBufferPopulated() {
		t.Fatal("failed populate must not mark the buffer populated")
	}
}

func TestListSelectorBands(t *testing.T) {
	tl, _ := newTimeTile(Options{})
	sel := selector.Selector{"time": []any{1, 3}}
	coords, err := tl.RequiredChunks(sel)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tl.PopulateBuffers(context.Background(), coords, sel); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(tl.Bands(), []string{"time_1", "time_3"}) {
		t.Fatalf("unexpected bands %v", tl.Bands())
	}
	bufs := tl.Buffers()
	if !reflect.DeepEqual(bufs["time_1"], []float32{0, 1, 10, 11}) {
		t.Fatalf("unexpected time_1 buffer %v", bufs["time_1"])
	}
	if !reflect.DeepEqual(bufs["time_3"], []float32{200, 201, 210, 211}) {
		t.Fatalf("unexpected time_3 buffer %v", bufs["time_3"])
	}
}

func TestTextureBuffersStartAsSingleFill(t *testing.T) {
	tl, _ := newTimeTile(Options{Texture: true, FillValue: -1})
	if got := tl.Buffers()["tavg"]; !reflect.DeepEqual(got, []float32{-1}) {
		t.Fatalf("unexpected placeholder %v", got)
	}
}

func TestLoaderErrorPropagates(t *testing.T) {
	tl, l := newTimeTile(Options{})
	l.Fail = func(c chunk.Coord) bool { return c[0] == 1 }

	fetched, err := tl.LoadChunks(context.Background(), []chunk.Coord{{0, 0, 0}, {1, 0, 0}})
	if err == nil {
		t.Fatal("expected loader error")
	}
	if !fetched || !tl.HasLoadedChunks([]chunk.Coord{{0, 0, 0}}) {
		t.Fatal("successful chunks of a failed batch are kept")
	}
	if tl.Loading() {
		t.Fatal("a failed batch must settle")
	}
}

func TestMaterializeFullAndPointSample(t *testing.T) {
	tl, _ := newTimeTile(Options{})
	ctx := context.Background()

	if _, err := tl.LoadChunks(ctx, []chunk.Coord{{0, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	full := tl.MaterializeFull()
	if !reflect.DeepEqual(full.Shape, []int{4, 2, 2}) {
		t.Fatalf("unexpected shape %v", full.Shape)
	}
	if full.At(1, 1, 0) != 110 || !math.IsNaN(float64(full.At(2, 0, 0))) {
		t.Fatalf("unexpected partial materialization %v", full.Data)
	}

	if _, err := tl.LoadChunks(ctx, []chunk.Coord{{1, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	if got := tl.MaterializeFull().At(3, 0, 1); got != 301 {
		t.Fatalf("expected incremental merge, got %v", got)
	}

	samples, err := tl.PointSample(selector.Selector{}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []Sample{
		{Path: []any{1.0}, Value: 1},
		{Path: []any{2.0}, Value: 101},
		{Path: []any{3.0}, Value: 201},
		{Path: []any{4.0}, Value: 301},
	}
	if !reflect.DeepEqual(samples, want) {
		t.Fatalf("unexpected samples %+v", samples)
	}

	samples, err = tl.PointSample(selector.Selector{"time": 2}, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 || len(samples[0].Path) != 0 || samples[0].Value != 110 {
		t.Fatalf("unexpected pinned sample %+v", samples)
	}
}

func TestPointSampleTwoDimensional(t *testing.T) {
	grid := selector.Grid{Dimensions: []string{"y", "x"}, Shape: []int{2, 2}, Chunks: []int{2, 2}}
	l := &tiletest.Loader{Shape: []int{2, 2}}
	tl := New(pyramid.Key{}, grid, l, Options{Variable: "elevation"})
	if _, err := tl.LoadChunks(context.Background(), []chunk.Coord{{0, 0}}); err != nil {
		t.Fatal(err)
	}
	samples, err := tl.PointSample(nil, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 || samples[0].Path != nil || samples[0].Value != 11 {
		t.Fatalf("unexpected samples %+v", samples)
	}
}

func TestPopulateRejectsOutOfRangeIndex(t *testing.T) {
	// no coordinate array: selector values are integer positions
	grid := selector.Grid{Dimensions: []string{"time", "y", "x"}, Shape: []int{3, 2, 2}, Chunks: []int{2, 2, 2}}
	l := &tiletest.Loader{Shape: []int{2, 2, 2}}
	tl := New(pyramid.Key{}, grid, l, Options{Variable: "v"})

	ctx := context.Background()
	if _, err := tl.LoadChunks(ctx, []chunk.Coord{{0, 0, 0}, {1, 0, 0}}); err != nil {
		t.Fatal(err)
	}

	for _, v := range []int{-1, 3} {
		sel := selector.Selector{"time": v}
		if _, err := tl.RequiredChunks(sel); err == nil {
			t.Fatalf("time=%d: expected RequiredChunks to fail", v)
		}
		if err := tl.PopulateBuffersSync(sel); err == nil {
			t.Fatalf("time=%d: expected PopulateBuffersSync to fail, buffer %v", v, tl.Buffers()["v"])
		}
		if tl.HasPopulatedBuffer(sel) {
			t.Fatalf("time=%d: buffer must not count as populated", v)
		}
	}

	if err := tl.PopulateBuffersSync(selector.Selector{"time": 2}); err != nil {
		t.Fatal(err)
	}
	if got := tl.Buffers()["v"]; !reflect.DeepEqual(got, []float32{200, 201, 210, 211}) {
		t.Fatalf("unexpected buffer %v", got)
	}
}
