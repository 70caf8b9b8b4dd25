package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/tile"
	"github.com/gridtiles/server/internal/tile/tiletest"
	"github.com/gridtiles/server/internal/tileindex"
)

type loadingRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *loadingRecorder) set(loading bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, loading)
}

func (r *loadingRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func TestAggregateLoadingTransitionsOnce(t *testing.T) {
	gates := map[[2]int]chan struct{}{
		{0, 0}: make(chan struct{}),
		{0, 1}: make(chan struct{}),
		{1, 0}: make(chan struct{}),
	}
	l := &tiletest.Loader{
		Shape: []int{2, 2},
		Gate:  func(c chunk.Coord) <-chan struct{} { return gates[[2]int{c[0], c[1]}] },
		Fail:  func(c chunk.Coord) bool { return c[0] == 0 && c[1] == 1 },
	}
	idx, err := tileindex.Build([]int{1}, flatGrid(), map[int]chunk.Loader{1: l}, tile.Options{Variable: "v"})
	if err != nil {
		t.Fatal(err)
	}

	rec := &loadingRecorder{}
	settled := make(chan pyramid.Key, 8)
	regions := make(chan struct{}, 8)
	o := NewOrchestrator(idx, Callbacks{
		SetLoading:       rec.set,
		Invalidate:       func() { settled <- pyramid.Key{} },
		OnError:          func(k pyramid.Key, err error) { settled <- k },
		InvalidateRegion: func() { regions <- struct{}{} },
	})

	active := pyramid.ActiveSet{
		{X: 0, Y: 0, Z: 1}: {{X: 0, Y: 0}},
		{X: 1, Y: 0, Z: 1}: {{X: 1, Y: 0}},
		{X: 0, Y: 1, Z: 1}: {{X: 0, Y: 1}},
	}
	b := o.Run(context.Background(), 1, active, nil)
	if len(b.Loads()) != 3 {
		t.Fatalf("expected three loads, got %v", b.Loads())
	}
	if got := rec.get(); len(got) != 1 || !got[0] {
		t.Fatalf("expected a single true, got %v", got)
	}

	// a second pass while everything is in flight issues nothing new
	if again := o.Run(context.Background(), 1, active, nil); len(again.Loads()) != 0 {
		t.Fatalf("expected in-flight tiles to be skipped, got %v", again.Loads())
	}

	close(gates[[2]int{0, 0}])
	close(gates[[2]int{0, 1}])
	for range 2 {
		select {
		case <-settled:
		case <-time.After(5 * time.Second):
			t.Fatal("tiles did not settle")
		}
	}
	if got := rec.get(); len(got) != 1 {
		t.Fatalf("loading flipped before the last tile settled: %v", got)
	}

	close(gates[[2]int{1, 0}])
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Wait(ctx); err == nil {
		t.Fatal("expected the failed tile to surface in the batch error")
	}
	if got := rec.get(); len(got) != 2 || got[1] {
		t.Fatalf("expected [true false], got %v", got)
	}
	if o.Loading() {
		t.Fatal("expected loading to be false")
	}
	select {
	case <-regions:
	default:
		t.Fatal("expected a region invalidation")
	}
	if len(regions) != 0 {
		t.Fatal("expected a single region invalidation per batch")
	}
}

func TestRunSkipsUnknownTiles(t *testing.T) {
	l := &tiletest.Loader{Shape: []int{2, 2}}
	idx, err := tileindex.Build([]int{0}, flatGrid(), map[int]chunk.Loader{0: l}, tile.Options{Variable: "v"})
	if err != nil {
		t.Fatal(err)
	}
	o := NewOrchestrator(idx, Callbacks{})
	b := o.Run(context.Background(), 3, pyramid.ActiveSet{{X: 1, Y: 1, Z: 3}: nil}, nil)
	if err := b.Wait(context.Background()); err == nil {
		t.Fatal("expected an unknown tile error")
	}
	if l.Total() != 0 {
		t.Fatalf("expected no fetches, got %d", l.Total())
	}
}
