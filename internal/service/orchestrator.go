package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/tile"
	"github.com/gridtiles/server/internal/tileindex"
)

// Callbacks are the signals the engine emits. Any of them may be nil.
type Callbacks struct {
	// Invalidate asks the renderer to redraw.
	Invalidate func()
	// InvalidateRegion tells region consumers that new data arrived.
	InvalidateRegion func()
	// SetLoading reports transitions of the aggregate loading flag.
	SetLoading func(loading bool)
	// OnError reports a failed tile load.
	OnError func(key pyramid.Key, err error)
}

func (c Callbacks) invalidate() {
	if c.Invalidate != nil {
		c.Invalidate()
	}
}

func (c Callbacks) onError(key pyramid.Key, err error) {
	log.Printf("[Orchestrator] tile %s: %v", key, err)
	if c.OnError != nil {
		c.OnError(key, err)
	}
}

// Batch tracks the loads started by one camera update.
type Batch struct {
	Level int

	loads   []pyramid.Key
	done    chan struct{}
	updated atomic.Bool

	mu   sync.Mutex
	errs []error
}

func newBatch(level int) *Batch {
	return &Batch{Level: level, done: make(chan struct{})}
}

func (b *Batch) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, err)
}

// Done is closed once every load of the batch settled.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch settled and returns its joined tile errors.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err joins the errors of failed tiles.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}

// Updated reports whether any tile fetched previously absent chunks.
func (b *Batch) Updated() bool { return b.updated.Load() }

// Loads returns the tiles the batch issued loads for.
func (b *Batch) Loads() []pyramid.Key { return b.loads }

// Orchestrator drives tile loads for active sets and aggregates their
// loading state into a single flag.
type Orchestrator struct {
	index *tileindex.Index
	cb    Callbacks

	// Current returns the selector the engine displays now. Background loads
	// populate for it rather than the selector they were started with. Nil
	// means the batch selector.
	Current func() selector.Selector

	mu       sync.Mutex
	pending  int
	inflight map[pyramid.Key]bool

	notifyMu sync.Mutex
	reported bool
}

// NewOrchestrator creates an orchestrator over index.
func NewOrchestrator(index *tileindex.Index, cb Callbacks) *Orchestrator {
	return &Orchestrator{index: index, cb: cb, inflight: make(map[pyramid.Key]bool)}
}

// Loading reports whether any tile load is in flight.
func (o *Orchestrator) Loading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending > 0
}

// notifyLoading reports the aggregate flag when it changed since the last
// report. Reports are serialized so observers see transitions in order.
func (o *Orchestrator) notifyLoading() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	loading := o.Loading()
	if loading == o.reported {
		return
	}
	o.reported = loading
	if o.cb.SetLoading != nil {
		o.cb.SetLoading(loading)
	}
}

type tileLoad struct {
	key    pyramid.Key
	tile   *tile.Tile
	coords []chunk.Coord
}

// Run brings every active tile up to date with sel. Tiles whose buffers
// already match are skipped, tiles with every chunk cached are populated
// synchronously, and the rest load in the background unless a load is
// already in flight for them.
func (o *Orchestrator) Run(ctx context.Context, level int, active pyramid.ActiveSet, sel selector.Selector) *Batch {
	batch := newBatch(level)
	var loads []tileLoad
	synced := false
	for _, key := range active.Keys() {
		t, err := o.index.Get(key)
		if err != nil {
			o.cb.onError(key, err)
			batch.fail(err)
			continue
		}
		if t.HasPopulatedBuffer(sel) {
			continue
		}
		coords, err := t.RequiredChunks(sel)
		if err != nil {
			o.cb.onError(key, err)
			batch.fail(err)
			continue
		}
		if t.HasLoadedChunks(coords) {
			if err := t.PopulateBuffersSync(sel); err != nil {
				o.cb.onError(key, err)
				batch.fail(err)
				continue
			}
			synced = true
			continue
		}

		o.mu.Lock()
		if o.inflight[key] {
			o.mu.Unlock()
			continue
		}
		o.inflight[key] = true
		o.pending++
		o.mu.Unlock()
		loads = append(loads, tileLoad{key: key, tile: t, coords: coords})
		batch.loads = append(batch.loads, key)
	}
	if synced {
		o.cb.invalidate()
	}
	if len(loads) == 0 {
		close(batch.done)
		return batch
	}
	o.notifyLoading()

	var wg sync.WaitGroup
	for _, l := range loads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.settle(ctx, batch, l, sel); err != nil {
				o.cb.onError(l.key, err)
				batch.fail(err)
			} else {
				o.cb.invalidate()
			}

			o.mu.Lock()
			delete(o.inflight, l.key)
			o.pending--
			o.mu.Unlock()
			o.notifyLoading()
		}()
	}
	go func() {
		wg.Wait()
		if batch.updated.Load() && o.cb.InvalidateRegion != nil {
			o.cb.InvalidateRegion()
		}
		close(batch.done)
	}()
	return batch
}

func (o *Orchestrator) current(fallback selector.Selector) selector.Selector {
	if o.Current == nil {
		return fallback
	}
	return o.Current()
}

// settle loads l's chunks and populates its buffers for the selector current
// at completion. When the selector moved on to chunks that are not cached, it
// loads those too, so a stale load never leaves its slice on screen.
func (o *Orchestrator) settle(ctx context.Context, batch *Batch, l tileLoad, sel selector.Selector) error {
	coords := l.coords
	for {
		fetched, err := l.tile.LoadChunks(ctx, coords)
		if fetched {
			batch.updated.Store(true)
		}
		if err != nil {
			return err
		}
		for {
			cur := o.current(sel)
			if l.tile.HasPopulatedBuffer(cur) {
				return nil
			}
			need, err := l.tile.RequiredChunks(cur)
			if err != nil {
				return err
			}
			if !l.tile.HasLoadedChunks(need) {
				coords = need
				break
			}
			if err := l.tile.PopulateBuffersSync(cur); err != nil {
				return err
			}
		}
	}
}
