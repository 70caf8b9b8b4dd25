// Package tile holds the per-tile chunk store: fetched chunks, per-band
// display buffers derived from them, and the readiness of the latest load.
package tile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
)

// ErrMissingChunk is wrapped by MissingChunkError.
var ErrMissingChunk = errors.New("chunk not loaded")

// MissingChunkError reports a buffer population attempted before the chunk it
// needs was fetched.
type MissingChunkError struct {
	Key   pyramid.Key
	Coord chunk.Coord
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("tile %s: chunk %s not loaded", e.Key, e.Coord.Key())
}

func (e *MissingChunkError) Unwrap() error { return ErrMissingChunk }

// Options configures buffer layout.
type Options struct {
	Variable  string
	// Bands are the initial band names; buffers start filled with FillValue.
	Bands     []string
	// Texture starts every buffer as a single fill sample until populated.
	Texture   bool
	FillValue float32
}

// Tile is the chunk store of one pyramid tile. All methods are safe for
// concurrent use; fetches run outside the lock.
type Tile struct {
	key    pyramid.Key
	grid   selector.Grid
	loader chunk.Loader
	opts   Options
	size   int

	group singleflight.Group

	mu       sync.Mutex
	chunks   map[string]*chunk.Chunk
	inflight int
	ready    chan struct{}
	bands    []string
	buffers  map[string][]float32
	hash     string
	version  uint64
	full     *chunk.Chunk
	merged   map[string]bool
}

// New creates an empty tile bound to the loader of its level.
func New(key pyramid.Key, grid selector.Grid, loader chunk.Loader, opts Options) *Tile {
	ready := make(chan struct{})
	close(ready)

	size := 1
	for i, d := range grid.Dimensions {
		if selector.IsX(d) {
			size = grid.Chunks[i]
		}
	}
	t := &Tile{
		key:     key,
		grid:    grid,
		loader:  loader,
		opts:    opts,
		size:    size,
		chunks:  make(map[string]*chunk.Chunk),
		ready:   ready,
		buffers: make(map[string][]float32),
		merged:  make(map[string]bool),
	}
	bands := opts.Bands
	if len(bands) == 0 {
		bands = []string{opts.Variable}
	}
	t.resetBuffers(bands)
	return t
}

func (t *Tile) resetBuffers(bands []string) {
	n := t.size * t.size
	if t.opts.Texture {
		n = 1
	}
	t.bands = append([]string(nil), bands...)
	t.buffers = make(map[string][]float32, len(bands))
	for _, b := range bands {
		buf := make([]float32, n)
		for i := range buf {
			buf[i] = t.opts.FillValue
		}
		t.buffers[b] = buf
	}
}

// Key returns the tile address.
func (t *Tile) Key() pyramid.Key { return t.key }

// Size returns the tile edge in samples.
func (t *Tile) Size() int { return t.size }

// LoadChunks fetches every coordinate not yet cached. Coordinates already in
// flight are joined rather than re-requested. A new readiness signal is
// installed when there is something to fetch and closed once the whole batch
// settles. Reports whether any chunk was newly fetched.
func (t *Tile) LoadChunks(ctx context.Context, coords []chunk.Coord) (bool, error) {
	t.mu.Lock()
	var missing []chunk.Coord
	seen := make(map[string]bool, len(coords))
	for _, c := range coords {
		k := c.Key()
		if _, ok := t.chunks[k]; ok || seen[k] {
			continue
		}
		seen[k] = true
		missing = append(missing, c)
	}
	if len(missing) == 0 {
		t.mu.Unlock()
		return false, nil
	}
	ready := make(chan struct{})
	t.ready = ready
	t.inflight++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inflight--
		t.mu.Unlock()
		close(ready)
	}()

	// fetches are never aborted mid-flight
	fetchCtx := context.WithoutCancel(ctx)
	var fetched atomic.Bool
	var g errgroup.Group
	for _, c := range missing {
		g.Go(func() error {
			v, err, _ := t.group.Do(c.Key(), func() (any, error) {
				return t.fetch(fetchCtx, c)
			})
			if err != nil {
				return err
			}
			if v != nil {
				fetched.Store(true)
			}
			return nil
		})
	}
	err := g.Wait()
	return fetched.Load(), err
}

// fetch loads one chunk. It returns nil when the chunk was cached meanwhile or
// the loader produced nothing.
func (t *Tile) fetch(ctx context.Context, c chunk.Coord) (any, error) {
	k := c.Key()
	t.mu.Lock()
	_, cached := t.chunks[k]
	t.mu.Unlock()
	if cached {
		return nil, nil
	}

	ch, err := t.loader.Load(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("tile %s: failed to load chunk %s: %w", t.key, k, err)
	}
	if ch == nil {
		return nil, nil
	}
	t.mu.Lock()
	t.chunks[k] = ch
	t.mu.Unlock()
	return ch, nil
}

// PopulateBuffers loads coords and then fills the band buffers for sel.
func (t *Tile) PopulateBuffers(ctx context.Context, coords []chunk.Coord, sel selector.Selector) (bool, error) {
	fetched, err := t.LoadChunks(ctx, coords)
	if err != nil {
		return fetched, err
	}
	return fetched, t.PopulateBuffersSync(sel)
}

type bandPick struct {
	name  string
	coord chunk.Coord
	idx   []int
}

// picks resolves, per band, the chunk covering the band's selector and the
// in-chunk indices to slice. Non-spatial dimensions absent from the selector
// show their first coordinate.
func (t *Tile) picks(sel selector.Selector) ([]bandPick, error) {
	bands := selector.BandInformation(sel)
	if len(bands) == 0 {
		bands = []selector.Band{{Name: t.opts.Variable, Selector: sel}}
	}

	out := make([]bandPick, 0, len(bands))
	for _, b := range bands {
		p := bandPick{
			name:  b.Name,
			coord: make(chunk.Coord, len(t.grid.Dimensions)),
			idx:   make([]int, len(t.grid.Dimensions)),
		}
		for i, dim := range t.grid.Dimensions {
			switch {
			case selector.IsX(dim):
				p.coord[i], p.idx[i] = t.key.X, -1
				continue
			case selector.IsY(dim):
				p.coord[i], p.idx[i] = t.key.Y, -1
				continue
			}
			index := 0
			if v, ok := b.Selector[dim]; ok && v != nil {
				var err error
				index, err = t.grid.CoordIndex(dim, v)
				if err != nil {
					return nil, err
				}
			}
			p.coord[i] = index / t.grid.Chunks[i]
			p.idx[i] = index % t.grid.Chunks[i]
		}
		out = append(out, p)
	}
	return out, nil
}

// RequiredChunks returns the chunks PopulateBuffersSync needs for sel.
func (t *Tile) RequiredChunks(sel selector.Selector) ([]chunk.Coord, error) {
	picks, err := t.picks(sel)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var coords []chunk.Coord
	for _, p := range picks {
		if !seen[p.coord.Key()] {
			seen[p.coord.Key()] = true
			coords = append(coords, p.coord)
		}
	}
	return coords, nil
}

// RegionChunks returns every chunk holding data selected by sel, spanning all
// chunks of dimensions the selector leaves unconstrained.
func (t *Tile) RegionChunks(sel selector.Selector) ([]chunk.Coord, error) {
	all, err := selector.Chunks(sel, t.grid, t.key.X, t.key.Y)
	if err != nil {
		return nil, err
	}
	coords := make([]chunk.Coord, len(all))
	for i, c := range all {
		coords[i] = c
	}
	return coords, nil
}

// PopulateBuffersSync writes each band's slice of the cached chunks into its
// buffer and records the selector hash. A chunk that has not been loaded is a
// caller ordering bug and fails with MissingChunkError.
func (t *Tile) PopulateBuffersSync(sel selector.Selector) error {
	picks, err := t.picks(sel)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	values := make(map[string][]float32, len(picks))
	for _, p := range picks {
		c, ok := t.chunks[p.coord.Key()]
		if !ok {
			return &MissingChunkError{Key: t.key, Coord: p.coord}
		}
		data, _, err := c.Pick(p.idx)
		if err != nil {
			return fmt.Errorf("tile %s: %w", t.key, err)
		}
		values[p.name] = data
	}

	names := make([]string, len(picks))
	for i, p := range picks {
		names[i] = p.name
	}
	if !sameBands(names, t.bands) {
		t.resetBuffers(names)
	}
	for name, data := range values {
		buf := t.buffers[name]
		if len(buf) == len(data) {
			copy(buf, data)
		} else {
			t.buffers[name] = data
		}
	}
	t.hash = sel.Hash()
	t.version++
	return nil
}

func sameBands(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IsBufferPopulated reports whether the buffers reflect some selector.
func (t *Tile) IsBufferPopulated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hash != ""
}

// HasPopulatedBuffer reports whether the buffers reflect sel.
func (t *Tile) HasPopulatedBuffer(sel selector.Selector) bool {
	h := sel.Hash()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hash != "" && t.hash == h
}

// HasLoadedChunks reports whether every coordinate is cached.
func (t *Tile) HasLoadedChunks(coords []chunk.Coord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range coords {
		if _, ok := t.chunks[c.Key()]; !ok {
			return false
		}
	}
	return true
}

// Loading reports whether a LoadChunks call is in flight.
func (t *Tile) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight > 0
}

// Ready returns the readiness signal of the latest load wave. It is closed
// when that wave settles; a tile that never loaded is ready.
func (t *Tile) Ready() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// WaitReady blocks until no load is in flight or ctx is done.
func (t *Tile) WaitReady(ctx context.Context) error {
	for {
		t.mu.Lock()
		ready, busy := t.ready, t.inflight > 0
		t.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Bands returns the band names in buffer order.
func (t *Tile) Bands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.bands...)
}

// Buffers returns a copy of every band buffer.
func (t *Tile) Buffers() map[string][]float32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]float32, len(t.buffers))
	for k, v := range t.buffers {
		out[k] = append([]float32(nil), v...)
	}
	return out
}

// BufferVersion counts buffer rewrites.
func (t *Tile) BufferVersion() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// ChunkCount returns the number of cached chunks.
func (t *Tile) ChunkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks)
}
