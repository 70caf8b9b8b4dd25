package tile

import (
	"fmt"
	"math"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/selector"
)

// Sample is one value at a pixel. Path holds the coordinates of the
// dimensions the selector left free, in dimension order; it is empty for 2-D
// sources.
type Sample struct {
	Path  []any
	Value float32
}

// fullShape is the dense tile array: full extent along non-spatial
// dimensions, one chunk along spatial ones.
func (t *Tile) fullShape() []int {
	shape := make([]int, len(t.grid.Dimensions))
	for i, dim := range t.grid.Dimensions {
		if selector.IsSpatial(dim) {
			shape[i] = t.grid.Chunks[i]
		} else {
			shape[i] = t.grid.Shape[i]
		}
	}
	return shape
}

// materializeLocked merges chunks fetched since the last call into the dense
// tile array. t.mu must be held.
func (t *Tile) materializeLocked() *chunk.Chunk {
	if t.full == nil {
		t.full = chunk.New(nil, t.fullShape(), float32(math.NaN()))
	}
	full := t.full
	fullStrides := strides(full.Shape)
	for k, c := range t.chunks {
		if t.merged[k] {
			continue
		}
		origin := make([]int, len(c.Shape))
		for i, dim := range t.grid.Dimensions {
			if !selector.IsSpatial(dim) {
				origin[i] = c.Coord[i] * t.grid.Chunks[i]
			}
		}
		idx := make([]int, len(c.Shape))
	copyLoop:
		for n := range c.Data {
			rem := n
			for d := len(c.Shape) - 1; d >= 0; d-- {
				idx[d] = rem % c.Shape[d]
				rem /= c.Shape[d]
			}
			off := 0
			for d := range idx {
				pos := origin[d] + idx[d]
				if pos >= full.Shape[d] {
					// edge chunks extend past the array
					continue copyLoop
				}
				off += pos * fullStrides[d]
			}
			full.Data[off] = c.Data[n]
		}
		t.merged[k] = true
	}
	return full
}

func (t *Tile) index(d int, v any) (int, error) {
	dim := t.grid.Dimensions[d]
	idx, err := t.grid.CoordIndex(dim, v)
	if err != nil {
		return -1, err
	}
	if idx < 0 || idx >= t.grid.Shape[d] {
		return -1, fmt.Errorf("index %d out of range for dimension %q", idx, dim)
	}
	return idx, nil
}

func strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// MaterializeFull returns a copy of the dense tile array assembled from every
// cached chunk. Unfetched regions are NaN.
func (t *Tile) MaterializeFull() *chunk.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	full := t.materializeLocked()
	return &chunk.Chunk{
		Shape: append([]int(nil), full.Shape...),
		Data:  append([]float32(nil), full.Data...),
	}
}

// PointSample returns the values at pixel (i, j) of the tile, i the column and
// j the row. Pinned dimensions contribute their selected index; list-valued
// and absent dimensions contribute every coordinate and appear in Path.
func (t *Tile) PointSample(sel selector.Selector, i, j int) ([]Sample, error) {
	if i < 0 || j < 0 || i >= t.size || j >= t.size {
		return nil, fmt.Errorf("pixel (%d, %d) outside tile of size %d", i, j, t.size)
	}

	type axis struct {
		free    bool
		indices []int
		values  []any
	}
	axes := make([]axis, len(t.grid.Dimensions))
	for d, dim := range t.grid.Dimensions {
		switch {
		case selector.IsX(dim):
			axes[d] = axis{indices: []int{i}}
			continue
		case selector.IsY(dim):
			axes[d] = axis{indices: []int{j}}
			continue
		}
		v, pinned := sel[dim]
		list, isList := selector.AsList(v)
		switch {
		case isList:
			a := axis{free: true}
			for _, item := range list {
				idx, err := t.index(d, item)
				if err != nil {
					return nil, err
				}
				a.indices = append(a.indices, idx)
				a.values = append(a.values, item)
			}
			axes[d] = a
		case pinned && v != nil:
			idx, err := t.index(d, v)
			if err != nil {
				return nil, err
			}
			axes[d] = axis{indices: []int{idx}}
		default:
			a := axis{free: true}
			coords := t.grid.Coordinates[dim]
			for idx := 0; idx < t.grid.Shape[d]; idx++ {
				a.indices = append(a.indices, idx)
				if idx < len(coords) {
					a.values = append(a.values, coords[idx])
				} else {
					a.values = append(a.values, float64(idx))
				}
			}
			axes[d] = a
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	full := t.materializeLocked()
	st := strides(full.Shape)

	var out []Sample
	var walk func(d, off int, path []any)
	walk = func(d, off int, path []any) {
		if d == len(axes) {
			out = append(out, Sample{Path: append([]any(nil), path...), Value: full.Data[off]})
			return
		}
		for n, idx := range axes[d].indices {
			next := path
			if axes[d].free {
				next = append(path, axes[d].values[n])
			}
			walk(d+1, off+idx*st[d], next)
		}
	}
	walk(0, 0, nil)
	return out, nil
}
