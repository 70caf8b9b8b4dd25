// Package chunk defines the unit of fetch: a dense block of samples addressed
// by its chunk-grid coordinate, and the loader capability producing them.
package chunk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Coord is a chunk-grid position, one integer per array dimension.
type Coord []int

// Key returns the "a.b.c" form used to index cached chunks.
func (c Coord) Key() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

// Join formats the coordinate with an arbitrary separator.
func (c Coord) Join(sep string) string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, sep)
}

// Chunk is a row-major block of samples.
type Chunk struct {
	Coord Coord
	Shape []int
	Data  []float32
}

// New allocates a chunk filled with fill.
func New(coord Coord, shape []int, fill float32) *Chunk {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return &Chunk{Coord: coord, Shape: shape, Data: data}
}

func (c *Chunk) strides() []int {
	st := make([]int, len(c.Shape))
	acc := 1
	for i := len(c.Shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= c.Shape[i]
	}
	return st
}

// At returns the sample at the given per-dimension index.
func (c *Chunk) At(idx ...int) float32 {
	st := c.strides()
	off := 0
	for i, v := range idx {
		off += v * st[i]
	}
	return c.Data[off]
}

// Pick slices the chunk: a non-negative entry pins that dimension, a negative
// one keeps it. The result is a fresh row-major copy with the pinned
// dimensions removed from its shape.
func (c *Chunk) Pick(idx []int) ([]float32, []int, error) {
	if len(idx) != len(c.Shape) {
		return nil, nil, fmt.Errorf("pick: got %d indices for %d dimensions", len(idx), len(c.Shape))
	}
	var shape []int
	for i, v := range idx {
		if v >= c.Shape[i] {
			return nil, nil, fmt.Errorf("pick: index %d out of range for dimension %d of size %d", v, i, c.Shape[i])
		}
		if v < 0 {
			shape = append(shape, c.Shape[i])
		}
	}

	n := 1
	for _, s := range shape {
		n *= s
	}
	out := make([]float32, 0, n)
	st := c.strides()

	var walk func(dim, off int)
	walk = func(dim, off int) {
		if dim == len(c.Shape) {
			out = append(out, c.Data[off])
			return
		}
		if idx[dim] >= 0 {
			walk(dim+1, off+idx[dim]*st[dim])
			return
		}
		for i := 0; i < c.Shape[dim]; i++ {
			walk(dim+1, off+i*st[dim])
		}
	}
	walk(0, 0)
	return out, shape, nil
}

// Loader fetches one chunk. Implementations must be safe for concurrent use.
type Loader interface {
	Load(ctx context.Context, coord Coord) (*Chunk, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, coord Coord) (*Chunk, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, coord Coord) (*Chunk, error) {
	return f(ctx, coord)
}
