// Package tiletest provides an in-memory chunk loader that counts and can
// hold back fetches.
package tiletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridtiles/server/internal/chunk"
)

// Loader synthesizes chunks of a fixed shape. The sample at global index
// (..., y, x) within a chunk is Value(coord, local index).
type Loader struct {
	Shape []int
	// Value defaults to 100*first-dimension global index + 10*row + column.
	Value func(coord chunk.Coord, idx []int) float32
	// Fail makes the loader return an error for matching coordinates.
	Fail func(coord chunk.Coord) bool
	// Gate, when it returns a channel, holds the fetch of coord until the
	// channel is closed.
	Gate func(coord chunk.Coord) <-chan struct{}

	mu      sync.Mutex
	calls   map[string]int
	gate    chan struct{}
	started chan string
}

// Hold makes every following Load block until Release. Each blocked Load
// reports its coordinate key on Started.
func (l *Loader) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = make(chan struct{})
	l.started = make(chan string, 64)
}

// Started receives the key of each held Load as it begins.
func (l *Loader) Started() <-chan string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Release unblocks held loads.
func (l *Loader) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gate != nil {
		close(l.gate)
		l.gate = nil
	}
}

// Calls returns how many times coord was fetched.
func (l *Loader) Calls(coord chunk.Coord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[coord.Key()]
}

// Total returns the number of fetches.
func (l *Loader) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

// Load implements chunk.Loader.
func (l *Loader) Load(ctx context.Context, coord chunk.Coord) (*chunk.Chunk, error) {
	l.mu.Lock()
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[coord.Key()]++
	gate, started := l.gate, l.started
	l.mu.Unlock()

	if gate != nil {
		started <- coord.Key()
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.Gate != nil {
		if ch := l.Gate(coord); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if l.Fail != nil && l.Fail(coord) {
		return nil, fmt.Errorf("synthetic failure for %s", coord.Key())
	}

	c := chunk.New(append(chunk.Coord(nil), coord...), append([]int(nil), l.Shape...), 0)
	idx := make([]int, len(l.Shape))
	for n := range c.Data {
		rem := n
		for d := len(l.Shape) - 1; d >= 0; d-- {
			idx[d] = rem % l.Shape[d]
			rem /= l.Shape[d]
		}
		if l.Value != nil {
			c.Data[n] = l.Value(coord, idx)
			continue
		}
		d := len(idx)
		v := 10*idx[d-2] + idx[d-1]
		if d > 2 {
			v += 100 * (coord[0]*l.Shape[0] + idx[0])
		}
		c.Data[n] = float32(v)
	}
	return c, nil
}
