// Package tileindex owns the chunk stores of every tile of a pyramid for the
// lifetime of one opened source.
package tileindex

import (
	"errors"
	"fmt"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/tile"
)

// ErrUnknownTile is wrapped by UnknownTileError.
var ErrUnknownTile = errors.New("unknown tile")

// UnknownTileError reports a key outside the enumerated pyramid.
type UnknownTileError struct {
	Key pyramid.Key
}

func (e *UnknownTileError) Error() string {
	return fmt.Sprintf("tile %s is not part of the pyramid", e.Key)
}

func (e *UnknownTileError) Unwrap() error { return ErrUnknownTile }

// Index maps every pyramid key to its tile. The key set is fixed at Build and
// read-only afterwards, so lookups take no lock.
type Index struct {
	tiles   map[pyramid.Key]*tile.Tile
	levels  []int
	maxZoom int
}

// Build enumerates every key of every level and binds each tile to the loader
// of its level. Levels without a loader are rejected.
func Build(levels []int, grid selector.Grid, loaders map[int]chunk.Loader, opts tile.Options) (*Index, error) {
	if len(levels) == 0 {
		return nil, errors.New("pyramid has no levels")
	}
	idx := &Index{tiles: make(map[pyramid.Key]*tile.Tile), levels: append([]int(nil), levels...)}
	for _, z := range levels {
		loader, ok := loaders[z]
		if !ok {
			return nil, fmt.Errorf("no loader for level %d", z)
		}
		n := 1 << z
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				k := pyramid.Key{X: x, Y: y, Z: z}
				idx.tiles[k] = tile.New(k, grid, loader, opts)
			}
		}
		idx.maxZoom = max(idx.maxZoom, z)
	}
	return idx, nil
}

// Get returns the tile for key.
func (i *Index) Get(key pyramid.Key) (*tile.Tile, error) {
	t, ok := i.tiles[key]
	if !ok {
		return nil, &UnknownTileError{Key: key}
	}
	return t, nil
}

// Has reports whether key is part of the pyramid.
func (i *Index) Has(key pyramid.Key) bool {
	_, ok := i.tiles[key]
	return ok
}

// AllKeys returns every key ordered by level, row, then column.
func (i *Index) AllKeys() []pyramid.Key {
	set := make(pyramid.ActiveSet, len(i.tiles))
	for k := range i.tiles {
		set[k] = nil
	}
	return set.Keys()
}

// Levels returns the pyramid levels.
func (i *Index) Levels() []int { return i.levels }

// MaxZoom returns the deepest level.
func (i *Index) MaxZoom() int { return i.maxZoom }

// Len returns the number of tiles.
func (i *Index) Len() int { return len(i.tiles) }
