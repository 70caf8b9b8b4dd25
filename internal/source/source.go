// Package source opens a raster pyramid and exposes its metadata together with
// one chunk loader per pyramid level. The backend (chunked array store or
// windowed image) is chosen once, when the source is opened.
package source

import (
	"context"
	"fmt"
	"math"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/data/cog"
	"github.com/gridtiles/server/internal/data/store"
	"github.com/gridtiles/server/internal/data/zarr"
	"github.com/gridtiles/server/internal/selector"
)

// Kind names a source backend.
type Kind string

const (
	KindZarr Kind = "zarr"
	KindCOG  Kind = "cog"
)

// Descriptor tells Open where a source lives and how to read it.
type Descriptor struct {
	Kind     Kind
	Variable string

	// FillValue overrides the fill value from the source metadata.
	FillValue  *float64
	// OutputSize is the chunk edge emitted for windowed images. Defaults to
	// the tile width of the full-resolution image.
	OutputSize int
	// Key is the object holding the image for windowed sources.
	Key        string
}

// Metadata is the resolved description of a pyramid.
type Metadata struct {
	Variable  string        `json:"variable"`
	Kind      Kind          `json:"kind"`
	Levels    []int         `json:"levels"`
	MaxZoom   int           `json:"max_zoom"`
	TileSize  int           `json:"tile_size"`
	FillValue float64       `json:"-"`
	Grid      selector.Grid `json:"grid"`
}

// MultiDimensional reports whether the source has non-spatial dimensions.
func (m *Metadata) MultiDimensional() bool {
	return len(m.Grid.Dimensions) > 2
}

// Source is an opened pyramid.
type Source struct {
	Meta    Metadata
	Loaders map[int]chunk.Loader
	close   func()
}

// Close releases decoder resources held by the loaders.
func (s *Source) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open resolves metadata and builds the per-level loaders.
func Open(ctx context.Context, st store.RangeStore, d Descriptor) (*Source, error) {
	var (
		src *Source
		err error
	)
	switch d.Kind {
	case KindZarr, "":
		src, err = openZarr(ctx, st, d)
	case KindCOG:
		src, err = openCOG(ctx, st, d)
	default:
		return nil, fmt.Errorf("unsupported source kind %q", d.Kind)
	}
	if err != nil {
		return nil, err
	}
	if d.FillValue != nil {
		src.Meta.FillValue = *d.FillValue
	}
	return src, nil
}

func openZarr(ctx context.Context, st store.RangeStore, d Descriptor) (*Source, error) {
	dec, err := zarr.NewDecoder()
	if err != nil {
		return nil, err
	}
	p, err := zarr.OpenPyramid(ctx, st, dec, d.Variable)
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("failed to open zarr pyramid: %w", err)
	}

	src := &Source{
		Meta: Metadata{
			Variable:  d.Variable,
			Kind:      KindZarr,
			Levels:    p.Levels,
			MaxZoom:   p.MaxZoom(),
			TileSize:  p.TileSize,
			FillValue: p.FillValue,
			Grid:      p.Grid,
		},
		Loaders: make(map[int]chunk.Loader, len(p.Levels)),
		close:   dec.Close,
	}
	for _, level := range p.Levels {
		src.Loaders[level] = zarr.NewArrayLoader(st, p.Arrays[level], dec)
	}
	return src, nil
}

func openCOG(ctx context.Context, st store.RangeStore, d Descriptor) (*Source, error) {
	f, err := cog.Open(ctx, st, d.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	size := d.OutputSize
	if size <= 0 {
		size = f.Images[0].TileWidth
	}

	variable := d.Variable
	if variable == "" {
		variable = "band_1"
	}
	n := len(f.Images)
	src := &Source{
		Meta: Metadata{
			Variable:  variable,
			Kind:      KindCOG,
			MaxZoom:   n - 1,
			TileSize:  size,
			FillValue: math.NaN(),
		},
		Loaders: make(map[int]chunk.Loader, n),
		close:   f.Close,
	}
	for level := 0; level < n; level++ {
		src.Meta.Levels = append(src.Meta.Levels, level)
		src.Loaders[level] = cog.NewWindowLoader(f, level, size)
	}
	side := size << (n - 1)
	src.Meta.Grid = selector.Grid{
		Dimensions:  []string{"y", "x"},
		Shape:       []int{side, side},
		Chunks:      []int{size, size},
		Coordinates: map[string][]any{},
	}
	return src, nil
}
