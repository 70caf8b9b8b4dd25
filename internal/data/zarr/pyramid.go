package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/data/store"
	"github.com/gridtiles/server/internal/selector"
)

// Multiscales is the group attribute describing pyramid levels.
type Multiscales struct {
	Datasets []struct {
		Path          string `json:"path"`
		PixelsPerTile int    `json:"pixels_per_tile"`
	} `json:"datasets"`
}

type groupAttrs struct {
	Multiscales []Multiscales `json:"multiscales"`
}

// Pyramid is the resolved metadata of a multiscale group.
type Pyramid struct {
	Variable  string
	Levels    []int
	TileSize  int
	FillValue float64
	Grid      selector.Grid
	Arrays    map[int]*ArrayMeta
}

// OpenPyramid resolves pyramid metadata for variable. Consolidated metadata
// (.zmetadata) is used when present; otherwise each document is read from
// the store.
func OpenPyramid(ctx context.Context, st store.Store, dec *Decoder, variable string) (*Pyramid, error) {
	consolidated, err := readConsolidated(ctx, st)
	if err != nil {
		return nil, err
	}

	attrs, err := readGroupAttrs(ctx, st, consolidated)
	if err != nil {
		return nil, err
	}
	if len(attrs.Multiscales) == 0 || len(attrs.Multiscales[0].Datasets) == 0 {
		return nil, fmt.Errorf("zarr group has no multiscales datasets")
	}

	p := &Pyramid{Variable: variable, Arrays: make(map[int]*ArrayMeta)}
	paths := make(map[int]string)
	for _, ds := range attrs.Multiscales[0].Datasets {
		level, err := strconv.Atoi(ds.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid multiscales path %q: %w", ds.Path, err)
		}
		p.Levels = append(p.Levels, level)
		paths[level] = ds.Path
	}
	sort.Ints(p.Levels)
	p.TileSize = attrs.Multiscales[0].Datasets[0].PixelsPerTile

	for _, level := range p.Levels {
		meta, err := ReadArrayMeta(ctx, st, consolidated, path.Join(paths[level], variable))
		if err != nil {
			return nil, err
		}
		p.Arrays[level] = meta
	}

	base := p.Arrays[p.Levels[0]]
	if base.Dimensions == nil {
		return nil, fmt.Errorf("array %s/%s has no dimension names", paths[p.Levels[0]], variable)
	}
	p.FillValue = base.FillValue
	p.Grid = selector.Grid{
		Dimensions:  base.Dimensions,
		Shape:       base.Shape,
		Chunks:      base.Chunks,
		Coordinates: make(map[string][]any),
	}
	for i, dim := range base.Dimensions {
		if selector.IsX(dim) && p.TileSize == 0 {
			p.TileSize = base.Chunks[i]
		}
		if selector.IsSpatial(dim) {
			continue
		}
		coords, err := ReadCoordinates(ctx, st, consolidated, dec, path.Join(paths[p.Levels[0]], dim))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read coordinates of %s: %w", dim, err)
		}
		p.Grid.Coordinates[dim] = coords
	}
	if p.TileSize == 0 {
		return nil, fmt.Errorf("cannot determine tile size for %s", variable)
	}
	return p, nil
}

// MaxZoom returns the deepest level.
func (p *Pyramid) MaxZoom() int {
	return p.Levels[len(p.Levels)-1]
}

func readConsolidated(ctx context.Context, st store.Store) (map[string]json.RawMessage, error) {
	data, err := st.Get(ctx, ".zmetadata")
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read .zmetadata: %w", err)
	}
	var doc struct {
		Metadata map[string]json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse .zmetadata: %w", err)
	}
	return doc.Metadata, nil
}

func readGroupAttrs(ctx context.Context, st store.Store, consolidated map[string]json.RawMessage) (*groupAttrs, error) {
	var attrs groupAttrs
	err := readJSON(ctx, st, consolidated, ".zattrs", &attrs)
	if err == nil {
		return &attrs, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to read .zattrs: %w", err)
	}

	var v3 struct {
		Attributes groupAttrs `json:"attributes"`
	}
	if err := readJSON(ctx, st, consolidated, "zarr.json", &v3); err != nil {
		return nil, fmt.Errorf("failed to read group metadata: %w", err)
	}
	return &v3.Attributes, nil
}

// ReadCoordinates reads a whole one-dimensional array. Numbers are returned
// as float64 and fixed-width strings as string.
func ReadCoordinates(ctx context.Context, st store.Store, consolidated map[string]json.RawMessage, dec *Decoder, arrayPath string) ([]any, error) {
	meta, err := ReadArrayMeta(ctx, st, consolidated, arrayPath)
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) != 1 {
		return nil, fmt.Errorf("coordinate array %s has %d dimensions", arrayPath, len(meta.Shape))
	}

	l := NewArrayLoader(st, meta, dec)
	out := make([]any, 0, meta.Shape[0])
	for c := 0; c < meta.ChunkCount(0); c++ {
		raw, err := l.readRaw(ctx, chunk.Coord{c})
		if err != nil {
			return nil, err
		}
		switch meta.DType.Kind {
		case 'S', 'U':
			values, err := DecodeStrings(raw, meta.DType)
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				out = append(out, v)
			}
		default:
			values, err := DecodeFloats(raw, meta.DType)
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				out = append(out, v)
			}
		}
	}
	if len(out) > meta.Shape[0] {
		out = out[:meta.Shape[0]]
	}
	return out, nil
}

// ArrayLoader fetches and decodes chunks of one array.
type ArrayLoader struct {
	st   store.Store
	meta *ArrayMeta
	dec  *Decoder
}

// NewArrayLoader creates a loader for the array described by meta.
func NewArrayLoader(st store.Store, meta *ArrayMeta, dec *Decoder) *ArrayLoader {
	return &ArrayLoader{st: st, meta: meta, dec: dec}
}

func (l *ArrayLoader) readRaw(ctx context.Context, coord chunk.Coord) ([]byte, error) {
	if len(coord) != len(l.meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(coord), len(l.meta.Shape))
	}
	for d, c := range coord {
		if c < 0 || c >= l.meta.ChunkCount(d) {
			return nil, fmt.Errorf("chunk index out of range at dim %d: %d", d, c)
		}
	}

	key := l.meta.ChunkKey(coord)
	data, err := l.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		// an absent chunk holds only the fill value
		return l.fillBytes(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
	}
	raw, err := l.dec.Decompress(l.meta.codecs, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", key, err)
	}
	return raw, nil
}

func (l *ArrayLoader) fillBytes() []byte {
	dt := l.meta.DType
	n := product(l.meta.Chunks)
	out := make([]byte, n*dt.Size)
	if l.meta.FillValue == 0 || dt.Kind == 'S' || dt.Kind == 'U' {
		return out
	}
	one := make([]byte, dt.Size)
	switch {
	case dt.Kind == 'f' && dt.Size == 4:
		dt.Order.PutUint32(one, math.Float32bits(float32(l.meta.FillValue)))
	case dt.Kind == 'f' && dt.Size == 8:
		dt.Order.PutUint64(one, math.Float64bits(l.meta.FillValue))
	case dt.Size == 1:
		one[0] = byte(int64(l.meta.FillValue))
	case dt.Size == 2:
		dt.Order.PutUint16(one, uint16(int64(l.meta.FillValue)))
	case dt.Size == 4:
		dt.Order.PutUint32(one, uint32(int64(l.meta.FillValue)))
	case dt.Size == 8:
		dt.Order.PutUint64(one, uint64(int64(l.meta.FillValue)))
	}
	for i := 0; i < n; i++ {
		copy(out[i*dt.Size:], one)
	}
	return out
}

// Load fetches the chunk at coord and converts it to float32.
func (l *ArrayLoader) Load(ctx context.Context, coord chunk.Coord) (*chunk.Chunk, error) {
	raw, err := l.readRaw(ctx, coord)
	if err != nil {
		return nil, err
	}
	values, err := DecodeFloats(raw, l.meta.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", coord.Key(), err)
	}
	if len(values) != product(l.meta.Chunks) {
		return nil, fmt.Errorf("chunk %s has %d elements, expected %d", coord.Key(), len(values), product(l.meta.Chunks))
	}

	shape := append([]int(nil), l.meta.Chunks...)
	c := &chunk.Chunk{Coord: append(chunk.Coord(nil), coord...), Shape: shape, Data: make([]float32, len(values))}
	for i, v := range values {
		c.Data[i] = float32(v)
	}
	return c, nil
}
