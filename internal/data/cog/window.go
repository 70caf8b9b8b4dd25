package cog

import (
	"context"
	"fmt"
	"math"

	"github.com/gridtiles/server/internal/chunk"
)

type tileRef struct {
	image, n int
}

// tile returns a decoded tile, sharing concurrent reads of the same tile.
func (f *File) tile(ctx context.Context, image, n int) ([]float32, error) {
	ref := tileRef{image: image, n: n}
	if t, ok := f.tiles.Get(ref); ok {
		return t, nil
	}
	v, err, _ := f.group.Do(fmt.Sprintf("%d/%d", image, n), func() (any, error) {
		t, err := f.readTile(ctx, f.Images[image], n)
		if err != nil {
			return nil, err
		}
		f.tiles.Add(ref, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Window is a pixel rectangle in full-resolution image coordinates.
type Window struct {
	X0, Y0, X1, Y1 float64
}

// Overview returns the index of the smallest image that still has at least
// outW pixels across win. Falls back to the full-resolution image.
func (f *File) Overview(win Window, outW int) int {
	base := f.Images[0]
	best := 0
	for i, img := range f.Images {
		scale := float64(img.Width) / float64(base.Width)
		if (win.X1-win.X0)*scale >= float64(outW) && img.Width < f.Images[best].Width {
			best = i
		}
	}
	return best
}

// ReadWindow samples win onto an outW by outH grid with nearest-neighbour
// resampling. Pixels outside the image are NaN.
func (f *File) ReadWindow(ctx context.Context, win Window, outW, outH int) ([]float32, error) {
	if outW <= 0 || outH <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", outW, outH)
	}
	idx := f.Overview(win, outW)
	base, img := f.Images[0], f.Images[idx]
	sx := float64(img.Width) / float64(base.Width)
	sy := float64(img.Height) / float64(base.Height)
	dx := (win.X1 - win.X0) / float64(outW)
	dy := (win.Y1 - win.Y0) / float64(outH)

	local := make(map[int][]float32)
	out := make([]float32, outW*outH)
	for oy := 0; oy < outH; oy++ {
		py := int(math.Floor((win.Y0 + (float64(oy)+0.5)*dy) * sy))
		for ox := 0; ox < outW; ox++ {
			px := int(math.Floor((win.X0 + (float64(ox)+0.5)*dx) * sx))
			if py < 0 || py >= img.Height || px < 0 || px >= img.Width {
				out[oy*outW+ox] = float32(math.NaN())
				continue
			}
			tn := (py/img.TileHeight)*img.tilesAcross + px/img.TileWidth
			t, ok := local[tn]
			if !ok {
				var err error
				t, err = f.tile(ctx, idx, tn)
				if err != nil {
					return nil, err
				}
				local[tn] = t
			}
			out[oy*outW+ox] = t[(py%img.TileHeight)*img.TileWidth+px%img.TileWidth]
		}
	}
	return out, nil
}

// WindowLoader serves one pyramid level of a COG that spans the web-mercator
// world. Level z splits the image into 2^z by 2^z windows addressed by chunk
// coordinates (y, x).
type WindowLoader struct {
	f     *File
	level int
	size  int
}

// NewWindowLoader creates a loader emitting size by size chunks.
func NewWindowLoader(f *File, level, size int) *WindowLoader {
	return &WindowLoader{f: f, level: level, size: size}
}

// Load reads the window for coord.
func (l *WindowLoader) Load(ctx context.Context, coord chunk.Coord) (*chunk.Chunk, error) {
	if len(coord) != 2 {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected 2", len(coord))
	}
	n := 1 << l.level
	for d, c := range coord {
		if c < 0 || c >= n {
			return nil, fmt.Errorf("chunk index out of range at dim %d: %d", d, c)
		}
	}
	base := l.f.Images[0]
	w := float64(base.Width) / float64(n)
	h := float64(base.Height) / float64(n)
	win := Window{
		X0: float64(coord[1]) * w,
		Y0: float64(coord[0]) * h,
		X1: float64(coord[1]+1) * w,
		Y1: float64(coord[0]+1) * h,
	}
	data, err := l.f.ReadWindow(ctx, win, l.size, l.size)
	if err != nil {
		return nil, fmt.Errorf("failed to read window %s: %w", coord.Key(), err)
	}
	return &chunk.Chunk{Coord: append(chunk.Coord(nil), coord...), Shape: []int{l.size, l.size}, Data: data}, nil
}
