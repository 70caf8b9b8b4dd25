// Package render provides tile and frame rendering using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/service"
	"github.com/gridtiles/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultColormap string
}

// Style is how cells are colored.
type Style struct {
	Mode     service.Mode
	Uniforms service.Uniforms
	Colormap colormap.Colormap
}

// TileRenderer renders single tiles to PNG.
type TileRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	return &TileRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Colormap resolves a colormap by name, falling back to the configured
// default and then viridis.
func (r *TileRenderer) Colormap(name string) colormap.Colormap {
	if c, ok := colormap.ByName(name); ok {
		return c
	}
	if c, ok := colormap.ByName(r.config.DefaultColormap); ok {
		return c
	}
	return colormap.Viridis
}

// RenderTile renders one band buffer of a tile.
func (r *TileRenderer) RenderTile(buf []float32, size int, style Style) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.Transparent)
	dc.Clear()
	if size > 0 && len(buf) == size*size {
		tileSize := float64(r.config.TileSize)
		drawCells(dc, buf, size, 0, 0, tileSize/float64(size), style)
	}
	return r.encodeContext(dc)
}

// drawCells paints a size×size buffer with its top-left corner at (x0, y0).
// NaN cells stay transparent.
func drawCells(dc *gg.Context, buf []float32, size int, x0, y0, cell float64, style Style) {
	lo, hi := style.Uniforms.Clim[0], style.Uniforms.Clim[1]
	span := hi - lo
	if span == 0 {
		span = 1
	}
	alpha := style.Uniforms.EffectiveOpacity()
	if alpha <= 0 {
		return
	}
	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			v := float64(buf[j*size+i])
			if math.IsNaN(v) {
				continue
			}
			t := math.Max(0, math.Min(1, (v-lo)/span))
			cr, cg, cb, _ := style.Colormap.At(t).RGBA()
			dc.SetRGBA(float64(cr)/0xffff, float64(cg)/0xffff, float64(cb)/0xffff, alpha)

			px, py := x0+float64(i)*cell, y0+float64(j)*cell
			if style.Mode == service.ModeDotGrid {
				dc.DrawCircle(px+cell/2, py+cell/2, cell/2)
			} else {
				dc.DrawRectangle(px, py, cell, cell)
			}
			dc.Fill()
		}
	}
}

func (r *TileRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	return encodePNG(&r.bufferPool, dc.Image())
}

func encodePNG(pool *sync.Pool, img image.Image) ([]byte, error) {
	buf := pool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		pool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates an empty transparent tile.
func (r *TileRenderer) CreateEmptyTile() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FrameRenderer draws whole frames into a viewport-sized image. It keeps the
// last encoded frame.
type FrameRenderer struct {
	width, height int
	band          string
	pool          sync.Pool

	mu   sync.Mutex
	last []byte
}

// NewFrameRenderer creates a frame renderer. Width and height apply when the
// frame carries no viewport. band selects the buffer drawn; empty picks the
// first band of each tile.
func NewFrameRenderer(width, height int, band string) *FrameRenderer {
	return &FrameRenderer{
		width:  width,
		height: height,
		band:   band,
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Draw implements service.Renderer.
func (f *FrameRenderer) Draw(frame service.Frame) error {
	w, h := int(frame.Viewport.Width), int(frame.Viewport.Height)
	if w <= 0 || h <= 0 {
		w, h = f.width, f.height
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	dc := gg.NewContext(w, h)
	dc.SetColor(color.Transparent)
	dc.Clear()

	style := Style{Mode: frame.Mode, Uniforms: frame.Uniforms, Colormap: frame.Colormap}
	if style.Colormap == nil {
		style.Colormap = colormap.Viridis
	}
	lng := pyramid.WrapLongitude(frame.Camera.Lng)
	for _, p := range frame.Props {
		buf := f.pick(p)
		if len(buf) != p.Size*p.Size {
			continue
		}
		// on-screen size of one tile at the prop's level
		scale := float64(frame.TileSize) * math.Pow(2, frame.Camera.Zoom-float64(p.Level))
		cx, cy := pyramid.PointToCamera(lng, frame.Camera.Lat, p.Level)
		x0 := float64(w)/2 + (float64(p.Offset.X)-cx)*scale
		y0 := float64(h)/2 + (float64(p.Offset.Y)-cy)*scale
		drawCells(dc, buf, p.Size, x0, y0, scale/float64(p.Size), style)
	}

	out, err := encodePNG(&f.pool, dc.Image())
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.last = out
	f.mu.Unlock()
	return nil
}

func (f *FrameRenderer) pick(p service.Props) []float32 {
	if b, ok := p.Bands[f.band]; ok {
		return b
	}
	var first string
	for name := range p.Bands {
		if first == "" || name < first {
			first = name
		}
	}
	return p.Bands[first]
}

// LastPNG returns the last drawn frame, or nil.
func (f *FrameRenderer) LastPNG() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
