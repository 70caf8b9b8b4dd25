// Package service drives tile loading, drawing and region queries for one
// opened source.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/source"
	"github.com/gridtiles/server/internal/tile"
	"github.com/gridtiles/server/internal/tileindex"
	"github.com/gridtiles/server/pkg/colormap"
)

// ErrNotInitialized is returned by operations that need resolved metadata.
var ErrNotInitialized = errors.New("tiles not initialized")

// Resolver opens the source backing a Tiles engine.
type Resolver func(ctx context.Context) (*source.Source, error)

// TilesConfig contains the initial state of a Tiles engine.
type TilesConfig struct {
	Mode        string
	Selector    selector.Selector
	Uniforms    *Uniforms
	Colormap    colormap.Colormap
	Region      RegionOptions
	Callbacks   Callbacks
	Renderer    Renderer
	// MaxViewport caps each viewport side in pixels; zero means
	// pyramid.MaxViewport.
	MaxViewport float64
}

// State is a snapshot of a Tiles engine.
type State struct {
	Mode        Mode              `json:"mode"`
	Initialized bool              `json:"initialized"`
	Loading     bool              `json:"loading"`
	Camera      pyramid.Camera    `json:"camera"`
	Viewport    pyramid.Viewport  `json:"viewport"`
	Level       int               `json:"level"`
	Active      []pyramid.Key     `json:"active"`
	Selector    selector.Selector `json:"selector"`
	Uniforms    Uniforms          `json:"uniforms"`
}

// Tiles is the rendering engine for one source: it resolves the camera into
// active tiles, keeps their buffers in sync with the selector, and assembles
// draw properties.
type Tiles struct {
	mode     Mode
	cb       Callbacks
	renderer Renderer
	regionOp RegionOptions
	maxView  float64

	initDone chan struct{}
	initErr  error
	src      *source.Source
	index    *tileindex.Index
	orch     *Orchestrator
	region   *RegionQuery

	mu        sync.RWMutex
	camera    pyramid.Camera
	hasCamera bool
	viewport  pyramid.Viewport
	level     int
	active    pyramid.ActiveSet
	sel       selector.Selector
	uniforms  Uniforms
	cmap      colormap.Colormap
}

// NewTiles validates the configuration and starts resolving the source in
// the background. Until it resolves, camera updates are recorded but load
// nothing; the last one is replayed once the tile index exists.
func NewTiles(resolve Resolver, cfg TilesConfig) (*Tiles, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	cmap := cfg.Colormap
	if cmap == nil {
		cmap = colormap.Viridis
	}
	uniforms := DefaultUniforms()
	if cfg.Uniforms != nil {
		uniforms = *cfg.Uniforms
	}
	if cfg.MaxViewport <= 0 || cfg.MaxViewport > pyramid.MaxViewport {
		cfg.MaxViewport = pyramid.MaxViewport
	}
	s := &Tiles{
		mode:     mode,
		cb:       cfg.Callbacks,
		renderer: cfg.Renderer,
		regionOp: cfg.Region,
		maxView:  cfg.MaxViewport,
		initDone: make(chan struct{}),
		sel:      cfg.Selector.Clone(),
		uniforms: uniforms,
		cmap:     cmap,
		active:   pyramid.ActiveSet{},
	}
	go s.init(resolve)
	return s, nil
}

func (s *Tiles) init(resolve Resolver) {
	if err := s.build(resolve); err != nil {
		log.Printf("[Tiles] init failed: %v", err)
		s.initErr = err
		close(s.initDone)
		return
	}
	s.cb.invalidate()
	close(s.initDone)

	s.mu.RLock()
	camera, replay := s.camera, s.hasCamera
	s.mu.RUnlock()
	if replay {
		s.UpdateCamera(camera)
	}
}

func (s *Tiles) build(resolve Resolver) error {
	src, err := resolve(context.Background())
	if err != nil {
		return fmt.Errorf("failed to resolve source: %w", err)
	}
	meta := src.Meta
	s.mu.RLock()
	bands := selector.Bands(meta.Variable, s.sel)
	s.mu.RUnlock()

	index, err := tileindex.Build(meta.Levels, meta.Grid, src.Loaders, tile.Options{
		Variable:  meta.Variable,
		Bands:     bands,
		Texture:   s.mode == ModeTexture,
		FillValue: float32(meta.FillValue),
	})
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to build tile index: %w", err)
	}
	s.src = src
	s.index = index
	s.orch = NewOrchestrator(index, s.cb)
	s.orch.Current = s.currentSelector
	s.region = NewRegionQuery(index, &src.Meta, s.regionOp)
	return nil
}

// Initialized is closed once the source resolved or failed to.
func (s *Tiles) Initialized() <-chan struct{} { return s.initDone }

// WaitInitialized blocks until initialization finished and returns its error.
func (s *Tiles) WaitInitialized(ctx context.Context) error {
	select {
	case <-s.initDone:
		return s.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Tiles) ready() bool {
	select {
	case <-s.initDone:
		return s.initErr == nil
	default:
		return false
	}
}

// Metadata returns the resolved source metadata.
func (s *Tiles) Metadata() (*source.Metadata, error) {
	if !s.ready() {
		if isClosed(s.initDone) && s.initErr != nil {
			return nil, s.initErr
		}
		return nil, ErrNotInitialized
	}
	return &s.src.Meta, nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Index returns the tile index, or nil before initialization.
func (s *Tiles) Index() *tileindex.Index {
	if !s.ready() {
		return nil
	}
	return s.index
}

// UpdateCamera records the camera, recomputes the level and active set, and
// starts loading whatever the active tiles lack for the current selector.
// Before initialization it only records the camera.
func (s *Tiles) UpdateCamera(camera pyramid.Camera) *Batch {
	s.mu.Lock()
	s.camera = camera
	s.hasCamera = true
	if !s.ready() {
		s.mu.Unlock()
		return settledBatch(0)
	}
	meta := s.src.Meta
	level, active := pyramid.Resolve(camera, s.viewport, meta.TileSize, meta.MaxZoom)
	s.level = level
	s.active = active
	sel := s.sel.Clone()
	s.mu.Unlock()

	return s.orch.Run(context.Background(), level, active, sel)
}

func settledBatch(level int) *Batch {
	b := newBatch(level)
	close(b.done)
	return b
}

// UpdateViewport stores the viewport, clamped to the configured maximum, and
// redraws when it changed. The active set follows on the next camera update.
func (s *Tiles) UpdateViewport(v pyramid.Viewport) bool {
	v.Width = min(max(v.Width, 0), s.maxView)
	v.Height = min(max(v.Height, 0), s.maxView)
	s.mu.Lock()
	changed := v != s.viewport
	s.viewport = v
	s.mu.Unlock()
	if changed {
		s.cb.invalidate()
	}
	return changed
}

func (s *Tiles) currentSelector() selector.Selector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sel.Clone()
}

// UpdateSelector replaces the selector. Loads for it start on the next
// camera update.
func (s *Tiles) UpdateSelector(sel selector.Selector) {
	s.mu.Lock()
	s.sel = sel.Clone()
	s.mu.Unlock()
	s.cb.invalidate()
}

// UpdateUniforms replaces the uniforms.
func (s *Tiles) UpdateUniforms(u Uniforms) {
	s.mu.Lock()
	s.uniforms = u
	s.mu.Unlock()
	s.cb.invalidate()
}

// UpdateColormap replaces the colormap.
func (s *Tiles) UpdateColormap(c colormap.Colormap) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.cmap = c
	s.mu.Unlock()
	s.cb.invalidate()
}

// Loading reports whether any tile load is in flight.
func (s *Tiles) Loading() bool {
	if !s.ready() {
		return false
	}
	return s.orch.Loading()
}

// State returns a snapshot of the engine.
func (s *Tiles) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Mode:        s.mode,
		Initialized: s.ready(),
		Loading:     s.Loading(),
		Camera:      s.camera,
		Viewport:    s.viewport,
		Level:       s.level,
		Active:      s.active.Keys(),
		Selector:    s.sel.Clone(),
		Uniforms:    s.uniforms,
	}
}

// DrawableProps assembles the tiles to draw for the current view. Each active
// tile is replaced by its ready children and nearest ready ancestor when its
// own buffers are not ready yet, and ancestors overlapped by a drawn
// descendant are dropped.
func (s *Tiles) DrawableProps() []Props {
	if !s.ready() {
		return nil
	}
	s.mu.RLock()
	active := s.active
	sel := s.sel.Clone()
	s.mu.RUnlock()

	ready := func(k pyramid.Key) bool {
		t, err := s.index.Get(k)
		return err == nil && t.HasPopulatedBuffer(sel)
	}
	var entries []pyramid.Entry
	for _, key := range active.Keys() {
		for _, off := range active[key] {
			for _, k := range pyramid.KeysToRender(key, s.index.MaxZoom(), ready) {
				entries = append(entries, pyramid.Entry{Key: k, Offset: pyramid.AdjustedOffset(off, key, k)})
			}
		}
	}

	entries = pyramid.DropOverlapped(entries)
	props := make([]Props, 0, len(entries))
	for _, e := range entries {
		t, err := s.index.Get(e.Key)
		if err != nil {
			continue
		}
		bufs := t.Buffers()
		bands := make(map[string]Buffer, len(bufs))
		for name, b := range bufs {
			bands[name] = b
		}
		props = append(props, Props{
			Key:    e.Key,
			Level:  e.Key.Z,
			Offset: e.Offset,
			Size:   t.Size(),
			Count:  s.mode.Count(t.Size()),
			Bands:  bands,
		})
	}
	return props
}

// Frame assembles the current frame.
func (s *Tiles) Frame() (Frame, error) {
	if !s.ready() {
		return Frame{}, ErrNotInitialized
	}
	props := s.DrawableProps()
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.uniforms
	u.Opacity = u.EffectiveOpacity()
	return Frame{
		Mode:      s.mode,
		Primitive: s.mode.Primitive(),
		Level:     s.level,
		TileSize:  s.src.Meta.TileSize,
		Camera:    s.camera,
		Viewport:  s.viewport,
		Uniforms:  u,
		Colormap:  s.cmap,
		Props:     props,
	}, nil
}

// Draw hands the current frame to the renderer.
func (s *Tiles) Draw() error {
	if s.renderer == nil {
		return errors.New("no renderer configured")
	}
	frame, err := s.Frame()
	if err != nil {
		return err
	}
	return s.renderer.Draw(frame)
}

// QueryRegion samples every pixel of the current level within region. It
// waits for initialization first.
func (s *Tiles) QueryRegion(ctx context.Context, region Region, sel selector.Selector) (*RegionResult, error) {
	if err := s.WaitInitialized(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	level := s.level
	s.mu.RUnlock()
	return s.region.Query(ctx, level, region, sel)
}

// Colormap returns the current colormap.
func (s *Tiles) Colormap() colormap.Colormap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cmap
}

// RegionOptions returns how region queries fetch data.
func (s *Tiles) RegionOptions() RegionOptions { return s.regionOp }

// Close releases the source.
func (s *Tiles) Close() {
	if s.ready() {
		s.src.Close()
	}
}
