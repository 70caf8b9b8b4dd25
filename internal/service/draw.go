package service

import (
	"math"
	"strconv"

	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/pkg/colormap"
)

// Uniforms are the scalar parameters handed to the renderer.
type Uniforms struct {
	Clim    [2]float64         `json:"clim"`
	Opacity float64            `json:"opacity"`
	Display bool               `json:"display"`
	Custom  map[string]float64 `json:"custom,omitempty"`
}

// DefaultUniforms returns the uniforms used before the client sets any.
func DefaultUniforms() Uniforms {
	return Uniforms{Clim: [2]float64{0, 1}, Opacity: 1, Display: true}
}

// EffectiveOpacity is the opacity actually drawn: zero while hidden.
func (u Uniforms) EffectiveOpacity() float64 {
	if !u.Display {
		return 0
	}
	return u.Opacity
}

// Buffer is a band buffer whose NaN samples encode as JSON null.
type Buffer []float32

func (b Buffer) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*6)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = appendFloat(out, float64(v), 32)
	}
	return append(out, ']'), nil
}

// Value is a sampled value whose NaN encodes as JSON null.
type Value float64

func (v Value) MarshalJSON() ([]byte, error) {
	return appendFloat(nil, float64(v), 64), nil
}

func appendFloat(b []byte, f float64, bits int) []byte {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return append(b, "null"...)
	}
	return strconv.AppendFloat(b, f, 'g', -1, bits)
}

// Props are the per-draw properties of one tile at one offset.
type Props struct {
	Key    pyramid.Key       `json:"key"`
	Level  int               `json:"level"`
	Offset pyramid.Offset    `json:"offset"`
	Size   int               `json:"size"`
	Count  int               `json:"count"`
	Bands  map[string]Buffer `json:"bands"`
}

// Frame is everything a renderer needs to draw the current view.
type Frame struct {
	Mode      Mode
	Primitive string
	Level     int
	TileSize  int
	Camera    pyramid.Camera
	Viewport  pyramid.Viewport
	Uniforms  Uniforms
	Colormap  colormap.Colormap
	Props     []Props
}

// Renderer draws frames.
type Renderer interface {
	Draw(frame Frame) error
}
