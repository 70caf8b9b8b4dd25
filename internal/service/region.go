package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"golang.org/x/sync/errgroup"

	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/source"
	"github.com/gridtiles/server/internal/tile"
	"github.com/gridtiles/server/internal/tileindex"
)

// metersPer converts a radius in the named unit to meters.
var metersPer = map[string]float64{
	"meters":     1,
	"kilometers": 1000,
	"miles":      1609.344,
	"feet":       0.3048,
	"radians":    orb.EarthRadius,
	"degrees":    orb.EarthRadius * math.Pi / 180,
}

// Region is a circle on the sphere.
type Region struct {
	Center orb.Point `json:"center"`
	Radius float64   `json:"radius"`
	// Units defaults to kilometers.
	Units string `json:"units,omitempty"`
}

// Meters returns the radius in meters.
func (r Region) Meters() (float64, error) {
	units := r.Units
	if units == "" {
		units = "kilometers"
	}
	f, ok := metersPer[units]
	if !ok {
		return 0, fmt.Errorf("unknown radius units %q", r.Units)
	}
	if r.Radius < 0 || math.IsNaN(r.Radius) {
		return 0, fmt.Errorf("invalid radius %v", r.Radius)
	}
	return r.Radius * f, nil
}

// RegionOptions controls how region queries obtain data.
type RegionOptions struct {
	// CachedOnly skips fetching: the query waits for in-flight loads and
	// samples what is cached. By default every chunk the query touches is
	// loaded.
	CachedOnly bool
}

// RegionResult holds the samples of every pixel inside a region. Lat and Lon
// are aligned with each leaf list of values.
type RegionResult struct {
	Variable    string
	Level       int
	Dimensions  []string
	Coordinates map[string][]any
	Lat         []float64
	Lon         []float64

	flat   []Value
	nested map[string]any
}

// Values returns a flat list for sources without free dimensions, otherwise
// nested maps keyed by coordinate labels of each free dimension in order.
func (r *RegionResult) Values() any {
	if r.nested != nil {
		return r.nested
	}
	if r.flat == nil {
		return []Value{}
	}
	return r.flat
}

// Len returns the number of sampled pixels.
func (r *RegionResult) Len() int { return len(r.Lat) }

func (r *RegionResult) MarshalJSON() ([]byte, error) {
	coords := make(map[string]any, len(r.Coordinates)+2)
	for k, v := range r.Coordinates {
		coords[k] = v
	}
	coords["lat"] = nonNil(r.Lat)
	coords["lon"] = nonNil(r.Lon)
	out := map[string]any{
		"dimensions":  r.Dimensions,
		"coordinates": coords,
		r.Variable:    r.Values(),
	}
	return json.Marshal(out)
}

func nonNil(s []float64) []float64 {
	if s == nil {
		return []float64{}
	}
	return s
}

func (r *RegionResult) add(samples []tile.Sample) {
	for _, s := range samples {
		if len(s.Path) == 0 {
			r.flat = append(r.flat, Value(s.Value))
			continue
		}
		if r.nested == nil {
			r.nested = make(map[string]any)
		}
		insert(r.nested, s.Path, Value(s.Value))
	}
}

func insert(node map[string]any, path []any, v Value) {
	key := selector.Label(path[0])
	if len(path) == 1 {
		leaf, _ := node[key].([]Value)
		node[key] = append(leaf, v)
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		child = make(map[string]any)
		node[key] = child
	}
	insert(child, path[1:], v)
}

// RegionQuery samples tiles of one level within circular regions.
type RegionQuery struct {
	index *tileindex.Index
	meta  *source.Metadata
	opts  RegionOptions
}

// NewRegionQuery creates a region query over index.
func NewRegionQuery(index *tileindex.Index, meta *source.Metadata, opts RegionOptions) *RegionQuery {
	return &RegionQuery{index: index, meta: meta, opts: opts}
}

// Query collects every pixel of level whose corner lies strictly inside
// region.
func (q *RegionQuery) Query(ctx context.Context, level int, region Region, sel selector.Selector) (*RegionResult, error) {
	radius, err := region.Meters()
	if err != nil {
		return nil, err
	}
	res := q.newResult(sel)
	res.Level = level
	if radius == 0 {
		return res, nil
	}

	bound := geo.NewBoundAroundPoint(region.Center, radius)
	keys := pyramid.TilesOfBound(bound, level)
	tiles := make([]*tile.Tile, 0, len(keys))
	for _, k := range keys {
		t, err := q.index.Get(k)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, t)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tiles {
		g.Go(func() error {
			if q.opts.CachedOnly {
				return t.WaitReady(gctx)
			}
			coords, err := t.RegionChunks(sel)
			if err != nil {
				return err
			}
			_, err = t.LoadChunks(gctx, coords)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, t := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, size := t.Key(), t.Size()
		for j := 0; j < size; j++ {
			for i := 0; i < size; i++ {
				lng, lat := pyramid.CameraToPoint(
					float64(key.X)+float64(i)/float64(size),
					float64(key.Y)+float64(j)/float64(size),
					level,
				)
				if geo.DistanceHaversine(region.Center, orb.Point{lng, lat}) >= radius {
					continue
				}
				samples, err := t.PointSample(sel, i, j)
				if err != nil {
					return nil, err
				}
				res.Lat = append(res.Lat, lat)
				res.Lon = append(res.Lon, lng)
				res.add(samples)
			}
		}
	}
	return res, nil
}

// newResult fills in the dimension layout shared by every pixel.
func (q *RegionQuery) newResult(sel selector.Selector) *RegionResult {
	g := q.meta.Grid
	res := &RegionResult{Variable: q.meta.Variable}
	if !q.meta.MultiDimensional() {
		return res
	}
	res.Coordinates = make(map[string][]any)
	for _, d := range g.NonSpatial() {
		dim := g.Dimensions[d]
		v, pinned := sel[dim]
		list, isList := selector.AsList(v)
		switch {
		case isList:
			res.Dimensions = append(res.Dimensions, dim)
			res.Coordinates[dim] = list
		case pinned && v != nil:
			res.Coordinates[dim] = []any{v}
		default:
			res.Dimensions = append(res.Dimensions, dim)
			coords := g.Coordinates[dim]
			all := make([]any, g.Shape[d])
			for i := range all {
				if i < len(coords) {
					all[i] = coords[i]
				} else {
					all[i] = float64(i)
				}
			}
			res.Coordinates[dim] = all
		}
	}
	res.Dimensions = append(res.Dimensions, "lat", "lon")
	return res
}
