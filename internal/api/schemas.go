package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
	"github.com/gridtiles/server/internal/service"
)

var viewportSideSchema = fmt.Sprintf(`{"type": "number", "minimum": 0, "maximum": %d}`, pyramid.MaxViewport)

const unitsSchema = `{"enum": ["meters", "kilometers", "miles", "feet", "radians", "degrees"]}`

// A region is either {center, radius, units, selector} or a GeoJSON point
// feature carrying radius, units and selector in its properties.
var regionSchema = jsonschema.MustCompileString("region.schema.json", `{
  "type": "object",
  "oneOf": [
    {"required": ["center", "radius"], "not": {"required": ["geometry"]}},
    {"required": ["type", "geometry", "properties"]}
  ],
  "properties": {
    "center": {"type": "array", "items": {"type": "number"}, "minItems": 2, "maxItems": 2},
    "radius": {"type": "number", "minimum": 0},
    "units": `+unitsSchema+`,
    "selector": {"type": "object"},
    "type": {"const": "Feature"},
    "geometry": {
      "type": "object",
      "required": ["type", "coordinates"],
      "properties": {"type": {"const": "Point"}}
    },
    "properties": {
      "type": "object",
      "required": ["radius"],
      "properties": {
        "radius": {"type": "number", "minimum": 0},
        "units": `+unitsSchema+`,
        "selector": {"type": "object"}
      }
    }
  }
}`)

var wsMessageSchema = jsonschema.MustCompileString("ws.schema.json", `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["camera", "viewport", "selector", "uniforms", "colormap", "region", "draw"]},
    "camera": {
      "type": "object",
      "required": ["lng", "lat", "zoom"],
      "properties": {"lng": {"type": "number"}, "lat": {"type": "number"}, "zoom": {"type": "number"}}
    },
    "viewport": {
      "type": "object",
      "required": ["width", "height"],
      "properties": {"width": `+viewportSideSchema+`, "height": `+viewportSideSchema+`}
    },
    "selector": {"type": "object"},
    "uniforms": {"type": "object"},
    "colormap": {"type": ["string", "array"]},
    "region": {"type": "object"}
  },
  "allOf": [
    {"if": {"properties": {"type": {"const": "camera"}}}, "then": {"required": ["camera"]}},
    {"if": {"properties": {"type": {"const": "viewport"}}}, "then": {"required": ["viewport"]}},
    {"if": {"properties": {"type": {"const": "selector"}}}, "then": {"required": ["selector"]}},
    {"if": {"properties": {"type": {"const": "uniforms"}}}, "then": {"required": ["uniforms"]}},
    {"if": {"properties": {"type": {"const": "colormap"}}}, "then": {"required": ["colormap"]}},
    {"if": {"properties": {"type": {"const": "region"}}}, "then": {"required": ["region"]}}
  ]
}`)

// validate checks a JSON document against a schema.
func validate(schema *jsonschema.Schema, body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// regionQuery is a parsed region request. Selector is nil when the request
// did not carry one.
type regionQuery struct {
	Region   service.Region
	Selector selector.Selector
}

type plainRegion struct {
	Center   []float64         `json:"center"`
	Radius   float64           `json:"radius"`
	Units    string            `json:"units"`
	Selector selector.Selector `json:"selector"`
}

// parseRegion validates and decodes a region request.
func parseRegion(body []byte) (regionQuery, error) {
	if err := validate(regionSchema, body); err != nil {
		return regionQuery{}, err
	}

	var probe struct {
		Geometry json.RawMessage `json:"geometry"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return regionQuery{}, err
	}
	if probe.Geometry == nil {
		var p plainRegion
		if err := json.Unmarshal(body, &p); err != nil {
			return regionQuery{}, err
		}
		return regionQuery{
			Region:   service.Region{Center: orb.Point{p.Center[0], p.Center[1]}, Radius: p.Radius, Units: p.Units},
			Selector: p.Selector,
		}, nil
	}

	f, err := geojson.UnmarshalFeature(body)
	if err != nil {
		return regionQuery{}, fmt.Errorf("invalid feature: %w", err)
	}
	pt, ok := f.Geometry.(orb.Point)
	if !ok {
		return regionQuery{}, errors.New("region feature must be a point")
	}
	q := regionQuery{Region: service.Region{
		Center: pt,
		Radius: f.Properties.MustFloat64("radius", 0),
		Units:  f.Properties.MustString("units", ""),
	}}
	if sel, ok := f.Properties["selector"].(map[string]any); ok {
		q.Selector = selector.Selector(sel)
	}
	return q, nil
}
