// Package zarr reads chunked array pyramids stored in Zarr v2 or v3 format.
package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/gridtiles/server/internal/chunk"
	"github.com/gridtiles/server/internal/data/store"
)

// ZarrV2ArrayMeta represents Zarr v2 array metadata (.zarray).
type ZarrV2ArrayMeta struct {
	Chunks     []int           `json:"chunks"`
	Compressor *CompressorMeta `json:"compressor"`
	DType      string          `json:"dtype"`
	FillValue  json.RawMessage `json:"fill_value"`
	Filters    []any           `json:"filters"`
	Order      string          `json:"order"`
	Shape      []int           `json:"shape"`
	Separator  string          `json:"dimension_separator"`
	ZarrFormat int             `json:"zarr_format"`
}

// CompressorMeta is a numcodecs compressor description.
type CompressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue      json.RawMessage `json:"fill_value"`
	Codecs         []CodecMeta     `json:"codecs"`
	DimensionNames []string        `json:"dimension_names"`
	Attributes     map[string]any  `json:"attributes"`
	ZarrFormat     int             `json:"zarr_format"`
	NodeType       string          `json:"node_type"`
}

// CodecMeta is one entry of a v3 codec pipeline.
type CodecMeta struct {
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration"`
}

// ArrayMeta is the format-independent view of an array used for decoding.
type ArrayMeta struct {
	Version    int
	Shape      []int
	Chunks     []int
	DType      DType
	FillValue  float64
	Dimensions []string

	keyPrefix string
	separator string
	codecs    []string
}

// DType describes the element encoding of an array.
type DType struct {
	Kind  byte // 'f', 'i', 'u', 'b', 'S' or 'U'
	Size  int
	Order binary.ByteOrder
}

// ParseV2DType parses a numpy type string such as "<f4" or "|u1".
func ParseV2DType(s string) (DType, error) {
	if len(s) < 3 {
		return DType{}, fmt.Errorf("unsupported zarr dtype: %q", s)
	}
	dt := DType{Kind: s[1], Order: binary.LittleEndian}
	if s[0] == '>' {
		dt.Order = binary.BigEndian
	}
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return DType{}, fmt.Errorf("unsupported zarr dtype: %q", s)
	}
	dt.Size = size
	switch dt.Kind {
	case 'f', 'i', 'u', 'b', 'S':
	case 'U':
		dt.Size = size * 4
	default:
		return DType{}, fmt.Errorf("unsupported zarr dtype: %q", s)
	}
	return dt, nil
}

// ParseV3DataType parses a v3 data_type name such as "float32".
func ParseV3DataType(s string) (DType, error) {
	switch s {
	case "bool":
		return DType{Kind: 'b', Size: 1, Order: binary.LittleEndian}, nil
	case "int8", "int16", "int32", "int64":
		n, _ := strconv.Atoi(strings.TrimPrefix(s, "int"))
		return DType{Kind: 'i', Size: n / 8, Order: binary.LittleEndian}, nil
	case "uint8", "uint16", "uint32", "uint64":
		n, _ := strconv.Atoi(strings.TrimPrefix(s, "uint"))
		return DType{Kind: 'u', Size: n / 8, Order: binary.LittleEndian}, nil
	case "float32", "float64":
		n, _ := strconv.Atoi(strings.TrimPrefix(s, "float"))
		return DType{Kind: 'f', Size: n / 8, Order: binary.LittleEndian}, nil
	}
	return DType{}, fmt.Errorf("unsupported zarr data_type: %s", s)
}

func parseFillValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unsupported fill_value: %s", raw)
	}
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	// string arrays fill with empty strings
	return 0, nil
}

func readJSON(ctx context.Context, st store.Store, consolidated map[string]json.RawMessage, key string, v any) error {
	if raw, ok := consolidated[key]; ok {
		return json.Unmarshal(raw, v)
	}
	data, err := st.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ReadArrayMeta loads the metadata of the array at arrayPath, trying v2
// (.zarray) first and then v3 (zarr.json).
func ReadArrayMeta(ctx context.Context, st store.Store, consolidated map[string]json.RawMessage, arrayPath string) (*ArrayMeta, error) {
	var v2 ZarrV2ArrayMeta
	err := readJSON(ctx, st, consolidated, path.Join(arrayPath, ".zarray"), &v2)
	if err == nil {
		return fromV2(ctx, st, consolidated, arrayPath, &v2)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to read %s/.zarray: %w", arrayPath, err)
	}

	var v3 ZarrV3ArrayMeta
	if err := readJSON(ctx, st, consolidated, path.Join(arrayPath, "zarr.json"), &v3); err != nil {
		return nil, fmt.Errorf("failed to read array metadata for %s: %w", arrayPath, err)
	}
	return fromV3(arrayPath, &v3)
}

func fromV2(ctx context.Context, st store.Store, consolidated map[string]json.RawMessage, arrayPath string, m *ZarrV2ArrayMeta) (*ArrayMeta, error) {
	if m.Order != "" && m.Order != "C" {
		return nil, fmt.Errorf("unsupported zarr order %q for %s", m.Order, arrayPath)
	}
	if len(m.Filters) > 0 {
		return nil, fmt.Errorf("unsupported zarr filters for %s", arrayPath)
	}
	dt, err := ParseV2DType(m.DType)
	if err != nil {
		return nil, err
	}
	fill, err := parseFillValue(m.FillValue)
	if err != nil {
		return nil, err
	}
	sep := m.Separator
	if sep == "" {
		sep = "."
	}
	meta := &ArrayMeta{
		Version:   2,
		Shape:     m.Shape,
		Chunks:    m.Chunks,
		DType:     dt,
		FillValue: fill,
		keyPrefix: prefixOf(arrayPath),
		separator: sep,
	}
	if m.Compressor != nil {
		meta.codecs = []string{m.Compressor.ID}
	}

	var attrs struct {
		Dimensions []string `json:"_ARRAY_DIMENSIONS"`
	}
	if err := readJSON(ctx, st, consolidated, path.Join(arrayPath, ".zattrs"), &attrs); err == nil {
		meta.Dimensions = attrs.Dimensions
	}
	return meta, validate(arrayPath, meta)
}

func fromV3(arrayPath string, m *ZarrV3ArrayMeta) (*ArrayMeta, error) {
	dt, err := ParseV3DataType(m.DataType)
	if err != nil {
		return nil, err
	}
	fill, err := parseFillValue(m.FillValue)
	if err != nil {
		return nil, err
	}

	meta := &ArrayMeta{
		Version:    3,
		Shape:      m.Shape,
		Chunks:     m.ChunkGrid.Configuration.ChunkShape,
		FillValue:  fill,
		Dimensions: m.DimensionNames,
	}
	sep := m.ChunkKeyEncoding.Configuration.Separator
	if m.ChunkKeyEncoding.Name == "v2" {
		if sep == "" {
			sep = "."
		}
		meta.keyPrefix = prefixOf(arrayPath)
	} else {
		if sep == "" {
			sep = "/"
		}
		meta.keyPrefix = prefixOf(arrayPath) + "c" + sep
	}
	meta.separator = sep

	for _, c := range m.Codecs {
		switch c.Name {
		case "bytes":
			if endian, _ := c.Configuration["endian"].(string); endian == "big" {
				dt.Order = binary.BigEndian
			}
		case "transpose", "sharding_indexed":
			return nil, fmt.Errorf("unsupported zarr codec %q for %s", c.Name, arrayPath)
		default:
			meta.codecs = append(meta.codecs, c.Name)
		}
	}
	meta.DType = dt
	return meta, validate(arrayPath, meta)
}

func validate(arrayPath string, m *ArrayMeta) error {
	if len(m.Shape) == 0 || len(m.Chunks) == 0 {
		return fmt.Errorf("invalid zarr metadata for %s: missing shape/chunks", arrayPath)
	}
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("invalid zarr metadata for %s: shape dims (%d) != chunk dims (%d)", arrayPath, len(m.Shape), len(m.Chunks))
	}
	for d, c := range m.Chunks {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	if m.Dimensions != nil && len(m.Dimensions) != len(m.Shape) {
		return fmt.Errorf("invalid zarr metadata for %s: %d dimension names for %d dims", arrayPath, len(m.Dimensions), len(m.Shape))
	}
	return nil
}

// ChunkKey returns the store key of the chunk at coord.
func (m *ArrayMeta) ChunkKey(coord chunk.Coord) string {
	return m.keyPrefix + coord.Join(m.separator)
}

// ChunkCount returns the number of chunks along dimension d.
func (m *ArrayMeta) ChunkCount(d int) int {
	return ceilDiv(m.Shape[d], m.Chunks[d])
}

func prefixOf(arrayPath string) string {
	if arrayPath == "" {
		return ""
	}
	return arrayPath + "/"
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
