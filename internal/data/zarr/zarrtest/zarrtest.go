// Package zarrtest writes small Zarr v2 pyramids for tests.
package zarrtest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Dim is an extra non-spatial dimension placed before y and x.
type Dim struct {
	Name   string
	Coords []float64
	Chunk  int
}

// Spec describes a fixture pyramid.
type Spec struct {
	Variable     string
	MaxZoom      int
	TileSize     int
	Dims         []Dim
	Compressor   string // "", "zlib" or "zstd"
	FillValue    float64
	Consolidated bool
	// Value returns the sample at a level and full-array index (dims..., y, x).
	Value func(level int, idx []int) float32
	// Skip drops a chunk from the store so it reads as fill.
	Skip func(level int, coord []int) bool
}

// Setter receives the fixture objects.
type Setter interface {
	Set(key string, data []byte)
}

// Write writes the pyramid into s.
func Write(s Setter, spec Spec) error {
	if spec.Value == nil {
		spec.Value = func(level int, idx []int) float32 {
			return float32(level*1000 + idx[len(idx)-2]*10 + idx[len(idx)-1])
		}
	}

	objects := make(map[string][]byte)
	put := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		objects[key] = data
		return nil
	}

	var datasets []map[string]any
	for z := 0; z <= spec.MaxZoom; z++ {
		datasets = append(datasets, map[string]any{"path": strconv.Itoa(z), "pixels_per_tile": spec.TileSize})
	}
	if err := put(".zattrs", map[string]any{"multiscales": []any{map[string]any{"datasets": datasets}}}); err != nil {
		return err
	}
	if err := put(".zgroup", map[string]any{"zarr_format": 2}); err != nil {
		return err
	}

	dimNames := []string{}
	for _, d := range spec.Dims {
		dimNames = append(dimNames, d.Name)
	}
	dimNames = append(dimNames, "y", "x")

	for z := 0; z <= spec.MaxZoom; z++ {
		side := spec.TileSize << z
		shape := []int{}
		chunks := []int{}
		for _, d := range spec.Dims {
			shape = append(shape, len(d.Coords))
			chunks = append(chunks, d.Chunk)
		}
		shape = append(shape, side, side)
		chunks = append(chunks, spec.TileSize, spec.TileSize)

		arr := fmt.Sprintf("%d/%s", z, spec.Variable)
		if err := put(arr+"/.zarray", zarray(shape, chunks, "<f4", spec.Compressor, spec.FillValue)); err != nil {
			return err
		}
		if err := put(arr+"/.zattrs", map[string]any{"_ARRAY_DIMENSIONS": dimNames}); err != nil {
			return err
		}

		counts := make([]int, len(shape))
		for i := range shape {
			counts[i] = (shape[i] + chunks[i] - 1) / chunks[i]
		}
		for _, coord := range grid(counts) {
			if spec.Skip != nil && spec.Skip(z, coord) {
				continue
			}
			n := 1
			for _, c := range chunks {
				n *= c
			}
			values := make([]float32, n)
			for i := range values {
				local := unravel(i, chunks)
				global := make([]int, len(local))
				for d := range local {
					global[d] = coord[d]*chunks[d] + local[d]
				}
				values[i] = spec.Value(z, global)
			}
			payload, err := compress(spec.Compressor, encode(values))
			if err != nil {
				return err
			}
			objects[arr+"/"+join(coord)] = payload
		}

		if z == 0 {
			for _, d := range spec.Dims {
				carr := fmt.Sprintf("%d/%s", z, d.Name)
				if err := put(carr+"/.zarray", zarray([]int{len(d.Coords)}, []int{len(d.Coords)}, "<f8", "", 0)); err != nil {
					return err
				}
				if err := put(carr+"/.zattrs", map[string]any{"_ARRAY_DIMENSIONS": []string{d.Name}}); err != nil {
					return err
				}
				buf := make([]byte, 8*len(d.Coords))
				for i, v := range d.Coords {
					binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
				}
				objects[carr+"/0"] = buf
			}
		}
	}

	if spec.Consolidated {
		meta := make(map[string]json.RawMessage)
		for k, v := range objects {
			if strings.HasSuffix(k, ".zarray") || strings.HasSuffix(k, ".zattrs") || strings.HasSuffix(k, ".zgroup") {
				meta[k] = v
			}
		}
		data, err := json.Marshal(map[string]any{"metadata": meta, "zarr_consolidated_format": 1})
		if err != nil {
			return err
		}
		objects[".zmetadata"] = data
	}

	for k, v := range objects {
		s.Set(k, v)
	}
	return nil
}

func zarray(shape, chunks []int, dtype, compressor string, fill float64) map[string]any {
	m := map[string]any{
		"chunks":      chunks,
		"compressor":  nil,
		"dtype":       dtype,
		"fill_value":  fill,
		"filters":     nil,
		"order":       "C",
		"shape":       shape,
		"zarr_format": 2,
	}
	if math.IsNaN(fill) {
		m["fill_value"] = "NaN"
	}
	if compressor != "" {
		m["compressor"] = map[string]any{"id": compressor, "level": 1}
	}
	return m
}

func encode(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func compress(codec string, data []byte) ([]byte, error) {
	switch codec {
	case "":
		return data, nil
	case "zlib":
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unsupported fixture compressor %q", codec)
}

func grid(counts []int) [][]int {
	out := [][]int{{}}
	for _, n := range counts {
		var next [][]int
		for _, prefix := range out {
			for i := 0; i < n; i++ {
				c := append(append([]int(nil), prefix...), i)
				next = append(next, c)
			}
		}
		out = next
	}
	return out
}

func unravel(i int, shape []int) []int {
	idx := make([]int, len(shape))
	for d := len(shape) - 1; d >= 0; d-- {
		idx[d] = i % shape[d]
		i /= shape[d]
	}
	return idx
}

func join(coord []int) string {
	parts := make([]string, len(coord))
	for i, c := range coord {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ".")
}
