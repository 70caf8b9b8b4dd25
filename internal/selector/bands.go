package selector

import (
	"fmt"
	"math"
)

// Band is one displayed variable: a name plus the selector pinning every
// list-valued dimension to a single value.
type Band struct {
	Name     string
	Selector Selector
}

// BandInformation expands list-valued dimensions into bands. String values
// name bands directly, other values become "<dim>_<value>"; several list
// dimensions combine as "<band>_<name>". Scalar entries are copied into every
// band. Returns nil when no dimension is list-valued.
func BandInformation(s Selector) []Band {
	var bands []Band
	for _, dim := range s.SortedKeys() {
		values, ok := AsList(s[dim])
		if !ok || len(values) == 0 {
			continue
		}
		names := make([]string, len(values))
		_, named := values[0].(string)
		for i, v := range values {
			if named {
				names[i] = fmt.Sprint(v)
			} else {
				names[i] = dim + "_" + Label(v)
			}
		}

		var next []Band
		for i, name := range names {
			if len(bands) == 0 {
				next = append(next, Band{Name: name, Selector: Selector{dim: values[i]}})
				continue
			}
			for _, b := range bands {
				sel := b.Selector.Clone()
				sel[dim] = values[i]
				next = append(next, Band{Name: b.Name + "_" + name, Selector: sel})
			}
		}
		bands = next
	}

	for i := range bands {
		for dim, v := range s {
			if _, isList := AsList(v); !isList {
				bands[i].Selector[dim] = v
			}
		}
	}
	return bands
}

// Bands returns the band names for a selector, falling back to the variable
// itself when nothing is list-valued.
func Bands(variable string, s Selector) []string {
	info := BandInformation(s)
	if len(info) == 0 {
		return []string{variable}
	}
	names := make([]string, len(info))
	for i, b := range info {
		names[i] = b.Name
	}
	return names
}

// ForBand returns the selector for a named band, or s itself when the band is
// not one produced by BandInformation.
func ForBand(s Selector, band string) Selector {
	for _, b := range BandInformation(s) {
		if b.Name == band {
			return b.Selector
		}
	}
	return s
}

// Grid describes the chunked layout of a source array.
type Grid struct {
	Dimensions  []string         `json:"dimensions"`
	Shape       []int            `json:"shape"`
	Chunks      []int            `json:"chunks"`
	Coordinates map[string][]any `json:"coordinates"`
}

// IsX reports whether dim is the horizontal spatial dimension.
func IsX(dim string) bool { return dim == "x" || dim == "lon" || dim == "longitude" }

// IsY reports whether dim is the vertical spatial dimension.
func IsY(dim string) bool { return dim == "y" || dim == "lat" || dim == "latitude" }

// IsSpatial reports whether dim is x or y.
func IsSpatial(dim string) bool { return IsX(dim) || IsY(dim) }

// NonSpatial returns the positions of non-spatial dimensions.
func (g Grid) NonSpatial() []int {
	var idx []int
	for i, d := range g.Dimensions {
		if !IsSpatial(d) {
			idx = append(idx, i)
		}
	}
	return idx
}

// ChunkCount returns the number of chunks along dimension i.
func (g Grid) ChunkCount(i int) int {
	if g.Chunks[i] <= 0 {
		return 1
	}
	return int(math.Ceil(float64(g.Shape[i]) / float64(g.Chunks[i])))
}

// CoordIndex resolves a selector value to its index along dimension dim.
// The index is always within the dimension's shape.
func (g Grid) CoordIndex(dim string, v any) (int, error) {
	coords, ok := g.Coordinates[dim]
	if !ok {
		// integer positions when the source has no coordinate array
		f, isNum := toFloat(v)
		if !isNum || f != math.Trunc(f) {
			return -1, fmt.Errorf("no coordinates for dimension %q", dim)
		}
		return g.checkIndex(dim, int(f))
	}
	i := IndexOf(coords, v)
	if i < 0 {
		return -1, fmt.Errorf("value %v not found in coordinates of %q", v, dim)
	}
	return g.checkIndex(dim, i)
}

func (g Grid) checkIndex(dim string, idx int) (int, error) {
	for d, name := range g.Dimensions {
		if name != dim || d >= len(g.Shape) {
			continue
		}
		if idx < 0 || idx >= g.Shape[d] {
			return -1, fmt.Errorf("index %d out of range [0, %d) for dimension %q", idx, g.Shape[d], dim)
		}
	}
	return idx, nil
}

// Chunks returns every chunk coordinate needed by s for the tile at (x, y).
// Spatial dimensions map to the tile position; pinned dimensions resolve to
// the chunk holding their coordinate; unconstrained dimensions span all chunks.
func Chunks(s Selector, g Grid, x, y int) ([][]int, error) {
	perDim := make([][]int, len(g.Dimensions))
	for i, dim := range g.Dimensions {
		switch {
		case IsX(dim):
			perDim[i] = []int{x}
			continue
		case IsY(dim):
			perDim[i] = []int{y}
			continue
		}

		var indices []int
		v, pinned := s[dim]
		if list, isList := AsList(v); isList {
			for _, item := range list {
				idx, err := g.CoordIndex(dim, item)
				if err != nil {
					return nil, err
				}
				indices = append(indices, idx)
			}
		} else if pinned && v != nil {
			idx, err := g.CoordIndex(dim, v)
			if err != nil {
				return nil, err
			}
			indices = []int{idx}
		} else {
			for c := 0; c < g.ChunkCount(i); c++ {
				indices = append(indices, c*g.Chunks[i])
			}
		}

		seen := make(map[int]bool)
		for _, idx := range indices {
			c := idx / g.Chunks[i]
			if !seen[c] {
				seen[c] = true
				perDim[i] = append(perDim[i], c)
			}
		}
	}
	return product(perDim), nil
}

func product(perDim [][]int) [][]int {
	out := [][]int{{}}
	for _, options := range perDim {
		var next [][]int
		for _, prefix := range out {
			for _, o := range options {
				c := make([]int, len(prefix), len(prefix)+1)
				copy(c, prefix)
				next = append(next, append(c, o))
			}
		}
		out = next
	}
	return out
}
