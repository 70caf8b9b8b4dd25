// Package selector resolves non-spatial dimension selections into bands and
// chunk coordinates.
package selector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Selector pins non-spatial dimensions to a scalar or a list of values.
type Selector map[string]any

// Hash returns the content hash of the selector. Map keys are marshalled in
// sorted order, so equal selectors hash equally whatever their construction.
func (s Selector) Hash() string {
	norm := make(map[string]any, len(s))
	for k, v := range s {
		norm[k] = normalize(v)
	}
	data, err := json.Marshal(norm)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", norm))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a shallow copy with list values copied.
func (s Selector) Clone() Selector {
	out := make(Selector, len(s))
	for k, v := range s {
		if list, ok := AsList(v); ok {
			out[k] = append([]any(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}

// SortedKeys returns the selector's dimensions in lexical order.
func (s Selector) SortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsList reports whether v is list-valued and returns it as []any.
func AsList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []float64:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out, true
	case []int:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out, true
	case []string:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out, true
	}
	return nil, false
}

func normalize(v any) any {
	if list, ok := AsList(v); ok {
		out := make([]any, len(list))
		for i, x := range list {
			out[i] = normalize(x)
		}
		return out
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// Equal compares coordinate values, treating all numeric kinds alike.
func Equal(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb || (math.IsNaN(fa) && math.IsNaN(fb))
	}
	if okA != okB {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// IndexOf returns the position of v in coords, or -1.
func IndexOf(coords []any, v any) int {
	for i, c := range coords {
		if Equal(c, v) {
			return i
		}
	}
	return -1
}

// Label formats a coordinate value for band names and result keys.
func Label(v any) string {
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
