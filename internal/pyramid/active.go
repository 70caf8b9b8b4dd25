package pyramid

import (
	"math"
	"sort"
)

// Camera is the map camera supplied by the client.
type Camera struct {
	Lng  float64 `json:"lng"`
	Lat  float64 `json:"lat"`
	Zoom float64 `json:"zoom"`
}

// Viewport is the drawing surface size in pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ViewState carries everything needed to enumerate visible tiles.
type ViewState struct {
	Camera   Camera
	Viewport Viewport
	TileSize int
}

// PixelsPerTile is the on-screen size of one tile at level z.
func (v ViewState) PixelsPerTile(z int) float64 {
	return float64(v.TileSize) * math.Pow(2, v.Camera.Zoom-float64(z))
}

// ActiveSet maps each visible tile to every offset at which it appears.
type ActiveSet map[Key][]Offset

// Keys returns the active keys ordered by level, row, then column.
func (a ActiveSet) Keys() []Key {
	keys := make([]Key, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
}

// MaxViewport bounds each viewport side in pixels.
const MaxViewport = 16384

// Siblings enumerates every on-screen occurrence of every tile at tile's level
// that intersects the viewport, including copies wrapped across the
// antimeridian. tile itself is always present. Viewport sides are clamped to
// MaxViewport.
func Siblings(tile Key, v ViewState) ActiveSet {
	n := 1 << tile.Z
	cx, cy := PointToCamera(WrapLongitude(v.Camera.Lng), v.Camera.Lat, tile.Z)

	ppt := v.PixelsPerTile(tile.Z)
	if ppt <= 0 || math.IsInf(ppt, 0) || math.IsNaN(ppt) {
		ppt = float64(v.TileSize)
	}
	halfW := clampSide(v.Viewport.Width) / 2 / ppt
	halfH := clampSide(v.Viewport.Height) / 2 / ppt

	minX, maxX := span(cx, halfW)
	minY, maxY := span(cy, halfH)
	minY = max(0, minY)
	maxY = min(n-1, maxY)
	// a viewport wider than many worlds is capped to what can still be seen
	if maxX-minX > 4*n {
		center := int(math.Floor(cx))
		minX, maxX = center-2*n, center+2*n
	}

	set := make(ActiveSet)
	for ty := minY; ty <= maxY; ty++ {
		for tx := minX; tx <= maxX; tx++ {
			k := Key{X: mod(tx, n), Y: ty, Z: tile.Z}
			set[k] = append(set[k], Offset{X: tx, Y: ty})
		}
	}
	if _, ok := set[tile]; !ok {
		set[tile] = []Offset{{X: tile.X, Y: tile.Y}}
	}
	return set
}

func clampSide(px float64) float64 {
	if math.IsNaN(px) || px < 0 {
		return 0
	}
	return min(px, MaxViewport)
}

func span(center, half float64) (int, int) {
	lo := int(math.Floor(center - half))
	hi := int(math.Ceil(center+half)) - 1
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Resolve computes the level for the camera and the active set at that level.
func Resolve(camera Camera, viewport Viewport, tileSize, maxZoom int) (int, ActiveSet) {
	level := ZoomToLevel(camera.Zoom, maxZoom)
	home := PointToTile(camera.Lng, camera.Lat, level)
	return level, Siblings(home, ViewState{Camera: camera, Viewport: viewport, TileSize: tileSize})
}

// KeysToRender picks the tiles to draw for a target key: the key itself when
// ready, otherwise any ready children plus the nearest ready ancestor. When
// nothing is ready the key is returned so its placeholder buffers are drawn.
func KeysToRender(key Key, maxZoom int, ready func(Key) bool) []Key {
	if ready(key) {
		return []Key{key}
	}
	var keys []Key
	if key.Z < maxZoom {
		for _, c := range key.Children() {
			if ready(c) {
				keys = append(keys, c)
			}
		}
	}
	for p, ok := key.Parent(); ok; p, ok = p.Parent() {
		if ready(p) {
			keys = append(keys, p)
			break
		}
	}
	if len(keys) == 0 {
		return []Key{key}
	}
	return keys
}

// Entry is one tile drawn at one offset.
type Entry struct {
	Key    Key
	Offset Offset
}

// DropOverlapped removes duplicate entries and every entry covered by one of
// its descendants drawn at the same place. Descendants win: an ancestor that
// overlaps any descendant is dropped entirely.
func DropOverlapped(entries []Entry) []Entry {
	seen := make(map[Entry]bool, len(entries))
	uniq := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if seen[e] {
			continue
		}
		seen[e] = true
		uniq = append(uniq, e)
	}

	out := uniq[:0:0]
	for _, e := range uniq {
		if !hasOverlappingDescendant(e, uniq) {
			out = append(out, e)
		}
	}
	return out
}

func hasOverlappingDescendant(e Entry, entries []Entry) bool {
	for _, d := range entries {
		if e.Key.IsAncestorOf(d.Key) && AdjustedOffset(d.Offset, d.Key, e.Key) == e.Offset {
			return true
		}
	}
	return false
}
