package pyramid

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

func TestPointToTileRoundTrip(t *testing.T) {
	const size = 256
	for z := 0; z <= 5; z++ {
		n := 1 << z
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				lng, lat := CameraToPoint(float64(x)+0.5/size, float64(y)+0.5/size, z)
				got := PointToTile(lng, lat, z)
				want := Key{X: x, Y: y, Z: z}
				if got != want {
					t.Fatalf("round trip at %v: got %v", want, got)
				}
			}
		}
	}
}

func TestPointToCameraInverse(t *testing.T) {
	cases := []struct{ lng, lat float64 }{
		{0, 0}, {-122.4, 37.8}, {179.9, -60}, {-179.9, 80},
	}
	for _, c := range cases {
		x, y := PointToCamera(c.lng, c.lat, 3)
		lng, lat := CameraToPoint(x, y, 3)
		if math.Abs(lng-c.lng) > 1e-9 || math.Abs(lat-c.lat) > 1e-9 {
			t.Errorf("inverse of (%v,%v) = (%v,%v)", c.lng, c.lat, lng, lat)
		}
	}
}

func TestPointToTileWrapsLongitude(t *testing.T) {
	if got := PointToTile(190, 10, 2); got != PointToTile(-170, 10, 2) {
		t.Fatalf("expected wrapped longitude to land on the same tile, got %v", got)
	}
	if got := PointToTile(180, 0, 1); got.X != 0 {
		t.Fatalf("expected lng=180 to wrap to column 0, got %v", got)
	}
}

func TestZoomToLevel(t *testing.T) {
	cases := []struct {
		zoom float64
		max  int
		want int
	}{
		{-1, 5, 0},
		{0, 5, 0},
		{2.99, 5, 2},
		{7.2, 5, 5},
		{math.NaN(), 5, 0},
	}
	for _, c := range cases {
		if got := ZoomToLevel(c.zoom, c.max); got != c.want {
			t.Errorf("ZoomToLevel(%v, %d) = %d, want %d", c.zoom, c.max, got, c.want)
		}
	}
}

func TestKeyRelations(t *testing.T) {
	k := Key{X: 5, Y: 6, Z: 3}
	if a := k.Ancestor(1); a != (Key{X: 1, Y: 1, Z: 1}) {
		t.Fatalf("unexpected ancestor %v", a)
	}
	if !(Key{X: 1, Y: 1, Z: 1}).IsAncestorOf(k) {
		t.Fatal("expected structural ancestor")
	}
	if (Key{X: 0, Y: 1, Z: 1}).IsAncestorOf(k) {
		t.Fatal("sibling subtree reported as ancestor")
	}
	if k.IsAncestorOf(k) {
		t.Fatal("a key is not its own ancestor")
	}
	parsed, err := ParseKey(k.String())
	if err != nil || parsed != k {
		t.Fatalf("ParseKey(%q) = %v, %v", k.String(), parsed, err)
	}
	if _, err := ParseKey("4.0.2"); err == nil {
		t.Fatal("expected out-of-range key to fail")
	}
}

func TestAdjustedOffset(t *testing.T) {
	from := Key{X: 3, Y: 2, Z: 2}
	up := AdjustedOffset(Offset{X: 3, Y: 2}, from, Key{X: 0, Y: 0, Z: 0})
	if up != (Offset{X: 0, Y: 0}) {
		t.Fatalf("unexpected ancestor offset %v", up)
	}
	// west copy of the world
	west := AdjustedOffset(Offset{X: -1, Y: 2}, Key{X: 3, Y: 2, Z: 2}, Key{X: 1, Y: 1, Z: 1})
	if west != (Offset{X: -1, Y: 1}) {
		t.Fatalf("unexpected wrapped ancestor offset %v", west)
	}
	down := AdjustedOffset(Offset{X: -1, Y: 0}, Key{X: 0, Y: 0, Z: 0}, Key{X: 1, Y: 1, Z: 1})
	if down != (Offset{X: -1, Y: 1}) {
		t.Fatalf("unexpected child offset %v", down)
	}
}

func TestSiblingsSingleTile(t *testing.T) {
	v := ViewState{Camera: Camera{Lng: 0, Lat: 0, Zoom: 0}, Viewport: Viewport{Width: 256, Height: 256}, TileSize: 256}
	set := Siblings(Key{Z: 0}, v)
	if len(set) != 1 {
		t.Fatalf("expected one tile, got %v", set)
	}
	if offs := set[Key{Z: 0}]; len(offs) != 1 || offs[0] != (Offset{}) {
		t.Fatalf("unexpected offsets %v", offs)
	}
}

func TestSiblingsWrapsAntimeridian(t *testing.T) {
	v := ViewState{Camera: Camera{Lng: 179, Lat: 0, Zoom: 1}, Viewport: Viewport{Width: 512, Height: 256}, TileSize: 256}
	set := Siblings(PointToTile(179, 0, 1), v)

	offs := set[Key{X: 0, Y: 0, Z: 1}]
	found := false
	for _, o := range offs {
		if o.X == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected column 0 to appear east of the antimeridian, got %v", set)
	}
}

func TestSiblingsRepeatsWorldAtLowZoom(t *testing.T) {
	v := ViewState{Camera: Camera{Lng: 0, Lat: 0, Zoom: 0}, Viewport: Viewport{Width: 1024, Height: 256}, TileSize: 256}
	set := Siblings(Key{Z: 0}, v)
	// tile units -1.5..2.5 touch five copies
	if got := len(set[Key{Z: 0}]); got != 5 {
		t.Fatalf("expected five copies of the world, got %d", got)
	}
}

func TestResolve(t *testing.T) {
	level, set := Resolve(Camera{Lng: -100, Lat: 40, Zoom: 9.5}, Viewport{Width: 10, Height: 10}, 256, 4)
	if level != 4 {
		t.Fatalf("expected clamped level 4, got %d", level)
	}
	home := PointToTile(-100, 40, 4)
	if _, ok := set[home]; !ok {
		t.Fatalf("expected home tile %v in %v", home, set)
	}
}

func TestKeysToRender(t *testing.T) {
	target := Key{X: 2, Y: 1, Z: 2}
	ready := map[Key]bool{{X: 0, Y: 0, Z: 0}: true}
	got := KeysToRender(target, 3, func(k Key) bool { return ready[k] })
	if len(got) != 1 || got[0] != (Key{Z: 0}) {
		t.Fatalf("expected ancestor fallback, got %v", got)
	}

	ready[target] = true
	got = KeysToRender(target, 3, func(k Key) bool { return ready[k] })
	if len(got) != 1 || got[0] != target {
		t.Fatalf("expected the ready key itself, got %v", got)
	}

	got = KeysToRender(Key{X: 1, Y: 1, Z: 1}, 3, func(Key) bool { return false })
	if len(got) != 1 || got[0] != (Key{X: 1, Y: 1, Z: 1}) {
		t.Fatalf("expected key placeholder, got %v", got)
	}
}

func TestDropOverlappedDescendantWins(t *testing.T) {
	child := Entry{Key: Key{X: 1, Y: 0, Z: 1}, Offset: Offset{X: 1, Y: 0}}
	parent := Entry{Key: Key{Z: 0}, Offset: Offset{}}
	otherWorld := Entry{Key: Key{Z: 0}, Offset: Offset{X: 1}}

	got := DropOverlapped([]Entry{parent, child, child, otherWorld})
	if len(got) != 2 {
		t.Fatalf("expected child and the other world copy, got %v", got)
	}
	for _, e := range got {
		if e == parent {
			t.Fatal("ancestor drawn under its descendant")
		}
	}
}

func TestTilesOfBound(t *testing.T) {
	b := geo.NewBoundAroundPoint(orb.Point{0, 0}, 1000)
	keys := TilesOfBound(b, 1)
	if len(keys) != 4 {
		t.Fatalf("expected the four tiles around the origin, got %v", keys)
	}

	wrap := orb.Bound{Min: orb.Point{170, -10}, Max: orb.Point{190, 10}}
	keys = TilesOfBound(wrap, 1)
	cols := map[int]bool{}
	for _, k := range keys {
		cols[k.X] = true
	}
	if !cols[0] || !cols[1] {
		t.Fatalf("expected both columns across the antimeridian, got %v", keys)
	}

	// a bound whose west edge is east of its east edge crosses the antimeridian
	crossing := orb.Bound{Min: orb.Point{170, -10}, Max: orb.Point{-170, 10}}
	keys = TilesOfBound(crossing, 1)
	if len(keys) != 4 {
		t.Fatalf("expected four tiles for a crossing bound, got %v", keys)
	}
}

func TestResolveBoundsHugeViewport(t *testing.T) {
	level, set := Resolve(Camera{Zoom: 8}, Viewport{Width: 1e9, Height: 1e9}, 256, 8)
	if level != 8 {
		t.Fatalf("expected level 8, got %d", level)
	}
	// MaxViewport/256 = 64 tiles per side
	if len(set) > 64*64 {
		t.Fatalf("expected at most %d tiles, got %d", 64*64, len(set))
	}
	occurrences := 0
	for _, offs := range set {
		occurrences += len(offs)
	}
	if occurrences > 64*64 {
		t.Fatalf("expected at most %d occurrences, got %d", 64*64, occurrences)
	}

	_, small := Resolve(Camera{Zoom: 8}, Viewport{Width: MaxViewport, Height: MaxViewport}, 256, 8)
	if len(small) != len(set) {
		t.Fatalf("expected an oversized viewport to match the clamped one, got %d and %d", len(set), len(small))
	}
}
