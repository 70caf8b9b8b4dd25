package pyramid

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxLatitude is the web-mercator latitude limit.
const MaxLatitude = 85.05112877980659

// WrapLongitude folds lng into [-180, 180).
func WrapLongitude(lng float64) float64 {
	w := math.Mod(lng+180, 360)
	if w < 0 {
		w += 360
	}
	return w - 180
}

func clampLatitude(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}

// PointToTile returns the tile at level z containing the point.
func PointToTile(lng, lat float64, z int) Key {
	t := maptile.At(orb.Point{WrapLongitude(lng), clampLatitude(lat)}, maptile.Zoom(z))
	n := 1 << z
	k := Key{X: int(t.X), Y: int(t.Y), Z: z}
	if k.X >= n {
		k.X = n - 1
	}
	if k.Y >= n {
		k.Y = n - 1
	}
	return k
}

// PointToCamera projects a point into tile units at level z. The integer part
// of each axis is the tile index and the fractional part the normalized
// tile-local position. Longitude is not wrapped, so points east of the
// antimeridian land past 2^z.
func PointToCamera(lng, lat float64, z int) (x, y float64) {
	n := float64(int(1) << z)
	lat = clampLatitude(lat) * math.Pi / 180
	x = (lng + 180) / 360 * n
	y = (1 - math.Log(math.Tan(lat)+1/math.Cos(lat))/math.Pi) / 2 * n
	return x, y
}

// CameraToPoint is the inverse of PointToCamera.
func CameraToPoint(x, y float64, z int) (lng, lat float64) {
	n := float64(int(1) << z)
	lng = 360*x/n - 180
	lat = math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180 / math.Pi
	return lng, lat
}

// ZoomToLevel clamps a continuous zoom to an integer pyramid level.
func ZoomToLevel(zoom float64, maxZoom int) int {
	if math.IsNaN(zoom) || zoom < 0 {
		return 0
	}
	level := int(math.Floor(zoom))
	if level > maxZoom {
		return maxZoom
	}
	return level
}

// TilesOfBound returns every tile at level z intersecting the bound. Bounds
// extending past the antimeridian wrap onto the tiles on the other side.
func TilesOfBound(b orb.Bound, z int) []Key {
	n := 1 << z
	x0, y0 := PointToCamera(b.Min.Lon(), b.Max.Lat(), z)
	x1, y1 := PointToCamera(b.Max.Lon(), b.Min.Lat(), z)
	if x1 < x0 {
		// bound crossing the antimeridian
		x1 += float64(n)
	}

	minX, maxX := int(math.Floor(x0)), int(math.Floor(x1))
	if maxX-minX >= n {
		minX, maxX = 0, n-1
	}
	minY := max(0, int(math.Floor(y0)))
	maxY := min(n-1, int(math.Floor(y1)))

	seen := make(map[Key]bool)
	var keys []Key
	for tx := minX; tx <= maxX; tx++ {
		for ty := minY; ty <= maxY; ty++ {
			k := Key{X: mod(tx, n), Y: ty, Z: z}
			if seen[k] {
				continue
			}
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
