// Package pyramid implements quad-tree tile addressing over the web-mercator
// pyramid: tile keys, point/camera conversions and visible tile resolution.
package pyramid

import (
	"fmt"
	"strconv"
	"strings"
)

// Key addresses one tile of the pyramid.
type Key struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// String returns the "x.y.z" form used as a hash key.
func (k Key) String() string {
	return strconv.Itoa(k.X) + "." + strconv.Itoa(k.Y) + "." + strconv.Itoa(k.Z)
}

// ParseKey parses the "x.y.z" form.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid tile key %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, fmt.Errorf("invalid tile key %q: %w", s, err)
		}
		v[i] = n
	}
	k := Key{X: v[0], Y: v[1], Z: v[2]}
	if !k.Valid() {
		return Key{}, fmt.Errorf("tile key %q outside the pyramid", s)
	}
	return k, nil
}

// Valid reports whether 0 <= x,y < 2^z.
func (k Key) Valid() bool {
	if k.Z < 0 || k.Z > 30 {
		return false
	}
	n := 1 << k.Z
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

// Ancestor returns the tile at level z containing k. z must not exceed k.Z.
func (k Key) Ancestor(z int) Key {
	d := k.Z - z
	if d <= 0 {
		return k
	}
	return Key{X: k.X >> d, Y: k.Y >> d, Z: z}
}

// Parent returns the tile one level up; false at level 0.
func (k Key) Parent() (Key, bool) {
	if k.Z == 0 {
		return k, false
	}
	return k.Ancestor(k.Z - 1), true
}

// Children returns the four tiles one level down, row-major.
func (k Key) Children() [4]Key {
	x, y, z := k.X*2, k.Y*2, k.Z+1
	return [4]Key{
		{X: x, Y: y, Z: z},
		{X: x + 1, Y: y, Z: z},
		{X: x, Y: y + 1, Z: z},
		{X: x + 1, Y: y + 1, Z: z},
	}
}

// IsAncestorOf reports whether k strictly contains o.
func (k Key) IsAncestorOf(o Key) bool {
	if k.Z >= o.Z {
		return false
	}
	return o.Ancestor(k.Z) == k
}

// Offset is the unwrapped tile-grid position at which a tile is drawn. X may
// fall outside [0, 2^z) for copies of the world east or west of the primary one.
type Offset struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// AdjustedOffset rescales an offset computed for from so that it addresses
// to. Walking up floors by the level difference, walking down scales and adds
// the child's position inside from.
func AdjustedOffset(o Offset, from, to Key) Offset {
	d := from.Z - to.Z
	switch {
	case d > 0:
		return Offset{X: floorDiv(o.X, 1<<d), Y: floorDiv(o.Y, 1<<d)}
	case d < 0:
		f := 1 << -d
		return Offset{
			X: o.X*f + (to.X - from.X*f),
			Y: o.Y*f + (to.Y - from.Y*f),
		}
	}
	return o
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
