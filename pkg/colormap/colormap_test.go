package colormap

import (
	"image/color"
	"reflect"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c, ok := ByName("viridis")
	if !ok {
		t.Fatal("viridis not registered")
	}
	if got := c.At(-1); got != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected At(-1): %#v", got)
	}
	if got := c.At(2); got != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected At(2): %#v", got)
	}
}

func TestFromRGB(t *testing.T) {
	t.Parallel()

	c, err := FromRGB([][3]uint8{{0, 0, 0}, {200, 100, 50}})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.At(0.5); got != (color.RGBA{R: 100, G: 50, B: 25, A: 255}) {
		t.Fatalf("unexpected midpoint %#v", got)
	}
	if _, err := FromRGB([][3]uint8{{1, 2, 3}}); err == nil {
		t.Fatal("expected an error for a single color")
	}
}

func TestNames(t *testing.T) {
	t.Parallel()

	want := []string{"greys", "inferno", "magma", "plasma", "viridis"}
	if got := Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected names %v", got)
	}
}
