package selector

import (
	"reflect"
	"testing"
)

func TestHashIsContentBased(t *testing.T) {
	a := Selector{"time": 3, "band": []any{"tavg", "prec"}}
	b := Selector{"band": []string{"tavg", "prec"}, "time": 3.0}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected equal hashes for equal content")
	}
	if a.Hash() == (Selector{"time": 4}).Hash() {
		t.Fatalf("expected different hashes for different content")
	}
	if (Selector{}).Hash() != Selector(nil).Hash() {
		t.Fatalf("empty and nil selectors should hash equally")
	}
}

func TestBandInformation(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		if got := Bands("tavg", Selector{"month": 1}); !reflect.DeepEqual(got, []string{"tavg"}) {
			t.Fatalf("expected variable fallback, got %v", got)
		}
	})

	t.Run("strings", func(t *testing.T) {
		got := Bands("climate", Selector{"band": []any{"tavg", "prec"}})
		if !reflect.DeepEqual(got, []string{"tavg", "prec"}) {
			t.Fatalf("unexpected bands %v", got)
		}
	})

	t.Run("numbers", func(t *testing.T) {
		got := Bands("climate", Selector{"month": []any{1.0, 2.0}})
		if !reflect.DeepEqual(got, []string{"month_1", "month_2"}) {
			t.Fatalf("unexpected bands %v", got)
		}
	})

	t.Run("combined", func(t *testing.T) {
		info := BandInformation(Selector{"band": []any{"tavg"}, "month": []any{1, 2}, "year": 2020})
		var names []string
		for _, b := range info {
			names = append(names, b.Name)
			if b.Selector["year"] != 2020 {
				t.Errorf("band %s lost scalar entry: %v", b.Name, b.Selector)
			}
		}
		if !reflect.DeepEqual(names, []string{"tavg_month_1", "tavg_month_2"}) {
			t.Fatalf("unexpected bands %v", names)
		}
		if info[1].Selector["month"] != 2 || info[1].Selector["band"] != "tavg" {
			t.Fatalf("unexpected band selector %v", info[1].Selector)
		}
	})
}

func TestChunks(t *testing.T) {
	g := Grid{
		Dimensions:  []string{"month", "band", "y", "x"},
		Shape:       []int{12, 2, 512, 512},
		Chunks:      []int{4, 2, 128, 128},
		Coordinates: map[string][]any{"month": {1.0, 2.0, 3.0, 4.0, 5.0, 6.0, 7.0, 8.0, 9.0, 10.0, 11.0, 12.0}, "band": {"tavg", "prec"}},
	}

	t.Run("pinned", func(t *testing.T) {
		got, err := Chunks(Selector{"month": 6, "band": "prec"}, g, 3, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, [][]int{{1, 0, 1, 3}}) {
			t.Fatalf("unexpected chunks %v", got)
		}
	})

	t.Run("list", func(t *testing.T) {
		got, err := Chunks(Selector{"month": []any{1, 2, 9}, "band": "tavg"}, g, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, [][]int{{0, 0, 0, 0}, {2, 0, 0, 0}}) {
			t.Fatalf("unexpected chunks %v", got)
		}
	})

	t.Run("unconstrained", func(t *testing.T) {
		got, err := Chunks(Selector{}, g, 1, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("expected every month chunk, got %v", got)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := Chunks(Selector{"month": 13}, g, 0, 0); err == nil {
			t.Fatal("expected error for a value outside the coordinates")
		}
	})
}

func TestEqual(t *testing.T) {
	if !Equal(3, 3.0) || Equal("3", 3) || !Equal("a", "a") {
		t.Fatal("unexpected coordinate equality")
	}
}

func TestCoordIndexBounds(t *testing.T) {
	g := Grid{Dimensions: []string{"time", "y", "x"}, Shape: []int{3, 2, 2}, Chunks: []int{2, 2, 2}}

	for _, v := range []any{-1, 3, 3.0, 7} {
		if idx, err := g.CoordIndex("time", v); err == nil {
			t.Fatalf("expected %v to be out of range, got index %d", v, idx)
		}
		if _, err := Chunks(Selector{"time": v}, g, 0, 0); err == nil {
			t.Fatalf("expected Chunks to reject %v", v)
		}
	}
	if idx, err := g.CoordIndex("time", 2); err != nil || idx != 2 {
		t.Fatalf("expected index 2, got %d (%v)", idx, err)
	}
}
