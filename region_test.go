package terrain

import (
	"reflect"
	"testing"
)

func TestCoordsString(t *testing.T) {
	if got := (Coords{X: -1, Y: 3}).String(); got != "(-1,3)" {
		t.Errorf("String() = %q, want %q", got, "(-1,3)")
	}
}

func TestWorldRect(t *testing.T) {
	a := WorldRect{0, 0, 10, 10}
	b := WorldRect{5, 5, 15, 15}

	if a.Empty() {
		t.Error("non-degenerate rect reported empty")
	}
	if !(WorldRect{3, 3, 3, 9}).Empty() {
		t.Error("zero-width rect not reported empty")
	}

	if got := a.Expand(2); got != (WorldRect{-2, -2, 12, 12}) {
		t.Errorf("Expand(2) = %v", got)
	}

	if got := a.Union(b); got != (WorldRect{0, 0, 15, 15}) {
		t.Errorf("Union = %v", got)
	}
	if got := (WorldRect{}).Union(b); got != b {
		t.Errorf("empty Union = %v, want %v", got, b)
	}

	if !a.Overlaps(b) {
		t.Error("overlapping rects reported disjoint")
	}
	if a.Overlaps(WorldRect{10, 0, 20, 10}) {
		t.Error("edge-touching rects reported overlapping")
	}
}

func TestTexelRect(t *testing.T) {
	a := TexelRect{0, 0, 4, 4}
	b := TexelRect{2, 2, 8, 8}

	if got := a.Union(b); got != (TexelRect{0, 0, 8, 8}) {
		t.Errorf("Union = %v", got)
	}
	if got := (TexelRect{}).Union(a); got != a {
		t.Errorf("empty Union = %v, want %v", got, a)
	}
	if got := (TexelRect{-3, 1, 100, 2}).Clamp(16); got != (TexelRect{0, 1, 16, 2}) {
		t.Errorf("Clamp = %v", got)
	}
	if got := fullRect(8); got != (TexelRect{0, 0, 8, 8}) {
		t.Errorf("fullRect = %v", got)
	}
}

func TestRegionAt(t *testing.T) {
	cfg := Config{RegionTexels: 16, TexelSize: 2}.withDefaults() // 32 world units per region

	tests := []struct {
		wx, wy float64
		want   Coords
	}{
		{0, 0, Coords{0, 0}},
		{31.9, 31.9, Coords{0, 0}},
		{32, 0, Coords{1, 0}},
		{-0.1, -0.1, Coords{-1, -1}},
		{-32, 64, Coords{-1, 2}},
	}
	for _, tt := range tests {
		if got := cfg.RegionAt(tt.wx, tt.wy); got != tt.want {
			t.Errorf("RegionAt(%v,%v) = %v, want %v", tt.wx, tt.wy, got, tt.want)
		}
	}
}

func TestRegionsInRowMajor(t *testing.T) {
	cfg := Config{RegionTexels: 16, TexelSize: 1}.withDefaults() // 16 world units per region

	got := cfg.regionsIn(WorldRect{-1, -1, 17, 17})
	want := []Coords{
		{-1, -1}, {0, -1}, {1, -1},
		{-1, 0}, {0, 0}, {1, 0},
		{-1, 1}, {0, 1}, {1, 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("regionsIn = %v, want %v", got, want)
	}

	if cfg.regionsIn(WorldRect{}) != nil {
		t.Error("empty rect should cover no regions")
	}
}

func TestTexelRectIn(t *testing.T) {
	cfg := Config{RegionTexels: 16, TexelSize: 2}.withDefaults()

	// World rect [10,50) x [6,10) against region (0,0) = [0,32) world.
	got := cfg.texelRectIn(Coords{0, 0}, WorldRect{10, 6, 50, 10})
	want := TexelRect{5, 3, 16, 5}
	if got != want {
		t.Errorf("texelRectIn(0,0) = %v, want %v", got, want)
	}

	// The same rect against region (1,0) = [32,64) world.
	got = cfg.texelRectIn(Coords{1, 0}, WorldRect{10, 6, 50, 10})
	want = TexelRect{0, 3, 9, 5}
	if got != want {
		t.Errorf("texelRectIn(1,0) = %v, want %v", got, want)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.RegionTexels != DefaultRegionTexels {
		t.Errorf("RegionTexels = %d, want %d", cfg.RegionTexels, DefaultRegionTexels)
	}
	if cfg.TexelSize != DefaultTexelSize {
		t.Errorf("TexelSize = %v, want %v", cfg.TexelSize, DefaultTexelSize)
	}
	if cfg.MaxInstances != DefaultMaxInstances {
		t.Errorf("MaxInstances = %d, want %d", cfg.MaxInstances, DefaultMaxInstances)
	}
	if cfg.SmoothStrength != 0 {
		t.Error("SmoothStrength should stay zero without smoothing passes")
	}

	smoothed := Config{SmoothPasses: 2}.withDefaults()
	if smoothed.SmoothStrength != DefaultSmoothStrength {
		t.Errorf("SmoothStrength = %v, want %v", smoothed.SmoothStrength, DefaultSmoothStrength)
	}
}
