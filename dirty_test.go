package terrain

import "testing"

func TestDirtySetMergesRects(t *testing.T) {
	d := newDirtySet()
	c := Coords{1, 2}

	d.markRect(c, TexelRect{0, 0, 4, 4})
	d.markRect(c, TexelRect{8, 8, 16, 16})

	got := d.take()
	if len(got) != 1 {
		t.Fatalf("take() returned %d regions, want 1", len(got))
	}
	if got[c] != (TexelRect{0, 0, 16, 16}) {
		t.Errorf("merged rect = %v, want union", got[c])
	}
}

func TestDirtySetIgnoresEmptyRect(t *testing.T) {
	d := newDirtySet()
	d.markRect(Coords{0, 0}, TexelRect{3, 3, 3, 9})
	if !d.empty() {
		t.Error("empty rect should not dirty a region")
	}
}

func TestDirtySetTakeResets(t *testing.T) {
	d := newDirtySet()
	d.markRegion(Coords{0, 0}, 16)

	if d.empty() {
		t.Fatal("marked set reported empty")
	}
	if got := d.take(); len(got) != 1 {
		t.Fatalf("take() returned %d regions, want 1", len(got))
	}
	if !d.empty() {
		t.Error("set should be empty after take")
	}
	if got := d.take(); len(got) != 0 {
		t.Errorf("second take() returned %d regions, want 0", len(got))
	}
}

func TestDirtySetMarkWorldSpansRegions(t *testing.T) {
	d := newDirtySet()
	cfg := Config{RegionTexels: 16, TexelSize: 1}.withDefaults()

	// 16 world units per region; this rect straddles (0,0) and (1,0).
	d.markWorld(cfg, WorldRect{12, 2, 20, 6})

	got := d.take()
	if len(got) != 2 {
		t.Fatalf("take() returned %d regions, want 2", len(got))
	}
	if r := got[(Coords{0, 0})]; r != (TexelRect{12, 2, 16, 6}) {
		t.Errorf("region (0,0) rect = %v", r)
	}
	if r := got[(Coords{1, 0})]; r != (TexelRect{0, 2, 4, 6}) {
		t.Errorf("region (1,0) rect = %v", r)
	}
}
