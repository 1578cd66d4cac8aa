package terrain

import "sync"

// dirtySet accumulates the regions needing regeneration and the texel
// rect affected within each. Rects are merged by union; regeneration
// granularity is per-region, the rect bounds partial work such as
// smoothing and edit re-application.
type dirtySet struct {
	mu      sync.Mutex
	regions map[Coords]TexelRect
}

func newDirtySet() *dirtySet {
	return &dirtySet{regions: make(map[Coords]TexelRect)}
}

// markRect merges a texel rect into a region's dirty area.
func (d *dirtySet) markRect(c Coords, r TexelRect) {
	if r.Empty() {
		return
	}
	d.mu.Lock()
	d.regions[c] = d.regions[c].Union(r)
	d.mu.Unlock()
}

// markRegion dirties a region's whole grid.
func (d *dirtySet) markRegion(c Coords, size int) {
	d.markRect(c, fullRect(size))
}

// markWorld dirties every region overlapping a world rect.
func (d *dirtySet) markWorld(cfg Config, r WorldRect) {
	for _, c := range cfg.regionsIn(r) {
		d.markRect(c, cfg.texelRectIn(c, r))
	}
}

// take returns the accumulated dirty state and resets the set.
func (d *dirtySet) take() map[Coords]TexelRect {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.regions
	d.regions = make(map[Coords]TexelRect)
	return out
}

// empty reports whether nothing is marked.
func (d *dirtySet) empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regions) == 0
}
