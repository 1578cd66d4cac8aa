package terrain

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/gogpu/terrain/backend"
	"github.com/gogpu/terrain/backend/cpu"
	"github.com/gogpu/terrain/sched"
	"github.com/gogpu/terrain/shader"
)

// testConfig keeps regions small enough that full regeneration fits in
// a handful of scheduler ticks.
func testConfig() Config {
	return Config{
		RegionTexels:    16,
		BaseElevation:   10,
		MaxInstances:    64,
		PlacementStride: 4,
		PlacementSeed:   7,
	}
}

func newCPUTerrain(t *testing.T, cfg Config) *Terrain {
	t.Helper()
	be := cpu.New()
	tr, err := NewWithBackend(cfg, be)
	if err != nil {
		be.Close()
		t.Fatalf("NewWithBackend: %v", err)
	}
	t.Cleanup(func() {
		tr.Close()
		be.Close()
	})
	return tr
}

// regenerate marks a world rect dirty and drains the resulting work.
func regenerate(t *testing.T, tr *Terrain, r WorldRect) {
	t.Helper()
	tr.MarkWorldDirty(r)
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func fullRegion() WorldRect { return WorldRect{0, 0, 16, 16} }

func TestGenerateFlatRegion(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	regenerate(t, tr, fullRegion())

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	if len(elev) != 16*16 {
		t.Fatalf("len(elevation) = %d, want %d", len(elev), 16*16)
	}
	for i, v := range elev {
		if v != 10 {
			t.Fatalf("elevation[%d] = %v, want base 10", i, v)
		}
	}

	mats, err := tr.Materials(Coords{0, 0})
	if err != nil {
		t.Fatalf("Materials: %v", err)
	}
	for i, v := range mats {
		if v != 0 {
			t.Fatalf("material[%d] = %#x, want 0", i, v)
		}
	}

	if !tr.Idle() {
		t.Error("session should be idle after drain")
	}
}

func TestFlatRegionPlacement(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	regenerate(t, tr, fullRegion())

	inst, err := tr.Instances(Coords{0, 0})
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	// 16 texels at stride 4 gives a 4x4 candidate grid, all flat and
	// unexcluded.
	if len(inst) != 16 {
		t.Fatalf("len(instances) = %d, want 16", len(inst))
	}
	for i, in := range inst {
		if in.Z != 10 {
			t.Errorf("instance %d Z = %v, want surface 10", i, in.Z)
		}
		if in.X < -0.5 || in.X >= 16 || in.Y < -0.5 || in.Y >= 16 {
			t.Errorf("instance %d at (%v, %v) outside region", i, in.X, in.Y)
		}
	}
}

func TestElevationLayerRaisesFootprint(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	tr.AddLayer(NewElevationLayer("ridge", WorldRect{0, 0, 8, 16}, BlendAdd, 5))
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	// A hard-edged footprint covers texels whose distance to the rect
	// is zero, so column 8 sits on the boundary and is still inside.
	for _, tc := range []struct {
		x    int
		want float32
	}{
		{0, 15}, {8, 15}, {9, 10}, {15, 10},
	} {
		if got := elev[tc.x]; got != tc.want {
			t.Errorf("elevation at x=%d is %v, want %v", tc.x, got, tc.want)
		}
	}
}

func TestLayerPaintOrder(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	tr.AddLayer(NewElevationLayer("raise", fullRegion(), BlendAdd, 5))
	tr.AddLayer(NewElevationLayer("plateau", fullRegion(), BlendReplace, 3))
	regenerate(t, tr, fullRegion())

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	for i, v := range elev {
		if v != 3 {
			t.Fatalf("elevation[%d] = %v, want top-of-stack replace 3", i, v)
		}
	}
}

func TestMaterialLayerPaintsChannel(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	tr.AddLayer(NewMaterialLayer("rock", fullRegion(), 2))
	regenerate(t, tr, fullRegion())

	mats, err := tr.Materials(Coords{0, 0})
	if err != nil {
		t.Fatalf("Materials: %v", err)
	}
	for i, v := range mats {
		if v != 0xFF0000 {
			t.Fatalf("material[%d] = %#x, want channel 2 saturated", i, v)
		}
	}
}

func TestFeatureCarvesAndExcludes(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	regenerate(t, tr, fullRegion())

	inst, err := tr.Instances(Coords{0, 0})
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(inst) == 0 {
		t.Fatal("flat region should place instances")
	}

	tr.AddLayer(NewFeatureLayer("quarry", fullRegion(), -3))
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	for i, v := range elev {
		if v != 7 {
			t.Fatalf("elevation[%d] = %v, want carved 7", i, v)
		}
	}

	inst, err = tr.Instances(Coords{0, 0})
	if err != nil {
		t.Fatalf("Instances: %v", err)
	}
	if len(inst) != 0 {
		t.Errorf("len(instances) = %d, want 0 under full exclusion", len(inst))
	}
}

func TestSculptPersistsAcrossRegeneration(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	regenerate(t, tr, fullRegion())

	delta := []float32{2, 2, 2, 2}
	if err := tr.Sculpt(Coords{0, 0}, TexelRect{0, 0, 2, 2}, delta); err != nil {
		t.Fatalf("Sculpt: %v", err)
	}
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	if elev[0] != 12 {
		t.Errorf("sculpted texel = %v, want 12", elev[0])
	}
	if elev[5*16+5] != 10 {
		t.Errorf("untouched texel = %v, want base 10", elev[5*16+5])
	}

	// A full procedural rebuild re-applies the edit on top.
	regenerate(t, tr, fullRegion())
	elev, err = tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation after regen: %v", err)
	}
	if elev[0] != 12 {
		t.Errorf("sculpted texel after regen = %v, want 12", elev[0])
	}
}

func TestRemoveLayerRestoresSurface(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	l := NewElevationLayer("hill", fullRegion(), BlendAdd, 5)
	tr.AddLayer(l)
	regenerate(t, tr, fullRegion())

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	if elev[0] != 15 {
		t.Fatalf("elevation with layer = %v, want 15", elev[0])
	}

	if err := tr.RemoveLayer(l.ID()); err != nil {
		t.Fatalf("RemoveLayer: %v", err)
	}
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	elev, err = tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation after removal: %v", err)
	}
	for i, v := range elev {
		if v != 10 {
			t.Fatalf("elevation[%d] = %v, want base 10 after removal", i, v)
		}
	}

	if err := tr.RemoveLayer(l.ID()); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("RemoveLayer again = %v, want ErrUnknownLayer", err)
	}
}

func TestMarkLayerDirty(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	l := NewElevationLayer("hill", fullRegion(), BlendAdd, 5)
	tr.AddLayer(l)
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	l.SetValue(1)
	if err := tr.MarkLayerDirty(l.ID()); err != nil {
		t.Fatalf("MarkLayerDirty: %v", err)
	}
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	if elev[0] != 11 {
		t.Errorf("elevation = %v, want 11 after parameter change", elev[0])
	}

	if err := tr.MarkLayerDirty(LayerID(9999)); !errors.Is(err, ErrUnknownLayer) {
		t.Errorf("MarkLayerDirty unknown = %v, want ErrUnknownLayer", err)
	}
}

func TestSmoothingKeepsFlatSurface(t *testing.T) {
	cfg := testConfig()
	cfg.SmoothPasses = 2
	tr := newCPUTerrain(t, cfg)
	regenerate(t, tr, fullRegion())

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	for i, v := range elev {
		if v != 10 {
			t.Fatalf("elevation[%d] = %v, smoothing must keep a flat surface", i, v)
		}
	}
}

func TestDirtyRectSpansRegions(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	regenerate(t, tr, WorldRect{0, 0, 20, 8})

	for _, c := range []Coords{{0, 0}, {1, 0}} {
		elev, err := tr.Elevation(c)
		if err != nil {
			t.Fatalf("Elevation(%v): %v", c, err)
		}
		if elev[0] != 10 {
			t.Errorf("region %v elevation = %v, want 10", c, elev[0])
		}
	}

	if _, err := tr.Elevation(Coords{0, 1}); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("Elevation of untouched region = %v, want ErrUnknownRegion", err)
	}
}

func TestPreviewRefresh(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	c := Coords{0, 0}

	if tr.Preview(c) != nil {
		t.Fatal("preview exists before generation")
	}
	regenerate(t, tr, fullRegion())

	if tr.Preview(c) == nil {
		t.Fatal("preview missing after generation")
	}
	if got := tr.PreviewRefreshes(c); got != 1 {
		t.Errorf("PreviewRefreshes = %d, want 1", got)
	}
}

func TestPreviewSupersededCycleStaysSilent(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	c := Coords{0, 0}

	// Schedule a second cycle before the first one finishes. Only the
	// newest cycle's completion refreshes the preview.
	tr.MarkWorldDirty(fullRegion())
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	tr.MarkWorldDirty(fullRegion())
	if err := tr.Process(); err != nil {
		t.Fatalf("Process again: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if got := tr.PreviewRefreshes(c); got != 1 {
		t.Errorf("PreviewRefreshes = %d, want exactly 1", got)
	}
}

func TestDeterministicPlacement(t *testing.T) {
	read := func() []Instance {
		tr := newCPUTerrain(t, testConfig())
		tr.AddLayer(NewElevationLayer("hill", WorldRect{0, 0, 8, 8}, BlendAdd, 1))
		regenerate(t, tr, fullRegion())
		inst, err := tr.Instances(Coords{0, 0})
		if err != nil {
			t.Fatalf("Instances: %v", err)
		}
		return inst
	}

	a, b := read(), read()
	if len(a) != len(b) {
		t.Fatalf("instance counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("instance %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestClosedSession(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	regenerate(t, tr, fullRegion())
	tr.Close()
	tr.Close() // idempotent

	if err := tr.Process(); !errors.Is(err, ErrClosed) {
		t.Errorf("Process = %v, want ErrClosed", err)
	}
	if _, err := tr.Elevation(Coords{0, 0}); !errors.Is(err, ErrClosed) {
		t.Errorf("Elevation = %v, want ErrClosed", err)
	}
	if err := tr.Sculpt(Coords{0, 0}, TexelRect{0, 0, 1, 1}, []float32{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Sculpt = %v, want ErrClosed", err)
	}
}

func TestEmptyDirtySetDoesNoWork(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	regenerate(t, tr, fullRegion())
	before, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	refreshes := tr.PreviewRefreshes(Coords{0, 0})

	// Nothing is dirty, so another cycle schedules nothing.
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	after, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	for i := range after {
		if after[i] != before[i] {
			t.Fatalf("elevation[%d] changed from %v to %v", i, before[i], after[i])
		}
	}
	if got := tr.PreviewRefreshes(Coords{0, 0}); got != refreshes {
		t.Errorf("PreviewRefreshes = %d, want unchanged %d", got, refreshes)
	}
}

func TestIdleTracksDirtyState(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	if !tr.Idle() {
		t.Error("fresh session should be idle")
	}
	tr.MarkWorldDirty(fullRegion())
	if tr.Idle() {
		t.Error("marked session should not be idle")
	}
	if err := tr.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !tr.Idle() {
		t.Error("drained session should be idle")
	}
}

// plateauLayer is a layer type outside the built-in set: it flattens
// its footprint to a fixed height through the stock blend kernel.
type plateauLayer struct {
	layerBase
	height float32
}

func newPlateauLayer(label string, footprint WorldRect, height float32) *plateauLayer {
	return &plateauLayer{layerBase: newLayerBase(label, footprint), height: height}
}

func (l *plateauLayer) Kind() LayerKind { return KindElevation }

func (l *plateauLayer) ParamsHash() uint64 {
	d := xxhash.New()
	l.baseHash(d, KindElevation)
	hashU32(d, math.Float32bits(l.height))
	return d.Sum64()
}

func (l *plateauLayer) RequiresHeight() bool { return true }

func (l *plateauLayer) WriteTargets(r *RegionData) []backend.ResourceID {
	return []backend.ResourceID{r.Elevation.Handle()}
}

func (l *plateauLayer) ApplyRegionCommands(in ApplyInput) (sched.Effect, error) {
	texels := in.Size * in.Size
	params := (&paramPack{}).u32(uint32(texels)).u32(uint32(BlendReplace)).f32(l.height).u32(0).b
	return in.Dispatch(fmt.Sprintf("apply %q %v", l.label, in.Coords), shader.KernelElevationApply,
		params, []backend.BufferID{in.Mask, in.Region.Elevation}, groups1D(texels))
}

func TestCustomLayerComposites(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	tr.AddLayer(newPlateauLayer("mesa", fullRegion(), 42))
	regenerate(t, tr, fullRegion())

	elev, err := tr.Elevation(Coords{0, 0})
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	for i, v := range elev {
		if v != 42 {
			t.Fatalf("elevation[%d] = %v, want 42", i, v)
		}
	}
}

// depBesides returns the single dependency of task other than known.
func depBesides(t *testing.T, task, known *sched.Task) *sched.Task {
	t.Helper()
	deps := task.Dependencies()
	if len(deps) != 2 {
		t.Fatalf("%s has %d dependencies, want 2", task.Label(), len(deps))
	}
	switch known {
	case deps[0]:
		return deps[1]
	case deps[1]:
		return deps[0]
	}
	t.Fatalf("%s does not depend on %s", task.Label(), known.Label())
	return nil
}

func TestRegionPipelineDependencies(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	c := Coords{2, 3}
	footprint := WorldRect{32, 48, 48, 64}
	ridge := NewElevationLayer("ridge", footprint, BlendAdd, 5)
	gully := NewFeatureLayer("gully", footprint, -2)
	tr.AddLayer(ridge)
	tr.AddLayer(gully)
	// This test schedules the phases by hand, so drop the dirty marks
	// AddLayer queued.
	tr.dirty.take()

	r, err := tr.store.GetOrCreate(c)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	clear, err := tr.clearTask(r)
	if err != nil {
		t.Fatalf("clearTask: %v", err)
	}
	comp, err := tr.layerTasks(r, ridge, clear)
	if err != nil {
		t.Fatalf("layerTasks(ridge): %v", err)
	}
	stamp, err := tr.layerTasks(r, gully, comp)
	if err != nil {
		t.Fatalf("layerTasks(gully): %v", err)
	}

	// Each composite waits on the clear chain and its own mask; the
	// masks themselves are independent of everything.
	ridgeMask := depBesides(t, comp, clear)
	gullyMask := depBesides(t, stamp, comp)
	if n := len(ridgeMask.Dependencies()); n != 0 {
		t.Errorf("ridge mask has %d dependencies, want 0", n)
	}
	if n := len(gullyMask.Dependencies()); n != 0 {
		t.Errorf("gully mask has %d dependencies, want 0", n)
	}
	if ridgeMask == gullyMask {
		t.Fatal("layers share a mask task")
	}

	place, err := tr.placeTask(r, stamp)
	if err != nil {
		t.Fatalf("placeTask: %v", err)
	}
	tr.setRefreshOwner(c, place)
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	for _, task := range []*sched.Task{clear, ridgeMask, gullyMask, comp, stamp, place} {
		if task.State() != sched.StateCompleted {
			t.Errorf("%s state = %v, want Completed", task.Label(), task.State())
		}
	}

	elev, err := tr.Elevation(c)
	if err != nil {
		t.Fatalf("Elevation: %v", err)
	}
	for i, v := range elev {
		if v != 13 { // base 10 + ridge 5 - gully 2
			t.Fatalf("elevation[%d] = %v, want 13", i, v)
		}
	}
	if got := tr.PreviewRefreshes(c); got != 1 {
		t.Errorf("PreviewRefreshes = %d, want 1", got)
	}
}

// fussyBackend fails buffer creation once its allowance runs out.
type fussyBackend struct {
	*cpu.Backend
	allowance int
}

func (b *fussyBackend) CreateBuffer(size int, usage backend.BufferUsage) (backend.BufferID, error) {
	if b.allowance <= 0 {
		return backend.InvalidID, errors.New("out of device memory")
	}
	b.allowance--
	return b.Backend.CreateBuffer(size, usage)
}

func TestProcessKeepsUnscheduledRegionsDirty(t *testing.T) {
	// Enough allowance for region (0,0)'s seven buffers, none for
	// region (1,0).
	be := &fussyBackend{Backend: cpu.New(), allowance: 7}
	tr, err := NewWithBackend(testConfig(), be)
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	t.Cleanup(func() {
		tr.Close()
		be.Backend.Close()
	})

	tr.MarkWorldDirty(WorldRect{0, 0, 32, 16})
	if err := tr.Process(); err == nil {
		t.Fatal("Process should fail when region allocation fails")
	}

	// The failed region stays dirty and regenerates once allocation
	// recovers.
	be.allowance = 1 << 30
	if err := tr.Process(); err != nil {
		t.Fatalf("Process after recovery: %v", err)
	}
	if err := tr.Drain(0); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	for _, c := range []Coords{{0, 0}, {1, 0}} {
		elev, err := tr.Elevation(c)
		if err != nil {
			t.Fatalf("Elevation(%v): %v", c, err)
		}
		if elev[0] != 10 {
			t.Errorf("elevation(%v)[0] = %v, want base 10", c, elev[0])
		}
	}
}

func TestReleaseRegionForgetsState(t *testing.T) {
	tr := newCPUTerrain(t, testConfig())
	regenerate(t, tr, fullRegion())

	c := Coords{0, 0}
	if err := tr.ReleaseRegion(c); err != nil {
		t.Fatalf("ReleaseRegion: %v", err)
	}
	tr.mu.Lock()
	_, owned := tr.refreshOwner[c]
	tr.mu.Unlock()
	if owned {
		t.Error("refresh owner entry survived release")
	}
	if _, err := tr.Elevation(c); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("Elevation after release = %v, want ErrUnknownRegion", err)
	}

	// Releasing again is a no-op, and the region can come back.
	if err := tr.ReleaseRegion(c); err != nil {
		t.Fatalf("ReleaseRegion again: %v", err)
	}
	regenerate(t, tr, fullRegion())
	if got := tr.PreviewRefreshes(c); got != 1 {
		t.Errorf("PreviewRefreshes after recreation = %d, want 1", got)
	}
}
