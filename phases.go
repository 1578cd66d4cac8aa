package terrain

import (
	"fmt"

	"github.com/gogpu/terrain/backend"
	"github.com/gogpu/terrain/sched"
	"github.com/gogpu/terrain/shader"
)

// Regeneration runs a fixed phase order per dirty region: reset, layer
// coverage masks, compositing in paint order, feature stamping,
// smoothing, manual edit re-application, instance placement, preview
// refresh. Each phase is one task; dependency edges chain the surface
// phases while mask generation runs independently.

// buildRegionTasks schedules one region's full regeneration cycle.
// layers is the session's paint-order snapshot. rect bounds the
// partial phases (smoothing); compositing always covers the grid.
func (t *Terrain) buildRegionTasks(r *RegionData, rect TexelRect, layers []Layer) error {
	clear, err := t.clearTask(r)
	if err != nil {
		return err
	}

	prev := clear
	bounds := t.cfg.regionBounds(r.Coords)

	// Surface compositing in paint order, features after.
	var features []Layer
	for _, l := range layers {
		if !l.Alive() || !l.Bounds().Overlaps(bounds) {
			continue
		}
		if l.Kind() == KindFeature {
			features = append(features, l)
			continue
		}
		prev, err = t.layerTasks(r, l, prev)
		if err != nil {
			return err
		}
	}
	for _, l := range features {
		prev, err = t.layerTasks(r, l, prev)
		if err != nil {
			return err
		}
	}

	for pass := 0; pass < t.cfg.SmoothPasses; pass++ {
		prev, err = t.smoothTask(r, rect, pass, prev)
		if err != nil {
			return err
		}
	}

	if t.store.HasEdits(r) {
		prev, err = t.editTask(r, prev)
		if err != nil {
			return err
		}
	}

	final, err := t.placeTask(r, prev)
	if err != nil {
		return err
	}

	t.setRefreshOwner(r.Coords, final)
	return nil
}

// addPhaseTask fills the scheduling boilerplate shared by all phases:
// create the task, declare its resource access, enqueue it.
func (t *Terrain) addPhaseTask(cfg sched.Config, reads, writes []backend.ResourceID) (*sched.Task, error) {
	task, err := sched.NewTask(cfg)
	if err != nil {
		return nil, err
	}
	if err := task.DeclareResources(reads, writes); err != nil {
		return nil, err
	}
	if err := t.mgr.AddTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// clearTask resets the region's surface buffers to base values.
func (t *Terrain) clearTask(r *RegionData) (*sched.Task, error) {
	texels := t.cfg.texelCount()
	params := (&paramPack{}).
		u32(uint32(texels)).
		u32(t.cfg.BaseMaterial).
		f32(t.cfg.BaseElevation).
		u32(0).b

	return t.addPhaseTask(sched.Config{
		Label: fmt.Sprintf("clear %v", r.Coords),
		Generate: func() (sched.Effect, error) {
			return t.pipes.dispatch("region_clear", shader.KernelRegionClear, params,
				[]backend.BufferID{r.Elevation, r.Material, r.Exclusion},
				groups1D(texels))
		},
		Owners: []sched.Owner{t.sessionOwner()},
	}, nil, []backend.ResourceID{
		r.Elevation.Handle(), r.Material.Handle(), r.Exclusion.Handle(),
	})
}

// layerTasks schedules a layer's mask regeneration (when its parameters
// changed) and its composite pass, returning the new chain tail.
func (t *Terrain) layerTasks(r *RegionData, l Layer, prev *sched.Task) (*sched.Task, error) {
	maskBuf, changed, err := t.store.MaskBuffer(r, l)
	if err != nil {
		return nil, err
	}

	deps := []*sched.Task{prev}
	if changed {
		mask, err := t.maskTask(r, l, maskBuf)
		if err != nil {
			return nil, err
		}
		deps = append(deps, mask)
	}

	return t.compositeTask(r, l, maskBuf, deps)
}

// maskTask rasterizes a layer's coverage over the region grid. It has
// no dependencies: masks touch only their own buffer, so the hazard
// tracker alone orders them against in-flight readers.
func (t *Terrain) maskTask(r *RegionData, l Layer, maskBuf backend.BufferID) (*sched.Task, error) {
	bounds := t.cfg.regionBounds(r.Coords)
	in := MaskInput{
		Size:      t.cfg.RegionTexels,
		TexelSize: t.cfg.TexelSize,
		WorldMinX: bounds.MinX,
		WorldMinY: bounds.MinY,
		Mask:      maskBuf,
		Dispatch:  t.pipes.dispatch,
	}

	return t.addPhaseTask(sched.Config{
		Label: fmt.Sprintf("mask %q %v", l.Label(), r.Coords),
		Generate: func() (sched.Effect, error) {
			return l.MaskCommands(in)
		},
		Owners: []sched.Owner{t.sessionOwner(), l},
	}, nil, []backend.ResourceID{maskBuf.Handle()})
}

// compositeTask applies a masked layer to the region surface. The
// layer supplies the commands and the write set; the elevation buffer
// joins the read set when the layer samples the current height without
// writing it.
func (t *Terrain) compositeTask(r *RegionData, l Layer, maskBuf backend.BufferID, deps []*sched.Task) (*sched.Task, error) {
	bounds := t.cfg.regionBounds(r.Coords)
	in := ApplyInput{
		Coords:    r.Coords,
		Region:    r,
		Size:      t.cfg.RegionTexels,
		WorldMinX: bounds.MinX,
		WorldMinY: bounds.MinY,
		WorldSize: t.cfg.regionWorldSize(),
		Mask:      maskBuf,
		Dispatch:  t.pipes.dispatch,
	}

	writes := l.WriteTargets(r)
	reads := []backend.ResourceID{maskBuf.Handle()}
	if l.RequiresHeight() && !containsResource(writes, r.Elevation.Handle()) {
		reads = append(reads, r.Elevation.Handle())
	}

	return t.addPhaseTask(sched.Config{
		Label: fmt.Sprintf("apply %q %v", l.Label(), r.Coords),
		Generate: func() (sched.Effect, error) {
			return l.ApplyRegionCommands(in)
		},
		Owners: []sched.Owner{t.sessionOwner(), l},
		Deps:   deps,
	}, reads, writes)
}

func containsResource(s []backend.ResourceID, id backend.ResourceID) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// smoothTask runs one box-filter pass over the dirty rect. The surface
// is snapshotted into the scratch buffer so the filter reads stable
// input.
func (t *Terrain) smoothTask(r *RegionData, rect TexelRect, pass int, prev *sched.Task) (*sched.Task, error) {
	size := t.cfg.RegionTexels
	rect = rect.Clamp(size)
	params := (&paramPack{}).
		u32(uint32(size)).u32(uint32(size)).
		u32(uint32(rect.X0)).u32(uint32(rect.Y0)).
		u32(uint32(rect.X1)).u32(uint32(rect.Y1)).
		f32(t.cfg.SmoothStrength).u32(0).b

	byteSize := uint64(t.cfg.texelCount() * 4)
	groups := groups2D(size, size)
	return t.addPhaseTask(sched.Config{
		Label: fmt.Sprintf("smooth %d %v", pass, r.Coords),
		Generate: func() (sched.Effect, error) {
			eff, err := t.pipes.dispatch("smooth", shader.KernelSmoothElevation, params,
				[]backend.BufferID{r.SmoothScratch, r.Elevation}, groups)
			if err != nil {
				return sched.Effect{}, err
			}
			snapshot := backend.CopyBuffer{Src: r.Elevation, Dst: r.SmoothScratch, Size: byteSize}
			eff.Commands = append([]backend.Command{snapshot, backend.Barrier{}}, eff.Commands...)
			return eff, nil
		},
		Owners: []sched.Owner{t.sessionOwner()},
		Deps:   []*sched.Task{prev},
	}, nil, []backend.ResourceID{r.Elevation.Handle(), r.SmoothScratch.Handle()})
}

// editTask re-applies the region's persistent sculpt deltas.
func (t *Terrain) editTask(r *RegionData, prev *sched.Task) (*sched.Task, error) {
	texels := t.cfg.texelCount()
	params := (&paramPack{}).u32(uint32(texels)).u32(0).u32(0).u32(0).b

	return t.addPhaseTask(sched.Config{
		Label: fmt.Sprintf("edits %v", r.Coords),
		Generate: func() (sched.Effect, error) {
			return t.pipes.dispatch("edit_apply", shader.KernelEditApply, params,
				[]backend.BufferID{r.EditDelta, r.Elevation}, groups1D(texels))
		},
		Owners: []sched.Owner{t.sessionOwner()},
		Deps:   []*sched.Task{prev},
	}, []backend.ResourceID{r.EditDelta.Handle()}, []backend.ResourceID{r.Elevation.Handle()})
}

// placeTask scatters instances over the finished surface and refreshes
// the region preview once the cycle retires. Only the newest cycle for
// a region refreshes; stale cycles see a different refresh owner and
// stay silent.
func (t *Terrain) placeTask(r *RegionData, prev *sched.Task) (*sched.Task, error) {
	size := t.cfg.RegionTexels
	params := (&paramPack{}).
		u32(uint32(size)).u32(uint32(size)).
		u32(uint32(t.cfg.PlacementStride)).u32(uint32(t.cfg.MaxInstances)).
		f32(t.cfg.MaxSlope).u32(t.cfg.PlacementSeed).
		u32(0).u32(0).b

	groups := groups2D((size+t.cfg.PlacementStride-1)/t.cfg.PlacementStride,
		(size+t.cfg.PlacementStride-1)/t.cfg.PlacementStride)

	coords := r.Coords
	var self *sched.Task
	task, err := sched.NewTask(sched.Config{
		Label: fmt.Sprintf("place %v", r.Coords),
		Generate: func() (sched.Effect, error) {
			eff, err := t.pipes.dispatch("place", shader.KernelPlaceInstances, params,
				[]backend.BufferID{r.Elevation, r.Exclusion, r.InstanceCount, r.Instances},
				groups)
			if err != nil {
				return sched.Effect{}, err
			}
			reset := backend.ClearBuffer{Buffer: r.InstanceCount}
			eff.Commands = append([]backend.Command{reset, backend.Barrier{}}, eff.Commands...)
			return eff, nil
		},
		OnComplete: func() {
			// Only the newest cycle for the region refreshes its preview.
			if !t.isRefreshOwner(coords, self) {
				return
			}
			if err := t.store.RefreshPreview(r); err != nil {
				Logger().Warn("terrain: preview refresh failed", "region", coords.String(), "error", err)
			}
		},
		Owners: []sched.Owner{t.sessionOwner()},
		Deps:   []*sched.Task{prev},
	})
	if err != nil {
		return nil, err
	}
	self = task

	err = task.DeclareResources(
		[]backend.ResourceID{r.Exclusion.Handle()},
		[]backend.ResourceID{r.Elevation.Handle(), r.InstanceCount.Handle(), r.Instances.Handle()},
	)
	if err != nil {
		return nil, err
	}
	if err := t.mgr.AddTask(task); err != nil {
		return nil, err
	}
	return task, nil
}
