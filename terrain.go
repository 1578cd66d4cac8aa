package terrain

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/terrain/backend"
	"github.com/gogpu/terrain/sched"
	"github.com/gogpu/terrain/shader"
)

// Session errors.
var (
	// ErrClosed is returned when a session is used after Close.
	ErrClosed = errors.New("terrain: session closed")

	// ErrUnknownRegion is returned when reading a region that was never
	// generated.
	ErrUnknownRegion = errors.New("terrain: unknown region")

	// ErrUnknownLayer is returned when a layer ID is not part of the
	// session.
	ErrUnknownLayer = errors.New("terrain: unknown layer")
)

// Terrain is one terrain editing session: a layer stack, a store of
// generated regions, and the scheduler that regenerates dirty regions
// incrementally.
//
// Process, Tick, Drain, and the read methods must be called from a
// single goroutine (the editor's submission thread). Layer mutation and
// dirty marking are safe from any goroutine.
type Terrain struct {
	cfg Config
	be  backend.Backend

	// ownBackend records whether Close should also close the backend.
	ownBackend bool

	repo  *shader.Repository
	pipes *pipelineCache
	store *RegionStore
	mgr   *sched.Manager

	mu           sync.Mutex
	layers       []Layer
	refreshOwner map[Coords]*sched.Task

	dirty  *dirtySet
	closed atomic.Bool
}

// owner adapts the session to the scheduler's owner contract: tasks
// queued by a closed session skip instead of running.
type owner struct {
	t *Terrain
}

func (o owner) Alive() bool { return !o.t.closed.Load() }

func (t *Terrain) sessionOwner() sched.Owner { return owner{t} }

// New creates a session on the default backend (the best registered
// one, preferring GPU).
func New(cfg Config) (*Terrain, error) {
	be, err := backend.InitDefault()
	if err != nil {
		return nil, fmt.Errorf("terrain: %w", err)
	}
	t, err := NewWithBackend(cfg, be)
	if err != nil {
		be.Close()
		return nil, err
	}
	t.ownBackend = true
	return t, nil
}

// NewWithBackend creates a session over an already initialized backend.
// The caller keeps ownership of the backend.
func NewWithBackend(cfg Config, be backend.Backend) (*Terrain, error) {
	cfg = cfg.withDefaults()

	if kr, ok := be.(kernelRegistrar); ok {
		registerKernels(kr)
	}

	repo := shader.NewRepository(be)
	mgr, err := sched.NewManager(sched.ManagerConfig{
		Backend: be,
		Logger:  Logger(),
	})
	if err != nil {
		return nil, err
	}

	Logger().Info("terrain: session created",
		"backend", be.Name(),
		"regionTexels", cfg.RegionTexels)

	return &Terrain{
		cfg:          cfg,
		be:           be,
		repo:         repo,
		pipes:        newPipelineCache(be, repo),
		store:        NewRegionStore(cfg, be),
		mgr:          mgr,
		refreshOwner: make(map[Coords]*sched.Task),
		dirty:        newDirtySet(),
	}, nil
}

// Config returns the session's effective configuration.
func (t *Terrain) Config() Config { return t.cfg }

// Backend returns the session's compute backend.
func (t *Terrain) Backend() backend.Backend { return t.be }

// Close invalidates queued work, waits for in-flight work, and releases
// every session resource.
func (t *Terrain) Close() {
	if t.closed.Swap(true) {
		return
	}
	if err := t.mgr.SyncIfNeeded(); err != nil {
		Logger().Warn("terrain: sync during close failed", "error", err)
	}
	// Drain skips everything still pending now that the session owner
	// is dead.
	if err := t.mgr.Drain(time.Second); err != nil {
		Logger().Warn("terrain: drain during close failed", "error", err)
	}

	t.store.Close()
	t.pipes.Close()
	t.repo.Close()
	if t.ownBackend {
		t.be.Close()
	}
	Logger().Info("terrain: session closed")
}

// AddLayer appends a layer to the top of the paint stack and dirties
// the regions it covers.
func (t *Terrain) AddLayer(l Layer) {
	t.mu.Lock()
	t.layers = append(t.layers, l)
	t.mu.Unlock()

	t.dirty.markWorld(t.cfg, l.Bounds())
	Logger().Debug("terrain: layer added", "layer", l.Label(), "kind", l.Kind().String())
}

// RemoveLayer takes a layer out of the stack, invalidates its queued
// tasks, and dirties the regions it covered. Blocks on in-flight work
// before destroying the layer's mask buffers.
func (t *Terrain) RemoveLayer(id LayerID) error {
	t.mu.Lock()
	var removed Layer
	for i, l := range t.layers {
		if l.ID() == id {
			removed = l
			t.layers = append(t.layers[:i], t.layers[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("%w: %d", ErrUnknownLayer, id)
	}

	bounds := removed.Bounds()
	if d, ok := removed.(interface{ markDeleted() }); ok {
		d.markDeleted()
	}

	if err := t.mgr.SyncIfNeeded(); err != nil {
		return err
	}
	t.store.DropMask(id)
	t.dirty.markWorld(t.cfg, bounds)

	Logger().Debug("terrain: layer removed", "layer", removed.Label())
	return nil
}

// MarkLayerDirty requests regeneration of every region a layer covers.
// Call after mutating the layer's parameters.
func (t *Terrain) MarkLayerDirty(id LayerID) error {
	t.mu.Lock()
	var found Layer
	for _, l := range t.layers {
		if l.ID() == id {
			found = l
			break
		}
	}
	t.mu.Unlock()

	if found == nil {
		return fmt.Errorf("%w: %d", ErrUnknownLayer, id)
	}
	t.dirty.markWorld(t.cfg, found.Bounds())
	return nil
}

// MarkWorldDirty requests regeneration of every region overlapping a
// world rect.
func (t *Terrain) MarkWorldDirty(r WorldRect) {
	t.dirty.markWorld(t.cfg, r)
}

// Sculpt accumulates manual elevation deltas over a texel rect of a
// region. The edit persists across regenerations, re-applied after
// procedural compositing. Blocks on in-flight work before touching the
// edit buffer.
func (t *Terrain) Sculpt(c Coords, rect TexelRect, delta []float32) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.mgr.SyncIfNeeded(); err != nil {
		return err
	}

	r, err := t.store.GetOrCreate(c)
	if err != nil {
		return err
	}
	if err := t.store.AccumulateEdit(r, rect, delta); err != nil {
		return err
	}
	t.dirty.markRect(c, rect)
	return nil
}

// ReleaseRegion destroys a region's GPU state and forgets its preview
// bookkeeping. Blocks on in-flight work first so no queued task touches
// the freed buffers. Releasing an unknown region is a no-op.
func (t *Terrain) ReleaseRegion(c Coords) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.mgr.SyncIfNeeded(); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.refreshOwner, c)
	t.mu.Unlock()
	t.store.Release(c)
	return nil
}

// Process schedules regeneration tasks for every dirty region and runs
// one scheduler tick. Regions are processed in row-major order so task
// creation order, and therefore scheduling, is deterministic.
func (t *Terrain) Process() error {
	if t.closed.Load() {
		return ErrClosed
	}

	dirty := t.dirty.take()
	if len(dirty) > 0 {
		coords := make([]Coords, 0, len(dirty))
		for c := range dirty {
			coords = append(coords, c)
		}
		sort.Slice(coords, func(i, j int) bool {
			if coords[i].Y != coords[j].Y {
				return coords[i].Y < coords[j].Y
			}
			return coords[i].X < coords[j].X
		})

		t.mu.Lock()
		layers := append([]Layer(nil), t.layers...)
		t.mu.Unlock()

		for i, c := range coords {
			r, err := t.store.GetOrCreate(c)
			if err == nil {
				err = t.buildRegionTasks(r, dirty[c], layers)
			}
			if err != nil {
				// Regions not yet scheduled stay dirty for the next
				// cycle instead of being dropped with the error.
				for _, rem := range coords[i:] {
					t.dirty.markRect(rem, dirty[rem])
				}
				return err
			}
		}
		Logger().Debug("terrain: regeneration scheduled", "regions", len(coords))
	}

	t.Tick()
	return nil
}

// Tick runs one scheduler step without blocking.
func (t *Terrain) Tick() sched.TickStats { return t.mgr.Tick() }

// Drain ticks until all scheduled work has retired or the budget is
// exhausted. A budget of 0 drains fully.
func (t *Terrain) Drain(budget time.Duration) error { return t.mgr.Drain(budget) }

// Sync blocks until all in-flight work has retired. Required before
// direct backend access to buffers the scheduler touches.
func (t *Terrain) Sync() error { return t.mgr.SyncIfNeeded() }

// Idle reports whether no regeneration work is pending or in flight.
func (t *Terrain) Idle() bool { return t.mgr.Idle() && t.dirty.empty() }

// setRefreshOwner records the task whose completion refreshes a
// region's preview. Scheduling a newer cycle replaces the owner, so
// superseded cycles finish silently.
func (t *Terrain) setRefreshOwner(c Coords, task *sched.Task) {
	t.mu.Lock()
	t.refreshOwner[c] = task
	t.mu.Unlock()
}

func (t *Terrain) isRefreshOwner(c Coords, task *sched.Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshOwner[c] == task
}

// Elevation reads a region's elevation grid back to the CPU, blocking
// on in-flight work first.
func (t *Terrain) Elevation(c Coords) ([]float32, error) {
	r, err := t.regionForRead(c)
	if err != nil {
		return nil, err
	}
	return t.store.ReadElevation(r)
}

// Materials reads a region's packed material weights back to the CPU,
// blocking on in-flight work first.
func (t *Terrain) Materials(c Coords) ([]uint32, error) {
	r, err := t.regionForRead(c)
	if err != nil {
		return nil, err
	}
	return t.store.ReadMaterial(r)
}

// Instances reads a region's placed instances back to the CPU, blocking
// on in-flight work first.
func (t *Terrain) Instances(c Coords) ([]Instance, error) {
	r, err := t.regionForRead(c)
	if err != nil {
		return nil, err
	}
	return t.store.ReadInstances(r)
}

// Preview returns a region's latest preview image, or nil if none has
// been rendered. Never blocks.
func (t *Terrain) Preview(c Coords) *image.NRGBA { return t.store.Preview(c) }

// PreviewRefreshes returns how many times a region's preview has been
// re-rendered.
func (t *Terrain) PreviewRefreshes(c Coords) int { return t.store.PreviewRefreshes(c) }

func (t *Terrain) regionForRead(c Coords) (*RegionData, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := t.mgr.SyncIfNeeded(); err != nil {
		return nil, err
	}
	r, ok := t.store.Get(c)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRegion, c)
	}
	return r, nil
}
