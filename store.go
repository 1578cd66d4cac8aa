package terrain

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/gogpu/terrain/backend"
	"github.com/gogpu/terrain/preview"
)

// Instance is one placed object: texel-space position, surface
// elevation, and yaw rotation in radians.
type Instance struct {
	X, Y, Z  float32
	Rotation float32
}

// instanceStride is the byte size of one packed instance record.
const instanceStride = 16

// RegionData holds one region's device buffers and CPU-side companions.
// All buffers use whole-buffer hazard granularity: a task touching any
// part of a buffer declares the entire handle.
type RegionData struct {
	Coords Coords

	// Device buffers, all sized for the region's texel grid unless
	// noted.
	Elevation     backend.BufferID // f32 per texel
	Material      backend.BufferID // packed u32 weights per texel
	Exclusion     backend.BufferID // u32 flag per texel
	EditDelta     backend.BufferID // f32 sculpt delta per texel
	SmoothScratch backend.BufferID // f32 snapshot for smoothing
	InstanceCount backend.BufferID // single u32
	Instances     backend.BufferID // vec4 records, MaxInstances capacity

	// masks holds one coverage buffer per contributing layer, reused
	// across regeneration cycles.
	masks map[LayerID]backend.BufferID

	// maskHash remembers each layer's ParamsHash at the time its mask
	// was last generated. An unchanged hash skips mask regeneration.
	maskHash map[LayerID]uint64

	// editDelta mirrors the EditDelta buffer so sculpt strokes
	// accumulate across uploads.
	editDelta []float32
	hasEdits  bool

	preview          *image.NRGBA
	previewRefreshes int
}

// RegionStore creates, tracks, and destroys per-region resources.
type RegionStore struct {
	cfg Config
	be  backend.Backend
	gen *preview.Generator

	mu      sync.Mutex
	regions map[Coords]*RegionData
}

// NewRegionStore creates a store over the given backend.
func NewRegionStore(cfg Config, be backend.Backend) *RegionStore {
	return &RegionStore{
		cfg:     cfg,
		be:      be,
		gen:     preview.NewGenerator(cfg.PreviewScale),
		regions: make(map[Coords]*RegionData),
	}
}

// Get returns a region's data if it exists.
func (s *RegionStore) Get(c Coords) (*RegionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[c]
	return r, ok
}

// GetOrCreate returns a region's data, allocating its device buffers on
// first use.
func (s *RegionStore) GetOrCreate(c Coords) (*RegionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.regions[c]; ok {
		return r, nil
	}

	texelBytes := s.cfg.texelCount() * 4
	r := &RegionData{
		Coords:    c,
		masks:     make(map[LayerID]backend.BufferID),
		maskHash:  make(map[LayerID]uint64),
		editDelta: make([]float32, s.cfg.texelCount()),
	}

	var err error
	create := func(dst *backend.BufferID, size int, usage backend.BufferUsage) {
		if err != nil {
			return
		}
		*dst, err = s.be.CreateBuffer(size, usage)
	}

	rw := backend.BufferUsageStorage | backend.BufferUsageCopySrc | backend.BufferUsageCopyDst
	create(&r.Elevation, texelBytes, rw)
	create(&r.Material, texelBytes, rw)
	create(&r.Exclusion, texelBytes, rw)
	create(&r.EditDelta, texelBytes, rw)
	create(&r.SmoothScratch, texelBytes, rw)
	create(&r.InstanceCount, 4, rw)
	create(&r.Instances, s.cfg.MaxInstances*instanceStride, rw)
	if err != nil {
		s.destroyLocked(r)
		return nil, fmt.Errorf("terrain: create region %v: %w", c, err)
	}

	s.regions[c] = r
	return r, nil
}

// MaskBuffer returns the region's coverage buffer for a layer, creating
// it on first use. changed reports whether the layer's parameters
// differ from the last generated mask; callers skip mask regeneration
// when it is false.
func (s *RegionStore) MaskBuffer(r *RegionData, l Layer) (buf backend.BufferID, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := l.ParamsHash()
	buf, ok := r.masks[l.ID()]
	if !ok {
		buf, err = s.be.CreateBuffer(s.cfg.texelCount()*4,
			backend.BufferUsageStorage|backend.BufferUsageCopyDst)
		if err != nil {
			return backend.InvalidID, false, fmt.Errorf("terrain: mask for layer %q: %w", l.Label(), err)
		}
		r.masks[l.ID()] = buf
	}

	changed = !ok || r.maskHash[l.ID()] != hash
	if changed {
		r.maskHash[l.ID()] = hash
	}
	return buf, changed, nil
}

// DropMask destroys a layer's mask buffer in every region. Called when
// a layer is removed from the session. The caller must have
// synchronized with in-flight work first.
func (s *RegionStore) DropMask(id LayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		if buf, ok := r.masks[id]; ok {
			s.be.DestroyBuffer(buf)
			delete(r.masks, id)
			delete(r.maskHash, id)
		}
	}
}

// AccumulateEdit adds sculpt deltas over a texel rect to the region's
// persistent edit layer and uploads the result. The caller must have
// synchronized with in-flight work first. delta is rect-row-major with
// one sample per covered texel.
func (s *RegionStore) AccumulateEdit(r *RegionData, rect TexelRect, delta []float32) error {
	rect = rect.Clamp(s.cfg.RegionTexels)
	w := rect.X1 - rect.X0
	h := rect.Y1 - rect.Y0
	if w*h != len(delta) {
		return fmt.Errorf("terrain: edit rect %dx%d does not match %d samples", w, h, len(delta))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for y := 0; y < h; y++ {
		row := (rect.Y0+y)*s.cfg.RegionTexels + rect.X0
		for x := 0; x < w; x++ {
			r.editDelta[row+x] += delta[y*w+x]
		}
	}
	r.hasEdits = true

	data := make([]byte, len(r.editDelta)*4)
	for i, v := range r.editDelta {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	s.be.WriteBuffer(r.EditDelta, 0, data)
	return nil
}

// HasEdits reports whether the region carries manual sculpt deltas.
func (s *RegionStore) HasEdits(r *RegionData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.hasEdits
}

// ReadElevation copies the region's elevation grid back to the CPU.
// The caller must have synchronized with in-flight work first.
func (s *RegionStore) ReadElevation(r *RegionData) ([]float32, error) {
	data, err := s.be.ReadBuffer(r.Elevation, 0, uint64(s.cfg.texelCount()*4))
	if err != nil {
		return nil, fmt.Errorf("terrain: read elevation %v: %w", r.Coords, err)
	}
	out := make([]float32, s.cfg.texelCount())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// ReadMaterial copies the region's packed material weights back to the
// CPU. The caller must have synchronized with in-flight work first.
func (s *RegionStore) ReadMaterial(r *RegionData) ([]uint32, error) {
	data, err := s.be.ReadBuffer(r.Material, 0, uint64(s.cfg.texelCount()*4))
	if err != nil {
		return nil, fmt.Errorf("terrain: read material %v: %w", r.Coords, err)
	}
	out := make([]uint32, s.cfg.texelCount())
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out, nil
}

// ReadInstances copies the region's placed instances back to the CPU.
// The caller must have synchronized with in-flight work first.
func (s *RegionStore) ReadInstances(r *RegionData) ([]Instance, error) {
	countData, err := s.be.ReadBuffer(r.InstanceCount, 0, 4)
	if err != nil {
		return nil, fmt.Errorf("terrain: read instance count %v: %w", r.Coords, err)
	}
	count := int(binary.LittleEndian.Uint32(countData))
	if count > s.cfg.MaxInstances {
		// The placement kernel bumps the counter before the capacity
		// check, so it can exceed the slot count.
		count = s.cfg.MaxInstances
	}
	if count == 0 {
		return nil, nil
	}

	data, err := s.be.ReadBuffer(r.Instances, 0, uint64(count*instanceStride))
	if err != nil {
		return nil, fmt.Errorf("terrain: read instances %v: %w", r.Coords, err)
	}
	out := make([]Instance, count)
	for i := range out {
		o := i * instanceStride
		out[i] = Instance{
			X:        math.Float32frombits(binary.LittleEndian.Uint32(data[o:])),
			Y:        math.Float32frombits(binary.LittleEndian.Uint32(data[o+4:])),
			Z:        math.Float32frombits(binary.LittleEndian.Uint32(data[o+8:])),
			Rotation: math.Float32frombits(binary.LittleEndian.Uint32(data[o+12:])),
		}
	}
	return out, nil
}

// RefreshPreview re-renders the region's preview image from the
// current surface data. The caller must have synchronized with
// in-flight work first.
func (s *RegionStore) RefreshPreview(r *RegionData) error {
	elev, err := s.ReadElevation(r)
	if err != nil {
		return err
	}
	material, err := s.ReadMaterial(r)
	if err != nil {
		return err
	}

	img, err := s.gen.Render(elev, material, s.cfg.RegionTexels, s.cfg.RegionTexels)
	if err != nil {
		return fmt.Errorf("terrain: render preview %v: %w", r.Coords, err)
	}

	s.mu.Lock()
	r.preview = img
	r.previewRefreshes++
	s.mu.Unlock()
	return nil
}

// Preview returns the region's latest preview image, or nil if none
// has been rendered.
func (s *RegionStore) Preview(c Coords) *image.NRGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regions[c]; ok {
		return r.preview
	}
	return nil
}

// PreviewRefreshes returns how many times a region's preview has been
// re-rendered.
func (s *RegionStore) PreviewRefreshes(c Coords) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regions[c]; ok {
		return r.previewRefreshes
	}
	return 0
}

// Release destroys a region's device buffers and forgets it. The
// caller must have synchronized with in-flight work first.
func (s *RegionStore) Release(c Coords) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regions[c]; ok {
		s.destroyLocked(r)
		delete(s.regions, c)
	}
}

// Close releases every region.
func (s *RegionStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, r := range s.regions {
		s.destroyLocked(r)
		delete(s.regions, c)
	}
}

func (s *RegionStore) destroyLocked(r *RegionData) {
	for id, buf := range r.masks {
		s.be.DestroyBuffer(buf)
		delete(r.masks, id)
	}
	for _, buf := range []backend.BufferID{
		r.Elevation, r.Material, r.Exclusion, r.EditDelta,
		r.SmoothScratch, r.InstanceCount, r.Instances,
	} {
		if buf != backend.InvalidID {
			s.be.DestroyBuffer(buf)
		}
	}
}
