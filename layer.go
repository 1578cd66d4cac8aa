package terrain

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/gogpu/terrain/backend"
	"github.com/gogpu/terrain/sched"
	"github.com/gogpu/terrain/shader"
)

// LayerID identifies a layer within one session.
type LayerID uint64

// nextLayerID generates layer IDs, starting at 1 (0 is invalid).
var nextLayerID atomic.Uint64

// LayerKind classifies what a layer writes.
type LayerKind int

const (
	// KindElevation layers composite into the elevation buffer.
	KindElevation LayerKind = iota

	// KindMaterial layers composite into the packed material weights.
	KindMaterial

	// KindFeature layers displace elevation and mark placement
	// exclusion after all elevation layers have composited.
	KindFeature
)

// String returns the string representation of LayerKind.
func (k LayerKind) String() string {
	switch k {
	case KindElevation:
		return "Elevation"
	case KindMaterial:
		return "Material"
	case KindFeature:
		return "Feature"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// BlendMode selects how an elevation layer combines with the existing
// surface. The numeric values are shared with the compute kernels.
type BlendMode uint32

const (
	BlendReplace BlendMode = iota
	BlendAdd
	BlendSubtract
	BlendMin
	BlendMax
)

// DispatchFunc builds the deferred effect of one compute kernel run:
// the parameter upload, bind group, and dispatch commands, with the
// transient objects returned as task temporaries. The regeneration
// pipeline supplies one per session.
type DispatchFunc func(label, kernel string, params []byte, buffers []backend.BufferID, groups [3]uint32) (sched.Effect, error)

// MaskInput carries what a layer needs to emit its coverage-mask pass
// for one region.
type MaskInput struct {
	// Size is the region's texel grid edge length.
	Size int

	// TexelSize is the world-space size of one texel.
	TexelSize float64

	// WorldMinX, WorldMinY is the region's world-space origin.
	WorldMinX float64
	WorldMinY float64

	// Mask is the coverage buffer to fill.
	Mask backend.BufferID

	// Dispatch emits kernel runs.
	Dispatch DispatchFunc
}

// ApplyInput carries what a layer needs to emit its apply pass over
// one region's surface buffers.
type ApplyInput struct {
	// Coords addresses the region.
	Coords Coords

	// Region holds the region's surface buffers.
	Region *RegionData

	// Size is the region's texel grid edge length.
	Size int

	// WorldMinX, WorldMinY is the region's world-space origin and
	// WorldSize its world-space edge length.
	WorldMinX float64
	WorldMinY float64
	WorldSize float64

	// Mask is the layer's coverage buffer for this region.
	Mask backend.BufferID

	// Dispatch emits kernel runs.
	Dispatch DispatchFunc
}

// Layer is one procedural contributor to the terrain surface. Layers
// are evaluated in paint order during regeneration; their world-space
// bounds decide which regions they touch. A layer supplies its own
// compute passes: the pipeline asks it for mask and apply commands and
// for the resources the apply pass writes, and schedules the result.
//
// A layer is a weak owner of its regeneration tasks: removing it from
// the session invalidates queued work instead of blocking on it.
type Layer interface {
	// ID returns the session-unique layer identity.
	ID() LayerID

	// Label returns the debug label.
	Label() string

	// Kind returns what the layer writes.
	Kind() LayerKind

	// Bounds returns the world-space footprint including falloff.
	Bounds() WorldRect

	// Alive reports whether the layer is still part of the session.
	Alive() bool

	// ParamsHash fingerprints every parameter that affects the layer's
	// coverage mask and compositing. Regeneration skips mask rebuilds
	// when the hash is unchanged.
	ParamsHash() uint64

	// RequiresHeight reports whether the apply pass reads the current
	// elevation surface.
	RequiresHeight() bool

	// WriteTargets returns the region resources the apply pass writes,
	// declared for hazard tracking.
	WriteTargets(r *RegionData) []backend.ResourceID

	// MaskCommands emits the pass that rasterizes the layer's coverage
	// over a region grid.
	MaskCommands(in MaskInput) (sched.Effect, error)

	// ApplyRegionCommands emits the pass that composites the layer
	// into a region's surface buffers.
	ApplyRegionCommands(in ApplyInput) (sched.Effect, error)
}

// layerBase carries state common to all layer types.
type layerBase struct {
	id    LayerID
	label string

	mu        sync.Mutex
	footprint WorldRect
	falloff   float64
	strength  float32

	deleted atomic.Bool
}

func newLayerBase(label string, footprint WorldRect) layerBase {
	return layerBase{
		id:        LayerID(nextLayerID.Add(1)),
		label:     label,
		footprint: footprint,
		strength:  1,
	}
}

func (l *layerBase) ID() LayerID   { return l.id }
func (l *layerBase) Label() string { return l.label }
func (l *layerBase) Alive() bool   { return !l.deleted.Load() }

// markDeleted invalidates the layer. Queued tasks owned by it skip.
func (l *layerBase) markDeleted() { l.deleted.Store(true) }

// Bounds returns the footprint grown by the falloff distance.
func (l *layerBase) Bounds() WorldRect {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.footprint.Expand(l.falloff)
}

// SetFootprint moves or resizes the layer's world-space footprint.
// Call MarkLayerDirty on the session afterwards to regenerate.
func (l *layerBase) SetFootprint(r WorldRect) {
	l.mu.Lock()
	l.footprint = r
	l.mu.Unlock()
}

// SetFalloff sets the coverage falloff distance in world units.
func (l *layerBase) SetFalloff(d float64) {
	l.mu.Lock()
	l.falloff = d
	l.mu.Unlock()
}

// SetStrength scales the layer's coverage mask.
func (l *layerBase) SetStrength(s float32) {
	l.mu.Lock()
	l.strength = s
	l.mu.Unlock()
}

// maskParams returns the coverage-mask inputs as one snapshot.
func (l *layerBase) maskParams() (footprint WorldRect, falloff float64, strength float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.footprint, l.falloff, l.strength
}

// MaskCommands rasterizes the rectangular footprint with a distance
// falloff. All built-in layer kinds share this coverage model.
func (l *layerBase) MaskCommands(in MaskInput) (sched.Effect, error) {
	footprint, falloff, strength := l.maskParams()

	// Footprint in the region's texel space.
	params := (&paramPack{}).
		u32(uint32(in.Size)).u32(uint32(in.Size)).u32(0).u32(0).
		f32(float32((footprint.MinX - in.WorldMinX) / in.TexelSize)).
		f32(float32((footprint.MinY - in.WorldMinY) / in.TexelSize)).
		f32(float32((footprint.MaxX - in.WorldMinX) / in.TexelSize)).
		f32(float32((footprint.MaxY - in.WorldMinY) / in.TexelSize)).
		f32(float32(falloff / in.TexelSize)).
		f32(strength).
		f32(0).f32(0).b

	return in.Dispatch(fmt.Sprintf("mask %q", l.label), shader.KernelLayerMask, params,
		[]backend.BufferID{in.Mask}, groups2D(in.Size, in.Size))
}

// baseHash feeds the shared mask parameters into a hash digest.
func (l *layerBase) baseHash(d *xxhash.Digest, kind LayerKind) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(kind))
	d.Write(buf[:])

	footprint, falloff, strength := l.maskParams()
	for _, v := range []float64{footprint.MinX, footprint.MinY, footprint.MaxX, footprint.MaxY, falloff} {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		d.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(math.Float32bits(strength)))
	d.Write(buf[:])
}

func hashU32(d *xxhash.Digest, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	d.Write(buf[:])
}

// ElevationLayer blends a target elevation into its footprint.
type ElevationLayer struct {
	layerBase

	mode  BlendMode
	value float32
}

// NewElevationLayer creates an elevation layer. value is the blend
// operand: the target height for BlendReplace/Min/Max, the delta for
// BlendAdd/Subtract.
func NewElevationLayer(label string, footprint WorldRect, mode BlendMode, value float32) *ElevationLayer {
	return &ElevationLayer{
		layerBase: newLayerBase(label, footprint),
		mode:      mode,
		value:     value,
	}
}

// Kind returns KindElevation.
func (l *ElevationLayer) Kind() LayerKind { return KindElevation }

// SetValue changes the blend operand.
func (l *ElevationLayer) SetValue(v float32) {
	l.mu.Lock()
	l.value = v
	l.mu.Unlock()
}

func (l *ElevationLayer) blendParams() (BlendMode, float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode, l.value
}

// RequiresHeight reports true: blending reads the current surface.
func (l *ElevationLayer) RequiresHeight() bool { return true }

// WriteTargets declares the elevation buffer.
func (l *ElevationLayer) WriteTargets(r *RegionData) []backend.ResourceID {
	return []backend.ResourceID{r.Elevation.Handle()}
}

// ApplyRegionCommands blends the layer's target value into the
// elevation surface, weighted by mask coverage.
func (l *ElevationLayer) ApplyRegionCommands(in ApplyInput) (sched.Effect, error) {
	mode, value := l.blendParams()
	texels := in.Size * in.Size
	params := (&paramPack{}).u32(uint32(texels)).u32(uint32(mode)).f32(value).u32(0).b
	return in.Dispatch(fmt.Sprintf("apply %q %v", l.label, in.Coords),
		shader.KernelElevationApply, params,
		[]backend.BufferID{in.Mask, in.Region.Elevation}, groups1D(texels))
}

// ParamsHash fingerprints the layer's mask and blend parameters.
func (l *ElevationLayer) ParamsHash() uint64 {
	d := xxhash.New()
	l.baseHash(d, KindElevation)
	mode, value := l.blendParams()
	hashU32(d, uint32(mode))
	hashU32(d, math.Float32bits(value))
	return d.Sum64()
}

// MaterialLayer paints one material channel inside its footprint.
type MaterialLayer struct {
	layerBase

	channel uint32
}

// NewMaterialLayer creates a material layer painting the given packed
// weight channel (0..3).
func NewMaterialLayer(label string, footprint WorldRect, channel uint32) *MaterialLayer {
	return &MaterialLayer{
		layerBase: newLayerBase(label, footprint),
		channel:   channel & 3,
	}
}

// Kind returns KindMaterial.
func (l *MaterialLayer) Kind() LayerKind { return KindMaterial }

// Channel returns the painted weight channel.
func (l *MaterialLayer) Channel() uint32 { return l.channel }

// RequiresHeight reports false: material painting ignores elevation.
func (l *MaterialLayer) RequiresHeight() bool { return false }

// WriteTargets declares the packed material buffer.
func (l *MaterialLayer) WriteTargets(r *RegionData) []backend.ResourceID {
	return []backend.ResourceID{r.Material.Handle()}
}

// ApplyRegionCommands max-blends mask coverage into the layer's weight
// channel.
func (l *MaterialLayer) ApplyRegionCommands(in ApplyInput) (sched.Effect, error) {
	texels := in.Size * in.Size
	params := (&paramPack{}).u32(uint32(texels)).u32(l.channel).u32(0).u32(0).b
	return in.Dispatch(fmt.Sprintf("apply %q %v", l.label, in.Coords),
		shader.KernelMaterialApply, params,
		[]backend.BufferID{in.Mask, in.Region.Material}, groups1D(texels))
}

// ParamsHash fingerprints the layer's mask parameters and channel.
func (l *MaterialLayer) ParamsHash() uint64 {
	d := xxhash.New()
	l.baseHash(d, KindMaterial)
	hashU32(d, l.channel)
	return d.Sum64()
}

// FeatureLayer stamps a displacement footprint (a road cut, a river
// bed, a building pad) and blocks instance placement under it.
type FeatureLayer struct {
	layerBase

	depth     float32
	threshold float32
}

// NewFeatureLayer creates a feature layer. depth displaces elevation
// (negative carves, positive raises) scaled by coverage.
func NewFeatureLayer(label string, footprint WorldRect, depth float32) *FeatureLayer {
	return &FeatureLayer{
		layerBase: newLayerBase(label, footprint),
		depth:     depth,
		threshold: DefaultExclusionThreshold,
	}
}

// Kind returns KindFeature.
func (l *FeatureLayer) Kind() LayerKind { return KindFeature }

// SetExclusionThreshold sets the coverage above which placement is
// blocked.
func (l *FeatureLayer) SetExclusionThreshold(v float32) {
	l.mu.Lock()
	l.threshold = v
	l.mu.Unlock()
}

func (l *FeatureLayer) stampParams() (depth, threshold float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth, l.threshold
}

// RequiresHeight reports true: the stamp displaces the current surface.
func (l *FeatureLayer) RequiresHeight() bool { return true }

// WriteTargets declares the elevation and exclusion buffers.
func (l *FeatureLayer) WriteTargets(r *RegionData) []backend.ResourceID {
	return []backend.ResourceID{r.Elevation.Handle(), r.Exclusion.Handle()}
}

// ApplyRegionCommands displaces elevation by coverage-scaled depth and
// flags placement exclusion where coverage reaches the threshold.
func (l *FeatureLayer) ApplyRegionCommands(in ApplyInput) (sched.Effect, error) {
	depth, threshold := l.stampParams()
	texels := in.Size * in.Size
	params := (&paramPack{}).u32(uint32(texels)).u32(0).f32(depth).f32(threshold).b
	return in.Dispatch(fmt.Sprintf("apply %q %v", l.label, in.Coords),
		shader.KernelFeatureStamp, params,
		[]backend.BufferID{in.Mask, in.Region.Elevation, in.Region.Exclusion}, groups1D(texels))
}

// ParamsHash fingerprints the layer's mask and stamp parameters.
func (l *FeatureLayer) ParamsHash() uint64 {
	d := xxhash.New()
	l.baseHash(d, KindFeature)
	depth, threshold := l.stampParams()
	hashU32(d, math.Float32bits(depth))
	hashU32(d, math.Float32bits(threshold))
	return d.Sum64()
}
