package terrain

// Configuration defaults.
const (
	// DefaultRegionTexels is the edge length of a region's texel grid.
	DefaultRegionTexels = 256

	// DefaultTexelSize is the world-space size of one texel.
	DefaultTexelSize = 1.0

	// DefaultMaxInstances is the instance capacity per region.
	DefaultMaxInstances = 1024

	// DefaultPlacementStride is the texel spacing between placement
	// candidate cells.
	DefaultPlacementStride = 8

	// DefaultMaxSlope is the steepest local slope that still accepts
	// an instance, in elevation units per texel.
	DefaultMaxSlope = 1.5

	// DefaultSmoothStrength blends the box filter halfway toward the
	// neighborhood average.
	DefaultSmoothStrength = 0.5

	// DefaultExclusionThreshold is the coverage above which a stamped
	// feature blocks instance placement.
	DefaultExclusionThreshold = 0.5
)

// Config holds world and regeneration parameters for a Terrain session.
// The zero value is usable; zero fields take their defaults.
type Config struct {
	// RegionTexels is the edge length of each region's square texel
	// grid. Defaults to DefaultRegionTexels.
	RegionTexels int

	// TexelSize is the world-space size of one texel. Defaults to
	// DefaultTexelSize.
	TexelSize float64

	// BaseElevation fills freshly reset regions.
	BaseElevation float32

	// BaseMaterial is the packed channel weights of freshly reset
	// regions. The zero value leaves all channels unweighted.
	BaseMaterial uint32

	// SmoothPasses is the number of smoothing iterations per
	// regeneration. 0 disables smoothing.
	SmoothPasses int

	// SmoothStrength is the per-pass filter strength in [0, 1].
	// Defaults to DefaultSmoothStrength when SmoothPasses > 0.
	SmoothStrength float32

	// MaxInstances caps placed instances per region. Defaults to
	// DefaultMaxInstances.
	MaxInstances int

	// PlacementStride is the texel spacing of placement candidates.
	// Defaults to DefaultPlacementStride.
	PlacementStride int

	// MaxSlope rejects placement on steep texels. Defaults to
	// DefaultMaxSlope.
	MaxSlope float32

	// PlacementSeed seeds the deterministic placement jitter.
	PlacementSeed uint32

	// PreviewScale is the preview downsample factor. Defaults to
	// preview.DefaultScale.
	PreviewScale int
}

// withDefaults returns a copy of the config with zero fields filled in.
func (c Config) withDefaults() Config {
	if c.RegionTexels <= 0 {
		c.RegionTexels = DefaultRegionTexels
	}
	if c.TexelSize <= 0 {
		c.TexelSize = DefaultTexelSize
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = DefaultMaxInstances
	}
	if c.PlacementStride <= 0 {
		c.PlacementStride = DefaultPlacementStride
	}
	if c.MaxSlope <= 0 {
		c.MaxSlope = DefaultMaxSlope
	}
	if c.SmoothPasses > 0 && c.SmoothStrength <= 0 {
		c.SmoothStrength = DefaultSmoothStrength
	}
	return c
}

// texelCount returns the number of texels in one region.
func (c Config) texelCount() int { return c.RegionTexels * c.RegionTexels }

// regionWorldSize returns a region's world-space edge length.
func (c Config) regionWorldSize() float64 {
	return float64(c.RegionTexels) * c.TexelSize
}
