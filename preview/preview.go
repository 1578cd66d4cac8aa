// Package preview renders low-resolution preview images of region
// surface data for editor display. Previews are CPU-side and read
// from snapshots, never from live device buffers.
package preview

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// ErrBadDimensions is returned when the sample data does not match the
// given grid dimensions.
var ErrBadDimensions = errors.New("preview: sample data does not match dimensions")

// DefaultScale is the downsample factor applied to the region grid.
const DefaultScale = 4

// Material channel tints, one per packed weight byte.
var channelTints = [4][3]uint8{
	{96, 128, 64},  // ground
	{128, 128, 96}, // rock
	{72, 112, 48},  // grass
	{160, 150, 96}, // sand
}

// Generator renders previews at a fixed downsample scale.
type Generator struct {
	scale int
}

// NewGenerator creates a generator. A scale below 1 uses DefaultScale.
func NewGenerator(scale int) *Generator {
	if scale < 1 {
		scale = DefaultScale
	}
	return &Generator{scale: scale}
}

// Scale returns the downsample factor.
func (g *Generator) Scale() int { return g.scale }

// Render produces a preview image from a region's elevation and packed
// material weights. Elevation drives luminance, the dominant material
// channel drives hue. The output is the grid size divided by the
// generator's scale, minimum 1x1.
func (g *Generator) Render(elev []float32, material []uint32, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}
	if len(elev) != width*height || len(material) != width*height {
		return nil, fmt.Errorf("%w: %d elevation and %d material samples for %dx%d",
			ErrBadDimensions, len(elev), len(material), width, height)
	}

	lo, hi := elevRange(elev)
	src := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			lum := normalize(elev[i], lo, hi)
			tint := dominantTint(material[i])

			o := src.PixOffset(x, y)
			src.Pix[o+0] = shade(tint[0], lum)
			src.Pix[o+1] = shade(tint[1], lum)
			src.Pix[o+2] = shade(tint[2], lum)
			src.Pix[o+3] = 0xFF
		}
	}

	dw := max(width/g.scale, 1)
	dh := max(height/g.scale, 1)
	if dw == width && dh == height {
		return src, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

func elevRange(elev []float32) (lo, hi float32) {
	lo = float32(math.Inf(1))
	hi = float32(math.Inf(-1))
	for _, e := range elev {
		lo = min(lo, e)
		hi = max(hi, e)
	}
	return lo, hi
}

func normalize(v, lo, hi float32) float32 {
	if hi <= lo {
		return 0.5
	}
	return (v - lo) / (hi - lo)
}

// dominantTint picks the tint of the heaviest packed material channel.
func dominantTint(packed uint32) [3]uint8 {
	best := 0
	bestWeight := uint32(0)
	for c := 0; c < 4; c++ {
		w := (packed >> (uint(c) * 8)) & 0xFF
		if w > bestWeight {
			bestWeight = w
			best = c
		}
	}
	return channelTints[best]
}

// shade scales a tint component by luminance, keeping a floor so low
// terrain stays visible.
func shade(c uint8, lum float32) uint8 {
	v := float32(c) * (0.25 + 0.75*lum)
	if v > 255 {
		v = 255
	}
	return uint8(v)
}
