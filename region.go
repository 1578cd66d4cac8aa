package terrain

import (
	"fmt"
	"math"
)

// Coords identifies one region on the world grid.
type Coords struct {
	X, Y int
}

// String returns the string representation of Coords.
func (c Coords) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// WorldRect is an axis-aligned rectangle in world space.
type WorldRect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Empty reports whether the rect covers no area.
func (r WorldRect) Empty() bool { return r.MaxX <= r.MinX || r.MaxY <= r.MinY }

// Expand grows the rect outward by d on every side.
func (r WorldRect) Expand(d float64) WorldRect {
	return WorldRect{r.MinX - d, r.MinY - d, r.MaxX + d, r.MaxY + d}
}

// Union returns the smallest rect containing both rects.
func (r WorldRect) Union(o WorldRect) WorldRect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return WorldRect{
		MinX: math.Min(r.MinX, o.MinX),
		MinY: math.Min(r.MinY, o.MinY),
		MaxX: math.Max(r.MaxX, o.MaxX),
		MaxY: math.Max(r.MaxY, o.MaxY),
	}
}

// Overlaps reports whether the rects share any area.
func (r WorldRect) Overlaps(o WorldRect) bool {
	return r.MinX < o.MaxX && o.MinX < r.MaxX &&
		r.MinY < o.MaxY && o.MinY < r.MaxY
}

// TexelRect is a half-open rectangle on a region's texel grid.
type TexelRect struct {
	X0, Y0, X1, Y1 int
}

// Empty reports whether the rect covers no texels.
func (r TexelRect) Empty() bool { return r.X1 <= r.X0 || r.Y1 <= r.Y0 }

// Union returns the smallest rect containing both rects.
func (r TexelRect) Union(o TexelRect) TexelRect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return TexelRect{
		X0: min(r.X0, o.X0),
		Y0: min(r.Y0, o.Y0),
		X1: max(r.X1, o.X1),
		Y1: max(r.Y1, o.Y1),
	}
}

// Clamp limits the rect to a size x size grid.
func (r TexelRect) Clamp(size int) TexelRect {
	return TexelRect{
		X0: max(r.X0, 0),
		Y0: max(r.Y0, 0),
		X1: min(r.X1, size),
		Y1: min(r.Y1, size),
	}
}

// fullRect covers a region's whole texel grid.
func fullRect(size int) TexelRect { return TexelRect{0, 0, size, size} }

// regionBounds returns the world-space rect a region covers.
func (c Config) regionBounds(rc Coords) WorldRect {
	size := c.regionWorldSize()
	return WorldRect{
		MinX: float64(rc.X) * size,
		MinY: float64(rc.Y) * size,
		MaxX: float64(rc.X+1) * size,
		MaxY: float64(rc.Y+1) * size,
	}
}

// RegionAt returns the region containing a world-space point.
func (c Config) RegionAt(wx, wy float64) Coords {
	size := c.regionWorldSize()
	return Coords{
		X: int(math.Floor(wx / size)),
		Y: int(math.Floor(wy / size)),
	}
}

// regionsIn returns every region overlapping a world rect, in row-major
// order for deterministic iteration.
func (c Config) regionsIn(r WorldRect) []Coords {
	if r.Empty() {
		return nil
	}
	size := c.regionWorldSize()
	x0 := int(math.Floor(r.MinX / size))
	y0 := int(math.Floor(r.MinY / size))
	x1 := int(math.Ceil(r.MaxX / size))
	y1 := int(math.Ceil(r.MaxY / size))

	var out []Coords
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			out = append(out, Coords{X: x, Y: y})
		}
	}
	return out
}

// texelRectIn converts the part of a world rect overlapping a region
// into that region's texel grid, clamped to the grid.
func (c Config) texelRectIn(rc Coords, r WorldRect) TexelRect {
	b := c.regionBounds(rc)
	return TexelRect{
		X0: int(math.Floor((r.MinX - b.MinX) / c.TexelSize)),
		Y0: int(math.Floor((r.MinY - b.MinY) / c.TexelSize)),
		X1: int(math.Ceil((r.MaxX - b.MinX) / c.TexelSize)),
		Y1: int(math.Ceil((r.MaxY - b.MinY) / c.TexelSize)),
	}.Clamp(c.RegionTexels)
}
