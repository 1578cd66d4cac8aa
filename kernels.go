package terrain

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/terrain/backend/cpu"
	"github.com/gogpu/terrain/shader"
)

// kernelRegistrar is implemented by backends that execute registered Go
// kernels (the cpu backend). A session registers the mirrors of its
// WGSL kernels at setup.
type kernelRegistrar interface {
	RegisterKernel(entryPoint string, fn cpu.KernelFunc)
}

// registerKernels installs the Go mirror of every compute kernel.
// Each mirror must match its WGSL counterpart's bindings and semantics.
func registerKernels(kr kernelRegistrar) {
	kr.RegisterKernel(shader.KernelRegionClear, regionClearCPU)
	kr.RegisterKernel(shader.KernelLayerMask, layerMaskCPU)
	kr.RegisterKernel(shader.KernelElevationApply, elevationApplyCPU)
	kr.RegisterKernel(shader.KernelMaterialApply, materialApplyCPU)
	kr.RegisterKernel(shader.KernelFeatureStamp, featureStampCPU)
	kr.RegisterKernel(shader.KernelSmoothElevation, smoothElevationCPU)
	kr.RegisterKernel(shader.KernelEditApply, editApplyCPU)
	kr.RegisterKernel(shader.KernelPlaceInstances, placeInstancesCPU)
}

// Little-endian scalar access into binding byte ranges.

func u32At(b []byte, i int) uint32      { return binary.LittleEndian.Uint32(b[i*4:]) }
func putU32(b []byte, i int, v uint32)  { binary.LittleEndian.PutUint32(b[i*4:], v) }
func f32At(b []byte, i int) float32     { return math.Float32frombits(u32At(b, i)) }
func putF32(b []byte, i int, v float32) { putU32(b, i, math.Float32bits(v)) }

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func regionClearCPU(bindings map[uint32][]byte, _ [3]uint32) {
	params := bindings[0]
	elevation := bindings[1]
	material := bindings[2]
	exclusion := bindings[3]

	count := int(u32At(params, 0))
	baseMaterial := u32At(params, 1)
	baseElevation := f32At(params, 2)

	for i := 0; i < count; i++ {
		putF32(elevation, i, baseElevation)
		putU32(material, i, baseMaterial)
		putU32(exclusion, i, 0)
	}
}

func layerMaskCPU(bindings map[uint32][]byte, _ [3]uint32) {
	params := bindings[0]
	mask := bindings[1]

	width := int(u32At(params, 0))
	height := int(u32At(params, 1))
	minX := f32At(params, 4)
	minY := f32At(params, 5)
	maxX := f32At(params, 6)
	maxY := f32At(params, 7)
	falloff := f32At(params, 8)
	strength := f32At(params, 9)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px, py := float32(x), float32(y)
			dx := max(max(minX-px, 0), px-maxX)
			dy := max(max(minY-py, 0), py-maxY)
			d := float32(math.Sqrt(float64(dx*dx + dy*dy)))

			coverage := float32(1)
			if falloff > 0 {
				coverage = clamp01(1 - d/falloff)
			} else if d > 0 {
				coverage = 0
			}
			putF32(mask, y*width+x, coverage*strength)
		}
	}
}

func elevationApplyCPU(bindings map[uint32][]byte, _ [3]uint32) {
	params := bindings[0]
	mask := bindings[1]
	elevation := bindings[2]

	count := int(u32At(params, 0))
	mode := BlendMode(u32At(params, 1))
	value := f32At(params, 2)

	for i := 0; i < count; i++ {
		current := f32At(elevation, i)
		target := value
		switch mode {
		case BlendAdd:
			target = current + value
		case BlendSubtract:
			target = current - value
		case BlendMin:
			target = min(current, value)
		case BlendMax:
			target = max(current, value)
		}
		c := clamp01(f32At(mask, i))
		putF32(elevation, i, current+(target-current)*c)
	}
}

func materialApplyCPU(bindings map[uint32][]byte, _ [3]uint32) {
	params := bindings[0]
	mask := bindings[1]
	material := bindings[2]

	count := int(u32At(params, 0))
	shift := (u32At(params, 1) & 3) * 8

	for i := 0; i < count; i++ {
		packed := u32At(material, i)
		current := (packed >> shift) & 0xFF
		incoming := uint32(clamp01(f32At(mask, i))*255 + 0.5)
		blended := max(current, incoming)
		putU32(material, i, packed&^(0xFF<<shift)|blended<<shift)
	}
}

func featureStampCPU(bindings map[uint32][]byte, _ [3]uint32) {
	params := bindings[0]
	mask := bindings[1]
	elevation := bindings[2]
	exclusion := bindings[3]

	count := int(u32At(params, 0))
	depth := f32At(params, 2)
	threshold := f32At(params, 3)

	for i := 0; i < count; i++ {
		coverage := clamp01(f32At(mask, i))
		putF32(elevation, i, f32At(elevation, i)+depth*coverage)
		if coverage >= threshold {
			putU32(exclusion, i, 1)
		}
	}
}

func smoothElevationCPU(bindings map[uint32][]byte, _ [3]uint32) {
	params := bindings[0]
	src := bindings[1]
	dst := bindings[2]

	width := int(u32At(params, 0))
	height := int(u32At(params, 1))
	x0 := int(u32At(params, 2))
	y0 := int(u32At(params, 3))
	x1 := int(u32At(params, 4))
	y1 := int(u32At(params, 5))
	strength := clamp01(f32At(params, 6))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			if x < x0 || x >= x1 || y < y0 || y >= y1 {
				putF32(dst, i, f32At(src, i))
				continue
			}

			var sum, n float32
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= width || ny >= height {
						continue
					}
					sum += f32At(src, ny*width+nx)
					n++
				}
			}
			center := f32At(src, i)
			putF32(dst, i, center+(sum/n-center)*strength)
		}
	}
}

func editApplyCPU(bindings map[uint32][]byte, _ [3]uint32) {
	params := bindings[0]
	delta := bindings[1]
	elevation := bindings[2]

	count := int(u32At(params, 0))
	for i := 0; i < count; i++ {
		putF32(elevation, i, f32At(elevation, i)+f32At(delta, i))
	}
}

// placeHash mirrors the placement kernel's integer hash.
func placeHash(v uint32) uint32 {
	x := v
	x ^= x >> 16
	x *= 0x7FEB352D
	x ^= x >> 15
	x *= 0x846CA68B
	x ^= x >> 16
	return x
}

// placeUnit maps hash bits to [0, 1).
func placeUnit(v uint32) float32 {
	return float32(v&0xFFFFFF) / float32(0x1000000)
}

func placeInstancesCPU(bindings map[uint32][]byte, _ [3]uint32) {
	params := bindings[0]
	elevation := bindings[1]
	exclusion := bindings[2]
	counter := bindings[3]
	instances := bindings[4]

	width := int(u32At(params, 0))
	height := int(u32At(params, 1))
	stride := int(u32At(params, 2))
	maxCount := u32At(params, 3)
	maxSlope := f32At(params, 4)
	seed := u32At(params, 5)

	slope := func(x, y int) float32 {
		i := y*width + x
		xr := min(x+1, width-1)
		yd := min(y+1, height-1)
		dx := f32At(elevation, y*width+xr) - f32At(elevation, i)
		dy := f32At(elevation, yd*width+x) - f32At(elevation, i)
		return float32(math.Sqrt(float64(dx*dx + dy*dy)))
	}

	for y := 0; y < height; y += stride {
		for x := 0; x < width; x += stride {
			i := y*width + x
			if u32At(exclusion, i) != 0 {
				continue
			}
			if slope(x, y) > maxSlope {
				continue
			}

			h := placeHash(uint32(i) ^ seed)
			slot := u32At(counter, 0)
			putU32(counter, 0, slot+1)
			if slot >= maxCount {
				continue
			}

			o := int(slot) * 4
			putF32(instances, o+0, float32(x)+placeUnit(h)-0.5)
			putF32(instances, o+1, float32(y)+placeUnit(placeHash(h))-0.5)
			putF32(instances, o+2, f32At(elevation, i))
			putF32(instances, o+3, placeUnit(placeHash(h^0x9E3779B9))*6.2831853)
		}
	}
}
