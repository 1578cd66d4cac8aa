package terrain

// Register the default backend set. The cpu backend comes in through
// the kernel mirrors; the wgpu backend registers itself and is chosen
// when a device can be opened.
import (
	_ "github.com/gogpu/terrain/backend/wgpu"
)
