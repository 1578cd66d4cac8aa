// Package wgpu adapts a gogpu/wgpu HAL device to the backend contract.
//
// The adapter owns the mapping between opaque backend IDs and HAL
// resources, translates deferred command sequences into command
// encoders and compute passes, and signals completion through HAL
// fences. It can run on a standalone Vulkan device it creates itself,
// or on a device and queue shared with a host application.
//
// Importing this package registers the "wgpu" backend:
//
//	import _ "github.com/gogpu/terrain/backend/wgpu"
package wgpu
