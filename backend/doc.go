// Package backend defines the compute backend contract the terrain
// scheduler submits work to.
//
// A Backend owns GPU-visible resources (buffers, views, shader modules,
// compute pipelines, bind groups) addressed by opaque uint64 IDs, and
// executes ordered command sequences. Commands are plain data: the
// scheduler batches them, separates tasks with explicit Barrier markers,
// and observes completion only through fences. A backend must honor the
// insertion order of barriers within one submission.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime:
//
//	import _ "github.com/gogpu/terrain/backend/cpu"
//
//	b := backend.Default()
//
// Two implementations ship with this module:
//   - backend/cpu: a synchronous in-process backend that runs registered
//     Go kernels mirroring the WGSL compute shaders. Used by tests and
//     by hosts without a GPU.
//   - backend/wgpu: an adapter over a gogpu/wgpu HAL device and queue.
package backend
