package backend

import (
	"errors"
	"time"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")

	// ErrUnknownResource is returned when an operation references an ID
	// the backend did not create or has already destroyed.
	ErrUnknownResource = errors.New("backend: unknown resource")

	// ErrInvalidFence is returned when a fence does not belong to this backend.
	ErrInvalidFence = errors.New("backend: invalid fence")

	// ErrUnknownCommand is returned when a submission contains a command
	// type the backend does not recognize.
	ErrUnknownCommand = errors.New("backend: unknown command")
)

// Fence is an opaque completion signal associated with one submission.
// Fences are created by a Backend and observed through Poll and Wait.
type Fence interface{}

// Backend abstracts over compute backend implementations.
//
// Implementations must be safe for concurrent use. Resource lifecycle:
//   - Resources are created via Create* methods and explicitly destroyed
//     via Destroy* methods.
//   - Destroying a resource while a submission references it is undefined
//     behavior; a view must be destroyed before its underlying buffer.
//   - IDs become invalid after destruction and are never reused.
type Backend interface {
	// Name returns the backend identifier (e.g., "cpu", "wgpu").
	Name() string

	// Init initializes the backend. Idempotent.
	Init() error

	// Close releases all backend resources.
	// The backend must not be used after Close is called.
	Close()

	// SupportsCompute returns whether compute dispatch is supported.
	SupportsCompute() bool

	// MaxBufferSize returns the maximum buffer size in bytes.
	MaxBufferSize() uint64

	// === Shader Modules ===

	// CreateShaderModule creates a shader module from SPIR-V bytecode.
	// The SPIR-V is compiled by naga before being passed here.
	CreateShaderModule(spirv []uint32, label string) (ShaderModuleID, error)

	// DestroyShaderModule releases a shader module.
	DestroyShaderModule(id ShaderModuleID)

	// === Buffers ===

	// CreateBuffer creates a buffer of the given size in bytes.
	CreateBuffer(size int, usage BufferUsage) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// CreateView creates a view over a sub-range of a buffer.
	// The view must be destroyed before the buffer.
	CreateView(buf BufferID, offset, size uint64) (ViewID, error)

	// DestroyView releases a buffer view.
	DestroyView(id ViewID)

	// WriteBuffer writes data to a buffer immediately, outside any
	// submission. Callers coordinating with in-flight scheduler work
	// must synchronize first.
	WriteBuffer(id BufferID, offset uint64, data []byte)

	// ReadBuffer reads data from a buffer. This may cause a GPU-CPU
	// synchronization stall.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// === Pipelines ===

	// CreateBindGroupLayout creates a bind group layout.
	CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error)

	// DestroyBindGroupLayout releases a bind group layout.
	DestroyBindGroupLayout(id BindGroupLayoutID)

	// CreatePipelineLayout creates a pipeline layout from bind group layouts.
	CreatePipelineLayout(layouts []BindGroupLayoutID) (PipelineLayoutID, error)

	// DestroyPipelineLayout releases a pipeline layout.
	DestroyPipelineLayout(id PipelineLayoutID)

	// CreateComputePipeline creates a compute pipeline.
	CreateComputePipeline(desc *ComputePipelineDesc) (ComputePipelineID, error)

	// DestroyComputePipeline releases a compute pipeline.
	DestroyComputePipeline(id ComputePipelineID)

	// CreateBindGroup binds actual resources to a bind group layout.
	CreateBindGroup(layout BindGroupLayoutID, entries []BindGroupEntry) (BindGroupID, error)

	// DestroyBindGroup releases a bind group.
	DestroyBindGroup(id BindGroupID)

	// === Submission ===

	// Submit executes a command sequence asynchronously. If fence is
	// non-nil it signals once every command in the sequence has retired.
	// Barriers within cmds are honored in insertion order.
	Submit(cmds []Command, fence Fence) error

	// CreateFence creates an unsignaled fence.
	CreateFence() (Fence, error)

	// DestroyFence releases a fence.
	DestroyFence(f Fence)

	// Poll reports whether the fence has signaled, without blocking.
	Poll(f Fence) (bool, error)

	// Wait blocks until the fence signals or the timeout elapses.
	// It returns true if the fence signaled.
	Wait(f Fence, timeout time.Duration) (bool, error)
}
