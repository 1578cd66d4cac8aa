package backend

// Resource IDs
//
// These opaque IDs represent backend resources. Each backend
// implementation maintains a mapping between IDs and actual GPU (or
// in-memory) objects. IDs are uint64 to accommodate various backend
// handle sizes. All IDs created by one backend share a single number
// space, so any resource ID can double as a hazard-tracking handle.

// ResourceID is the backend-wide handle used for hazard bookkeeping.
// Every concrete ID type converts to a ResourceID via its Handle method.
type ResourceID uint64

// BufferID is an opaque handle to a backend buffer.
type BufferID uint64

// Handle returns the buffer's hazard-tracking handle.
func (id BufferID) Handle() ResourceID { return ResourceID(id) }

// ViewID is an opaque handle to a view over a sub-range of a buffer.
// A view is a dependent resource: it must be destroyed before the
// buffer it refers to.
type ViewID uint64

// Handle returns the view's hazard-tracking handle.
func (id ViewID) Handle() ResourceID { return ResourceID(id) }

// ShaderModuleID is an opaque handle to a compiled shader module.
type ShaderModuleID uint64

// ComputePipelineID is an opaque handle to a compute pipeline.
type ComputePipelineID uint64

// BindGroupLayoutID is an opaque handle to a bind group layout.
type BindGroupLayoutID uint64

// PipelineLayoutID is an opaque handle to a pipeline layout.
type PipelineLayoutID uint64

// BindGroupID is an opaque handle to a bind group.
type BindGroupID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageMapRead indicates the buffer can be mapped for reading.
	BufferUsageMapRead BufferUsage = 1 << 0

	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 1

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 2

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 3

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 4
)

// BindingType specifies the type of a shader binding.
type BindingType uint32

// Binding types.
const (
	// BindingTypeUniformBuffer is a uniform buffer binding.
	BindingTypeUniformBuffer BindingType = iota + 1

	// BindingTypeStorageBuffer is a storage buffer binding (read-write).
	BindingTypeStorageBuffer

	// BindingTypeReadOnlyStorageBuffer is a read-only storage buffer binding.
	BindingTypeReadOnlyStorageBuffer
)

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	// Label is an optional debug label.
	Label string

	// Layout is the pipeline layout.
	Layout PipelineLayoutID

	// ShaderModule contains the compute shader.
	ShaderModule ShaderModuleID

	// EntryPoint is the name of the shader entry point function.
	EntryPoint string
}

// BindGroupLayoutDesc describes a bind group layout.
type BindGroupLayoutDesc struct {
	// Label is an optional debug label.
	Label string

	// Entries defines the bindings in this layout.
	Entries []BindGroupLayoutEntry
}

// BindGroupLayoutEntry describes a single binding in a bind group layout.
type BindGroupLayoutEntry struct {
	// Binding is the binding index.
	Binding uint32

	// Type is the type of resource bound at this index.
	Type BindingType

	// MinBindingSize is the minimum buffer size for buffer bindings.
	// Set to 0 for no minimum.
	MinBindingSize uint64
}

// BindGroupEntry describes a single binding in a bind group.
// Exactly one of Buffer or View must be set.
type BindGroupEntry struct {
	// Binding is the binding index.
	Binding uint32

	// Buffer is the buffer to bind (for whole-buffer bindings).
	Buffer BufferID

	// View is the buffer view to bind (for sub-range bindings).
	View ViewID

	// Offset is the offset into the buffer. Ignored for views.
	Offset uint64

	// Size is the size of the buffer range to bind.
	// Use 0 to bind the entire buffer from Offset. Ignored for views.
	Size uint64
}
