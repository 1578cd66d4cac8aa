// Package cpu provides a synchronous in-process compute backend.
//
// The cpu backend stores buffers as byte slices and executes dispatches
// by running Go kernels registered per shader entry point. Each kernel
// mirrors the algorithm of the WGSL shader with the same entry point, so
// the full terrain pipeline runs bit-identically without a GPU. This
// serves as the reference implementation and fallback, and is what the
// package tests run against.
package cpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/terrain/backend"
)

// DefaultMaxBufferSize is the cpu backend's advertised buffer limit (256 MB).
const DefaultMaxBufferSize = 256 << 20

// KernelFunc executes one compute dispatch on the CPU.
//
// bindings maps binding indices to the bound byte ranges, aliasing the
// backend's storage directly; writes through them are visible to later
// commands. groups is the workgroup grid of the dispatch. A kernel must
// mirror its WGSL counterpart exactly.
type KernelFunc func(bindings map[uint32][]byte, groups [3]uint32)

// viewInfo records a view's position within its parent buffer.
type viewInfo struct {
	buf    backend.BufferID
	offset uint64
	size   uint64
}

// pipelineInfo records what a compute pipeline dispatches.
type pipelineInfo struct {
	label  string
	entry  string
	layout backend.PipelineLayoutID
}

// fence is the cpu backend's completion signal. Submissions execute
// synchronously, so a fence signals before Submit returns.
type fence struct {
	signaled atomic.Bool
}

// Stats counts backend activity. Useful for asserting that an idle
// pipeline performs zero work.
type Stats struct {
	// Submissions is the number of Submit calls.
	Submissions uint64

	// Dispatches is the number of Dispatch commands executed.
	Dispatches uint64

	// Commands is the total number of commands executed, barriers included.
	Commands uint64
}

// Backend is a synchronous in-process implementation of backend.Backend.
//
// Backend is safe for concurrent use. All resource operations are
// protected by a mutex; Submit holds it for the duration of the
// (synchronous) execution.
type Backend struct {
	mu sync.RWMutex

	nextID atomic.Uint64

	buffers       map[backend.BufferID][]byte
	views         map[backend.ViewID]viewInfo
	shaderModules map[backend.ShaderModuleID]string
	layouts       map[backend.BindGroupLayoutID]*backend.BindGroupLayoutDesc
	pipeLayouts   map[backend.PipelineLayoutID][]backend.BindGroupLayoutID
	pipelines     map[backend.ComputePipelineID]pipelineInfo
	bindGroups    map[backend.BindGroupID][]backend.BindGroupEntry

	kernels map[string]KernelFunc

	stats  Stats
	closed bool
}

func init() {
	backend.Register(backend.BackendCPU, func() backend.Backend { return New() })
}

// New creates a new cpu backend with no kernels registered.
func New() *Backend {
	b := &Backend{
		buffers:       make(map[backend.BufferID][]byte),
		views:         make(map[backend.ViewID]viewInfo),
		shaderModules: make(map[backend.ShaderModuleID]string),
		layouts:       make(map[backend.BindGroupLayoutID]*backend.BindGroupLayoutDesc),
		pipeLayouts:   make(map[backend.PipelineLayoutID][]backend.BindGroupLayoutID),
		pipelines:     make(map[backend.ComputePipelineID]pipelineInfo),
		bindGroups:    make(map[backend.BindGroupID][]backend.BindGroupEntry),
		kernels:       make(map[string]KernelFunc),
	}
	// Start ID generation at 1 (0 is invalid).
	b.nextID.Store(1)
	return b
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.BackendCPU }

// Init initializes the backend. The cpu backend needs no setup.
func (b *Backend) Init() error { return nil }

// Close releases all resources. The backend must not be used afterwards.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffers = nil
	b.views = nil
	b.shaderModules = nil
	b.layouts = nil
	b.pipeLayouts = nil
	b.pipelines = nil
	b.bindGroups = nil
	b.closed = true
}

// SupportsCompute reports compute support. Always true: dispatches run
// as Go kernels.
func (b *Backend) SupportsCompute() bool { return true }

// MaxBufferSize returns the maximum buffer size in bytes.
func (b *Backend) MaxBufferSize() uint64 { return DefaultMaxBufferSize }

// RegisterKernel registers the Go mirror of a shader entry point.
// Dispatches through pipelines created with this entry point run fn.
// Registering an entry point twice replaces the previous kernel.
func (b *Backend) RegisterKernel(entryPoint string, fn KernelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kernels[entryPoint] = fn
}

// Stats returns a snapshot of the backend's activity counters.
func (b *Backend) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

func (b *Backend) newID() uint64 {
	return b.nextID.Add(1) - 1
}

// === Shader Modules ===

// CreateShaderModule records a shader module. The cpu backend does not
// execute SPIR-V; the module exists so resource lifecycles match the
// GPU path, and dispatch routing happens by entry point name.
func (b *Backend) CreateShaderModule(spirv []uint32, label string) (backend.ShaderModuleID, error) {
	if len(spirv) == 0 {
		return backend.InvalidID, fmt.Errorf("cpu: empty SPIR-V bytecode")
	}

	id := backend.ShaderModuleID(b.newID())
	b.mu.Lock()
	b.shaderModules[id] = label
	b.mu.Unlock()
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (b *Backend) DestroyShaderModule(id backend.ShaderModuleID) {
	b.mu.Lock()
	delete(b.shaderModules, id)
	b.mu.Unlock()
}

// === Buffers ===

// CreateBuffer allocates a zero-filled buffer.
func (b *Backend) CreateBuffer(size int, usage backend.BufferUsage) (backend.BufferID, error) {
	if size <= 0 {
		return backend.InvalidID, fmt.Errorf("cpu: buffer size must be positive, got %d", size)
	}
	if uint64(size) > b.MaxBufferSize() {
		return backend.InvalidID, fmt.Errorf("cpu: buffer size %d exceeds limit %d", size, b.MaxBufferSize())
	}

	id := backend.BufferID(b.newID())
	b.mu.Lock()
	b.buffers[id] = make([]byte, size)
	b.mu.Unlock()
	return id, nil
}

// DestroyBuffer releases a buffer.
func (b *Backend) DestroyBuffer(id backend.BufferID) {
	b.mu.Lock()
	delete(b.buffers, id)
	b.mu.Unlock()
}

// CreateView creates a view over a sub-range of a buffer.
func (b *Backend) CreateView(buf backend.BufferID, offset, size uint64) (backend.ViewID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.buffers[buf]
	if !ok {
		return backend.InvalidID, fmt.Errorf("cpu: create view: %w: buffer %d", backend.ErrUnknownResource, buf)
	}
	if offset+size > uint64(len(data)) {
		return backend.InvalidID, fmt.Errorf("cpu: view range [%d,%d) out of bounds for buffer of %d bytes",
			offset, offset+size, len(data))
	}

	id := backend.ViewID(b.nextID.Add(1) - 1)
	b.views[id] = viewInfo{buf: buf, offset: offset, size: size}
	return id, nil
}

// DestroyView releases a buffer view.
func (b *Backend) DestroyView(id backend.ViewID) {
	b.mu.Lock()
	delete(b.views, id)
	b.mu.Unlock()
}

// WriteBuffer writes data to a buffer. Out-of-range writes are clipped.
func (b *Backend) WriteBuffer(id backend.BufferID, offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeBufferLocked(id, offset, data)
}

func (b *Backend) writeBufferLocked(id backend.BufferID, offset uint64, data []byte) {
	buf, ok := b.buffers[id]
	if !ok || offset >= uint64(len(buf)) {
		return
	}
	copy(buf[offset:], data)
}

// ReadBuffer returns a copy of a byte range of a buffer.
func (b *Backend) ReadBuffer(id backend.BufferID, offset, size uint64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf, ok := b.buffers[id]
	if !ok {
		return nil, fmt.Errorf("cpu: read buffer: %w: buffer %d", backend.ErrUnknownResource, id)
	}
	if offset+size > uint64(len(buf)) {
		return nil, fmt.Errorf("cpu: read range [%d,%d) out of bounds for buffer of %d bytes",
			offset, offset+size, len(buf))
	}

	out := make([]byte, size)
	copy(out, buf[offset:offset+size])
	return out, nil
}

// === Pipelines ===

// CreateBindGroupLayout creates a bind group layout.
func (b *Backend) CreateBindGroupLayout(desc *backend.BindGroupLayoutDesc) (backend.BindGroupLayoutID, error) {
	if desc == nil {
		return backend.InvalidID, fmt.Errorf("cpu: nil bind group layout descriptor")
	}

	id := backend.BindGroupLayoutID(b.newID())
	b.mu.Lock()
	b.layouts[id] = desc
	b.mu.Unlock()
	return id, nil
}

// DestroyBindGroupLayout releases a bind group layout.
func (b *Backend) DestroyBindGroupLayout(id backend.BindGroupLayoutID) {
	b.mu.Lock()
	delete(b.layouts, id)
	b.mu.Unlock()
}

// CreatePipelineLayout creates a pipeline layout.
func (b *Backend) CreatePipelineLayout(layouts []backend.BindGroupLayoutID) (backend.PipelineLayoutID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range layouts {
		if _, ok := b.layouts[l]; !ok {
			return backend.InvalidID, fmt.Errorf("cpu: pipeline layout: %w: bind group layout %d",
				backend.ErrUnknownResource, l)
		}
	}

	id := backend.PipelineLayoutID(b.nextID.Add(1) - 1)
	b.pipeLayouts[id] = layouts
	return id, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (b *Backend) DestroyPipelineLayout(id backend.PipelineLayoutID) {
	b.mu.Lock()
	delete(b.pipeLayouts, id)
	b.mu.Unlock()
}

// CreateComputePipeline creates a compute pipeline. The entry point
// selects the registered kernel at dispatch time; a kernel does not
// have to be registered yet.
func (b *Backend) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.ComputePipelineID, error) {
	if desc == nil {
		return backend.InvalidID, fmt.Errorf("cpu: nil compute pipeline descriptor")
	}
	if desc.EntryPoint == "" {
		return backend.InvalidID, fmt.Errorf("cpu: compute pipeline %q has empty entry point", desc.Label)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.shaderModules[desc.ShaderModule]; !ok {
		return backend.InvalidID, fmt.Errorf("cpu: compute pipeline %q: %w: shader module %d",
			desc.Label, backend.ErrUnknownResource, desc.ShaderModule)
	}

	id := backend.ComputePipelineID(b.nextID.Add(1) - 1)
	b.pipelines[id] = pipelineInfo{label: desc.Label, entry: desc.EntryPoint, layout: desc.Layout}
	return id, nil
}

// DestroyComputePipeline releases a compute pipeline.
func (b *Backend) DestroyComputePipeline(id backend.ComputePipelineID) {
	b.mu.Lock()
	delete(b.pipelines, id)
	b.mu.Unlock()
}

// CreateBindGroup binds resources to a layout.
func (b *Backend) CreateBindGroup(layout backend.BindGroupLayoutID, entries []backend.BindGroupEntry) (backend.BindGroupID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.layouts[layout]; !ok {
		return backend.InvalidID, fmt.Errorf("cpu: bind group: %w: layout %d", backend.ErrUnknownResource, layout)
	}
	for _, e := range entries {
		if e.View != backend.InvalidID {
			if _, ok := b.views[e.View]; !ok {
				return backend.InvalidID, fmt.Errorf("cpu: bind group: %w: view %d", backend.ErrUnknownResource, e.View)
			}
			continue
		}
		if _, ok := b.buffers[e.Buffer]; !ok {
			return backend.InvalidID, fmt.Errorf("cpu: bind group: %w: buffer %d", backend.ErrUnknownResource, e.Buffer)
		}
	}

	id := backend.BindGroupID(b.nextID.Add(1) - 1)
	b.bindGroups[id] = entries
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (b *Backend) DestroyBindGroup(id backend.BindGroupID) {
	b.mu.Lock()
	delete(b.bindGroups, id)
	b.mu.Unlock()
}

// === Submission ===

// CreateFence creates an unsignaled fence.
func (b *Backend) CreateFence() (backend.Fence, error) {
	return &fence{}, nil
}

// DestroyFence releases a fence.
func (b *Backend) DestroyFence(f backend.Fence) {}

// Poll reports whether the fence has signaled.
func (b *Backend) Poll(f backend.Fence) (bool, error) {
	cf, ok := f.(*fence)
	if !ok {
		return false, backend.ErrInvalidFence
	}
	return cf.signaled.Load(), nil
}

// Wait blocks until the fence signals. The cpu backend signals fences
// synchronously in Submit, so Wait never actually blocks.
func (b *Backend) Wait(f backend.Fence, timeout time.Duration) (bool, error) {
	return b.Poll(f)
}

// Submit executes the command sequence synchronously and signals the
// fence. Execution stops at the first invalid command and returns an
// error; commands before it have already taken effect.
func (b *Backend) Submit(cmds []backend.Command, f backend.Fence) error {
	var cf *fence
	if f != nil {
		var ok bool
		cf, ok = f.(*fence)
		if !ok {
			return backend.ErrInvalidFence
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.ErrNotInitialized
	}

	for _, cmd := range cmds {
		b.stats.Commands++
		if err := b.execLocked(cmd); err != nil {
			return err
		}
	}
	b.stats.Submissions++

	if cf != nil {
		cf.signaled.Store(true)
	}
	return nil
}

func (b *Backend) execLocked(cmd backend.Command) error {
	switch c := cmd.(type) {
	case backend.Barrier:
		// Execution is synchronous; ordering is inherent.
		return nil

	case backend.WriteBuffer:
		if _, ok := b.buffers[c.Buffer]; !ok {
			return fmt.Errorf("cpu: write: %w: buffer %d", backend.ErrUnknownResource, c.Buffer)
		}
		b.writeBufferLocked(c.Buffer, c.Offset, c.Data)
		return nil

	case backend.CopyBuffer:
		src, ok := b.buffers[c.Src]
		if !ok {
			return fmt.Errorf("cpu: copy: %w: src buffer %d", backend.ErrUnknownResource, c.Src)
		}
		dst, ok := b.buffers[c.Dst]
		if !ok {
			return fmt.Errorf("cpu: copy: %w: dst buffer %d", backend.ErrUnknownResource, c.Dst)
		}
		if c.SrcOffset+c.Size > uint64(len(src)) || c.DstOffset+c.Size > uint64(len(dst)) {
			return fmt.Errorf("cpu: copy range out of bounds (src %d+%d/%d, dst %d+%d/%d)",
				c.SrcOffset, c.Size, len(src), c.DstOffset, c.Size, len(dst))
		}
		copy(dst[c.DstOffset:c.DstOffset+c.Size], src[c.SrcOffset:c.SrcOffset+c.Size])
		return nil

	case backend.ClearBuffer:
		buf, ok := b.buffers[c.Buffer]
		if !ok {
			return fmt.Errorf("cpu: clear: %w: buffer %d", backend.ErrUnknownResource, c.Buffer)
		}
		end := uint64(len(buf))
		if c.Size > 0 {
			end = c.Offset + c.Size
		}
		if c.Offset > uint64(len(buf)) || end > uint64(len(buf)) {
			return fmt.Errorf("cpu: clear range [%d,%d) out of bounds for buffer of %d bytes",
				c.Offset, end, len(buf))
		}
		clear(buf[c.Offset:end])
		return nil

	case backend.Dispatch:
		return b.dispatchLocked(c)

	default:
		return fmt.Errorf("%w: %T", backend.ErrUnknownCommand, cmd)
	}
}

func (b *Backend) dispatchLocked(c backend.Dispatch) error {
	pi, ok := b.pipelines[c.Pipeline]
	if !ok {
		return fmt.Errorf("cpu: dispatch %q: %w: pipeline %d", c.Label, backend.ErrUnknownResource, c.Pipeline)
	}
	kernel, ok := b.kernels[pi.entry]
	if !ok {
		return fmt.Errorf("cpu: dispatch %q: no kernel registered for entry point %q", c.Label, pi.entry)
	}
	entries, ok := b.bindGroups[c.BindGroup]
	if !ok {
		return fmt.Errorf("cpu: dispatch %q: %w: bind group %d", c.Label, backend.ErrUnknownResource, c.BindGroup)
	}

	bindings := make(map[uint32][]byte, len(entries))
	for _, e := range entries {
		data, err := b.resolveBindingLocked(e)
		if err != nil {
			return fmt.Errorf("cpu: dispatch %q: %w", c.Label, err)
		}
		bindings[e.Binding] = data
	}

	b.stats.Dispatches++
	kernel(bindings, c.Groups)
	return nil
}

// resolveBindingLocked returns the byte range a bind group entry refers
// to, aliasing the backing storage.
func (b *Backend) resolveBindingLocked(e backend.BindGroupEntry) ([]byte, error) {
	if e.View != backend.InvalidID {
		v, ok := b.views[e.View]
		if !ok {
			return nil, fmt.Errorf("%w: view %d", backend.ErrUnknownResource, e.View)
		}
		buf, ok := b.buffers[v.buf]
		if !ok {
			return nil, fmt.Errorf("%w: buffer %d behind view %d", backend.ErrUnknownResource, v.buf, e.View)
		}
		return buf[v.offset : v.offset+v.size], nil
	}

	buf, ok := b.buffers[e.Buffer]
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", backend.ErrUnknownResource, e.Buffer)
	}
	end := uint64(len(buf))
	if e.Size > 0 {
		end = e.Offset + e.Size
	}
	if e.Offset > uint64(len(buf)) || end > uint64(len(buf)) {
		return nil, fmt.Errorf("binding range [%d,%d) out of bounds for buffer of %d bytes",
			e.Offset, end, len(buf))
	}
	return buf[e.Offset:end], nil
}
