package wgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/terrain/backend"
)

// Package errors.
var (
	// ErrNoAdapter is returned when no usable GPU adapter is found.
	ErrNoAdapter = errors.New("wgpu: no GPU adapters found")

	// ErrReadbackUnavailable is returned by ReadBuffer. The HAL does not
	// expose buffer mapping yet, so buffer contents cannot be copied back
	// to the CPU. Hosts that need readback should run on the cpu backend.
	ErrReadbackUnavailable = errors.New("wgpu: buffer readback not available")
)

// fenceWaitGranularity bounds individual HAL waits so that Wait can
// honor an arbitrary timeout with repeated short waits.
const fenceWaitGranularity = 100 * time.Millisecond

func init() {
	backend.Register(backend.BackendWGPU, func() backend.Backend { return New() })
}

// bufferEntry pairs a HAL buffer with its size, which the HAL does not
// expose and ClearBuffer needs for clear-to-end.
type bufferEntry struct {
	buf  hal.Buffer
	size uint64
}

// viewInfo records a view's position within its parent buffer. The HAL
// has no buffer view object; views resolve to offset bindings.
type viewInfo struct {
	buf    backend.BufferID
	offset uint64
	size   uint64
}

// fence wraps a HAL fence. Every submission signals value 1.
type fence struct {
	f hal.Fence
}

// Backend is a backend.Backend over a gogpu/wgpu HAL device and queue.
//
// Backend is safe for concurrent use. Resource maps are protected by a
// mutex; command translation in Submit holds it read-only.
type Backend struct {
	mu sync.RWMutex

	instance  hal.Instance
	device    hal.Device
	queue     hal.Queue
	ownDevice bool
	limits    gputypes.Limits

	nextID atomic.Uint64

	buffers       map[backend.BufferID]bufferEntry
	views         map[backend.ViewID]viewInfo
	shaderModules map[backend.ShaderModuleID]hal.ShaderModule
	layouts       map[backend.BindGroupLayoutID]hal.BindGroupLayout
	pipeLayouts   map[backend.PipelineLayoutID]hal.PipelineLayout
	pipelines     map[backend.ComputePipelineID]hal.ComputePipeline
	bindGroups    map[backend.BindGroupID]hal.BindGroup
}

// New creates a wgpu backend that acquires its own Vulkan device on
// Init.
func New() *Backend {
	b := &Backend{
		buffers:       make(map[backend.BufferID]bufferEntry),
		views:         make(map[backend.ViewID]viewInfo),
		shaderModules: make(map[backend.ShaderModuleID]hal.ShaderModule),
		layouts:       make(map[backend.BindGroupLayoutID]hal.BindGroupLayout),
		pipeLayouts:   make(map[backend.PipelineLayoutID]hal.PipelineLayout),
		pipelines:     make(map[backend.ComputePipelineID]hal.ComputePipeline),
		bindGroups:    make(map[backend.BindGroupID]hal.BindGroup),
	}
	// Start ID generation at 1 (0 is invalid).
	b.nextID.Store(1)
	return b
}

// NewWithDevice creates a wgpu backend over a device and queue owned by
// the host (e.g., shared with a renderer). Close leaves them intact.
func NewWithDevice(device hal.Device, queue hal.Queue, limits *gputypes.Limits) *Backend {
	b := New()
	b.device = device
	b.queue = queue
	if limits != nil {
		b.limits = *limits
	} else {
		b.limits = gputypes.DefaultLimits()
	}
	return b
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return backend.BackendWGPU }

// Init acquires a standalone Vulkan device. Idempotent; a no-op when the
// backend was created over a shared device.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device != nil {
		return nil
	}

	hb, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("%w: vulkan backend not available", backend.ErrBackendNotAvailable)
	}
	instance, err := hb.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return ErrNoAdapter
	}

	// Prefer a real GPU over software implementations.
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("wgpu: open device: %w", err)
	}

	b.instance = instance
	b.device = openDev.Device
	b.queue = openDev.Queue
	b.ownDevice = true
	b.limits = limits
	return nil
}

// Close destroys all tracked resources and, when the backend owns it,
// the device and instance.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device != nil {
		for _, g := range b.bindGroups {
			b.device.DestroyBindGroup(g)
		}
		for _, p := range b.pipelines {
			b.device.DestroyComputePipeline(p)
		}
		for _, pl := range b.pipeLayouts {
			b.device.DestroyPipelineLayout(pl)
		}
		for _, l := range b.layouts {
			b.device.DestroyBindGroupLayout(l)
		}
		for _, m := range b.shaderModules {
			b.device.DestroyShaderModule(m)
		}
		for _, e := range b.buffers {
			b.device.DestroyBuffer(e.buf)
		}
	}
	b.buffers = make(map[backend.BufferID]bufferEntry)
	b.views = make(map[backend.ViewID]viewInfo)
	b.shaderModules = make(map[backend.ShaderModuleID]hal.ShaderModule)
	b.layouts = make(map[backend.BindGroupLayoutID]hal.BindGroupLayout)
	b.pipeLayouts = make(map[backend.PipelineLayoutID]hal.PipelineLayout)
	b.pipelines = make(map[backend.ComputePipelineID]hal.ComputePipeline)
	b.bindGroups = make(map[backend.BindGroupID]hal.BindGroup)

	if b.ownDevice {
		if b.device != nil {
			b.device.Destroy()
		}
		if b.instance != nil {
			b.instance.Destroy()
		}
	}
	b.instance = nil
	b.device = nil
	b.queue = nil
	b.ownDevice = false
}

// SupportsCompute reports compute support.
func (b *Backend) SupportsCompute() bool { return true }

// MaxBufferSize returns the device's maximum buffer size in bytes.
func (b *Backend) MaxBufferSize() uint64 { return b.limits.MaxBufferSize }

func (b *Backend) newID() uint64 {
	return b.nextID.Add(1) - 1
}

// === Shader Modules ===

// CreateShaderModule creates a shader module from SPIR-V bytecode.
func (b *Backend) CreateShaderModule(spirv []uint32, label string) (backend.ShaderModuleID, error) {
	if len(spirv) == 0 {
		return backend.InvalidID, fmt.Errorf("wgpu: empty SPIR-V bytecode")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return backend.InvalidID, backend.ErrNotInitialized
	}

	module, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create shader module %q: %w", label, err)
	}

	id := backend.ShaderModuleID(b.newID())
	b.shaderModules[id] = module
	return id, nil
}

// DestroyShaderModule releases a shader module.
func (b *Backend) DestroyShaderModule(id backend.ShaderModuleID) {
	b.mu.Lock()
	module, ok := b.shaderModules[id]
	if ok {
		delete(b.shaderModules, id)
	}
	device := b.device
	b.mu.Unlock()

	if ok && device != nil {
		device.DestroyShaderModule(module)
	}
}

// === Buffers ===

// CreateBuffer creates a device buffer.
func (b *Backend) CreateBuffer(size int, usage backend.BufferUsage) (backend.BufferID, error) {
	if size <= 0 {
		return backend.InvalidID, fmt.Errorf("wgpu: buffer size must be positive, got %d", size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return backend.InvalidID, backend.ErrNotInitialized
	}
	if uint64(size) > b.limits.MaxBufferSize {
		return backend.InvalidID, fmt.Errorf("wgpu: buffer size %d exceeds device limit %d",
			size, b.limits.MaxBufferSize)
	}

	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "",
		Size:  uint64(size),
		Usage: convertBufferUsage(usage),
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create buffer: %w", err)
	}

	id := backend.BufferID(b.newID())
	b.buffers[id] = bufferEntry{buf: buf, size: uint64(size)}
	return id, nil
}

// DestroyBuffer releases a buffer.
func (b *Backend) DestroyBuffer(id backend.BufferID) {
	b.mu.Lock()
	entry, ok := b.buffers[id]
	if ok {
		delete(b.buffers, id)
	}
	device := b.device
	b.mu.Unlock()

	if ok && device != nil {
		device.DestroyBuffer(entry.buf)
	}
}

// CreateView creates a view over a sub-range of a buffer.
func (b *Backend) CreateView(buf backend.BufferID, offset, size uint64) (backend.ViewID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.buffers[buf]
	if !ok {
		return backend.InvalidID, fmt.Errorf("wgpu: create view: %w: buffer %d", backend.ErrUnknownResource, buf)
	}
	if offset+size > entry.size {
		return backend.InvalidID, fmt.Errorf("wgpu: view range [%d,%d) out of bounds for buffer of %d bytes",
			offset, offset+size, entry.size)
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

// WriteBuffer writes data to a buffer through the queue.
func (b *Backend) WriteBuffer(id backend.BufferID, offset uint64, data []byte) {
	b.mu.RLock()
	entry, ok := b.buffers[id]
	queue := b.queue
	b.mu.RUnlock()

	if ok && queue != nil && len(data) > 0 {
		queue.WriteBuffer(entry.buf, offset, data)
	}
}

// ReadBuffer returns ErrReadbackUnavailable. The HAL does not expose
// buffer mapping, so there is no path from device memory back to the
// CPU yet.
//
// TODO: implement with a MapRead staging buffer once hal exposes
// buffer mapping.
func (b *Backend) ReadBuffer(id backend.BufferID, offset, size uint64) ([]byte, error) {
	b.mu.RLock()
	_, ok := b.buffers[id]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("wgpu: read buffer: %w: buffer %d", backend.ErrUnknownResource, id)
	}
	return nil, ErrReadbackUnavailable
}

// === Pipelines ===

// CreateBindGroupLayout creates a bind group layout.
func (b *Backend) CreateBindGroupLayout(desc *backend.BindGroupLayoutDesc) (backend.BindGroupLayoutID, error) {
	if desc == nil {
		return backend.InvalidID, fmt.Errorf("wgpu: nil bind group layout descriptor")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return backend.InvalidID, backend.ErrNotInitialized
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		entries[i] = convertLayoutEntry(e)
	}

	layout, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: entries,
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create bind group layout %q: %w", desc.Label, err)
	}

	id := backend.BindGroupLayoutID(b.newID())
	b.layouts[id] = layout
	return id, nil
}

// DestroyBindGroupLayout releases a bind group layout.
func (b *Backend) DestroyBindGroupLayout(id backend.BindGroupLayoutID) {
	b.mu.Lock()
	layout, ok := b.layouts[id]
	if ok {
		delete(b.layouts, id)
	}
	device := b.device
	b.mu.Unlock()

	if ok && device != nil {
		device.DestroyBindGroupLayout(layout)
	}
}

// CreatePipelineLayout creates a pipeline layout.
func (b *Backend) CreatePipelineLayout(layouts []backend.BindGroupLayoutID) (backend.PipelineLayoutID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return backend.InvalidID, backend.ErrNotInitialized
	}

	halLayouts := make([]hal.BindGroupLayout, len(layouts))
	for i, id := range layouts {
		layout, ok := b.layouts[id]
		if !ok {
			return backend.InvalidID, fmt.Errorf("wgpu: pipeline layout: %w: bind group layout %d",
				backend.ErrUnknownResource, id)
		}
		halLayouts[i] = layout
	}

	pl, err := b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "",
		BindGroupLayouts: halLayouts,
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}

	id := backend.PipelineLayoutID(b.newID())
	b.pipeLayouts[id] = pl
	return id, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (b *Backend) DestroyPipelineLayout(id backend.PipelineLayoutID) {
	b.mu.Lock()
	pl, ok := b.pipeLayouts[id]
	if ok {
		delete(b.pipeLayouts, id)
	}
	device := b.device
	b.mu.Unlock()

	if ok && device != nil {
		device.DestroyPipelineLayout(pl)
	}
}

// CreateComputePipeline creates a compute pipeline.
func (b *Backend) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.ComputePipelineID, error) {
	if desc == nil {
		return backend.InvalidID, fmt.Errorf("wgpu: nil compute pipeline descriptor")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return backend.InvalidID, backend.ErrNotInitialized
	}

	layout, ok := b.pipeLayouts[desc.Layout]
	if !ok {
		return backend.InvalidID, fmt.Errorf("wgpu: compute pipeline %q: %w: pipeline layout %d",
			desc.Label, backend.ErrUnknownResource, desc.Layout)
	}
	module, ok := b.shaderModules[desc.ShaderModule]
	if !ok {
		return backend.InvalidID, fmt.Errorf("wgpu: compute pipeline %q: %w: shader module %d",
			desc.Label, backend.ErrUnknownResource, desc.ShaderModule)
	}

	pipeline, err := b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create compute pipeline %q: %w", desc.Label, err)
	}

	id := backend.ComputePipelineID(b.newID())
	b.pipelines[id] = pipeline
	return id, nil
}

// DestroyComputePipeline releases a compute pipeline.
func (b *Backend) DestroyComputePipeline(id backend.ComputePipelineID) {
	b.mu.Lock()
	pipeline, ok := b.pipelines[id]
	if ok {
		delete(b.pipelines, id)
	}
	device := b.device
	b.mu.Unlock()

	if ok && device != nil {
		device.DestroyComputePipeline(pipeline)
	}
}

// CreateBindGroup binds buffers and views to a layout.
func (b *Backend) CreateBindGroup(layout backend.BindGroupLayoutID, entries []backend.BindGroupEntry) (backend.BindGroupID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return backend.InvalidID, backend.ErrNotInitialized
	}

	halLayout, ok := b.layouts[layout]
	if !ok {
		return backend.InvalidID, fmt.Errorf("wgpu: bind group: %w: layout %d", backend.ErrUnknownResource, layout)
	}

	halEntries := make([]gputypes.BindGroupEntry, len(entries))
	for i, e := range entries {
		binding, err := b.resolveBindingLocked(e)
		if err != nil {
			return backend.InvalidID, fmt.Errorf("wgpu: bind group entry %d: %w", e.Binding, err)
		}
		halEntries[i] = gputypes.BindGroupEntry{
			Binding:  e.Binding,
			Resource: binding,
		}
	}

	group, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "",
		Layout:  halLayout,
		Entries: halEntries,
	})
	if err != nil {
		return backend.InvalidID, fmt.Errorf("wgpu: create bind group: %w", err)
	}

	id := backend.BindGroupID(b.newID())
	b.bindGroups[id] = group
	return id, nil
}

// resolveBindingLocked resolves a bind group entry to a buffer binding.
// Views resolve to an offset range of their parent buffer.
func (b *Backend) resolveBindingLocked(e backend.BindGroupEntry) (gputypes.BufferBinding, error) {
	if e.View != backend.InvalidID {
		v, ok := b.views[e.View]
		if !ok {
			return gputypes.BufferBinding{}, fmt.Errorf("%w: view %d", backend.ErrUnknownResource, e.View)
		}
		entry, ok := b.buffers[v.buf]
		if !ok {
			return gputypes.BufferBinding{}, fmt.Errorf("%w: buffer %d behind view %d",
				backend.ErrUnknownResource, v.buf, e.View)
		}
		return gputypes.BufferBinding{
			Buffer: entry.buf.NativeHandle(),
			Offset: v.offset,
			Size:   v.size,
		}, nil
	}

	entry, ok := b.buffers[e.Buffer]
	if !ok {
		return gputypes.BufferBinding{}, fmt.Errorf("%w: buffer %d", backend.ErrUnknownResource, e.Buffer)
	}
	return gputypes.BufferBinding{
		Buffer: entry.buf.NativeHandle(),
		Offset: e.Offset,
		Size:   e.Size, // 0 = entire buffer
	}, nil
}

// DestroyBindGroup releases a bind group.
func (b *Backend) DestroyBindGroup(id backend.BindGroupID) {
	b.mu.Lock()
	group, ok := b.bindGroups[id]
	if ok {
		delete(b.bindGroups, id)
	}
	device := b.device
	b.mu.Unlock()

	if ok && device != nil {
		device.DestroyBindGroup(group)
	}
}

// === Submission ===

// CreateFence creates an unsignaled fence.
func (b *Backend) CreateFence() (backend.Fence, error) {
	b.mu.RLock()
	device := b.device
	b.mu.RUnlock()

	if device == nil {
		return nil, backend.ErrNotInitialized
	}
	hf, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	return &fence{f: hf}, nil
}

// DestroyFence releases a fence.
func (b *Backend) DestroyFence(f backend.Fence) {
	wf, ok := f.(*fence)
	if !ok {
		return
	}
	b.mu.RLock()
	device := b.device
	b.mu.RUnlock()

	if device != nil {
		device.DestroyFence(wf.f)
	}
}

// Poll reports whether the fence has signaled, waiting at most a
// nanosecond.
func (b *Backend) Poll(f backend.Fence) (bool, error) {
	wf, ok := f.(*fence)
	if !ok {
		return false, backend.ErrInvalidFence
	}
	b.mu.RLock()
	device := b.device
	b.mu.RUnlock()

	if device == nil {
		return false, backend.ErrNotInitialized
	}
	signaled, err := device.Wait(wf.f, 1, 1)
	if err != nil {
		return false, fmt.Errorf("wgpu: poll fence: %w", err)
	}
	return signaled, nil
}

// Wait blocks until the fence signals or the timeout elapses.
func (b *Backend) Wait(f backend.Fence, timeout time.Duration) (bool, error) {
	wf, ok := f.(*fence)
	if !ok {
		return false, backend.ErrInvalidFence
	}
	b.mu.RLock()
	device := b.device
	b.mu.RUnlock()

	if device == nil {
		return false, backend.ErrNotInitialized
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		step := remaining
		if step > fenceWaitGranularity {
			step = fenceWaitGranularity
		}
		signaled, err := device.Wait(wf.f, 1, step)
		if err != nil {
			return false, fmt.Errorf("wgpu: wait for fence: %w", err)
		}
		if signaled {
			return true, nil
		}
	}
}

// Submit translates the command sequence into queue writes and encoded
// command buffers, then submits them. The fence, if any, signals once
// every command has retired.
//
// Queue writes take effect before any subsequently submitted command
// buffer, so a WriteBuffer or ClearBuffer that follows encoded work
// forces the encoder to flush as an intermediate unfenced submission.
// Barriers are dropped: compute passes on one queue execute in
// submission order.
func (b *Backend) Submit(cmds []backend.Command, f backend.Fence) error {
	var hf hal.Fence
	if f != nil {
		wf, ok := f.(*fence)
		if !ok {
			return backend.ErrInvalidFence
		}
		hf = wf.f
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.device == nil || b.queue == nil {
		return backend.ErrNotInitialized
	}

	seq := &encodeSeq{b: b}
	for _, cmd := range cmds {
		if err := b.translateLocked(seq, cmd); err != nil {
			seq.discard()
			return err
		}
	}
	return seq.finish(hf)
}

// translateLocked translates one command. Must be called with mu held
// for reading.
func (b *Backend) translateLocked(seq *encodeSeq, cmd backend.Command) error {
	switch c := cmd.(type) {
	case backend.Barrier:
		return nil

	case backend.WriteBuffer:
		entry, ok := b.buffers[c.Buffer]
		if !ok {
			return fmt.Errorf("wgpu: write: %w: buffer %d", backend.ErrUnknownResource, c.Buffer)
		}
		if err := seq.flush(nil); err != nil {
			return err
		}
		if len(c.Data) > 0 {
			b.queue.WriteBuffer(entry.buf, c.Offset, c.Data)
		}
		return nil

	case backend.ClearBuffer:
		entry, ok := b.buffers[c.Buffer]
		if !ok {
			return fmt.Errorf("wgpu: clear: %w: buffer %d", backend.ErrUnknownResource, c.Buffer)
		}
		end := entry.size
		if c.Size > 0 {
			end = c.Offset + c.Size
		}
		if c.Offset > entry.size || end > entry.size {
			return fmt.Errorf("wgpu: clear range [%d,%d) out of bounds for buffer of %d bytes",
				c.Offset, end, entry.size)
		}
		if err := seq.flush(nil); err != nil {
			return err
		}
		b.queue.WriteBuffer(entry.buf, c.Offset, make([]byte, end-c.Offset))
		return nil

	case backend.CopyBuffer:
		src, ok := b.buffers[c.Src]
		if !ok {
			return fmt.Errorf("wgpu: copy: %w: src buffer %d", backend.ErrUnknownResource, c.Src)
		}
		dst, ok := b.buffers[c.Dst]
		if !ok {
			return fmt.Errorf("wgpu: copy: %w: dst buffer %d", backend.ErrUnknownResource, c.Dst)
		}
		encoder, err := seq.ensure()
		if err != nil {
			return err
		}
		encoder.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{
			{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: c.Size},
		})
		return nil

	case backend.Dispatch:
		pipeline, ok := b.pipelines[c.Pipeline]
		if !ok {
			return fmt.Errorf("wgpu: dispatch %q: %w: pipeline %d", c.Label, backend.ErrUnknownResource, c.Pipeline)
		}
		group, ok := b.bindGroups[c.BindGroup]
		if !ok {
			return fmt.Errorf("wgpu: dispatch %q: %w: bind group %d", c.Label, backend.ErrUnknownResource, c.BindGroup)
		}
		encoder, err := seq.ensure()
		if err != nil {
			return err
		}
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: c.Label})
		pass.SetPipeline(pipeline)
		pass.SetBindGroup(0, group, nil)
		pass.Dispatch(c.Groups[0], c.Groups[1], c.Groups[2])
		pass.End()
		return nil

	default:
		return fmt.Errorf("%w: %T", backend.ErrUnknownCommand, cmd)
	}
}

// encodeSeq accumulates encoded work between queue writes within one
// Submit call.
type encodeSeq struct {
	b       *Backend
	encoder hal.CommandEncoder
}

// ensure returns the active encoder, creating one if needed.
func (s *encodeSeq) ensure() (hal.CommandEncoder, error) {
	if s.encoder != nil {
		return s.encoder, nil
	}
	encoder, err := s.b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "terrain_submit",
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("terrain_submit"); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	s.encoder = encoder
	return encoder, nil
}

// flush submits the accumulated encoded work, signaling hf if non-nil.
func (s *encodeSeq) flush(hf hal.Fence) error {
	if s.encoder == nil {
		if hf != nil {
			if err := s.b.queue.Submit(nil, hf, 1); err != nil {
				return fmt.Errorf("wgpu: submit: %w", err)
			}
		}
		return nil
	}

	cmdBuf, err := s.encoder.EndEncoding()
	s.encoder = nil
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	var value uint64
	if hf != nil {
		value = 1
	}
	if err := s.b.queue.Submit([]hal.CommandBuffer{cmdBuf}, hf, value); err != nil {
		cmdBuf.Destroy()
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	cmdBuf.Destroy()
	return nil
}

// finish submits whatever remains with the submission's fence.
func (s *encodeSeq) finish(hf hal.Fence) error {
	return s.flush(hf)
}

// discard abandons encoding after a translation error.
func (s *encodeSeq) discard() {
	if s.encoder != nil {
		s.encoder.DiscardEncoding()
		s.encoder = nil
	}
}

// === Type Conversion ===

// convertBufferUsage converts backend buffer usage flags to HAL usage.
func convertBufferUsage(usage backend.BufferUsage) gputypes.BufferUsage {
	var result gputypes.BufferUsage

	if usage&backend.BufferUsageMapRead != 0 {
		result |= gputypes.BufferUsageMapRead
	}
	if usage&backend.BufferUsageCopySrc != 0 {
		result |= gputypes.BufferUsageCopySrc
	}
	if usage&backend.BufferUsageCopyDst != 0 {
		result |= gputypes.BufferUsageCopyDst
	}
	if usage&backend.BufferUsageUniform != 0 {
		result |= gputypes.BufferUsageUniform
	}
	if usage&backend.BufferUsageStorage != 0 {
		result |= gputypes.BufferUsageStorage
	}
	return result
}

// convertLayoutEntry converts a bind group layout entry to its HAL
// form. All bindings are compute-stage buffer bindings.
func convertLayoutEntry(e backend.BindGroupLayoutEntry) gputypes.BindGroupLayoutEntry {
	result := gputypes.BindGroupLayoutEntry{
		Binding:    e.Binding,
		Visibility: gputypes.ShaderStageCompute,
	}

	switch e.Type {
	case backend.BindingTypeUniformBuffer:
		result.Buffer = &gputypes.BufferBindingLayout{
			Type:           gputypes.BufferBindingTypeUniform,
			MinBindingSize: e.MinBindingSize,
		}
	case backend.BindingTypeStorageBuffer:
		result.Buffer = &gputypes.BufferBindingLayout{
			Type:           gputypes.BufferBindingTypeStorage,
			MinBindingSize: e.MinBindingSize,
		}
	case backend.BindingTypeReadOnlyStorageBuffer:
		result.Buffer = &gputypes.BufferBindingLayout{
			Type:           gputypes.BufferBindingTypeReadOnlyStorage,
			MinBindingSize: e.MinBindingSize,
		}
	}
	return result
}
