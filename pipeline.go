package terrain

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gogpu/terrain/backend"
	"github.com/gogpu/terrain/sched"
	"github.com/gogpu/terrain/shader"
)

// Kernel workgroup sizes, fixed in the WGSL sources.
const (
	workgroup1D = 64
	workgroup2D = 8
)

// kernelBindings declares each kernel's binding layout. Binding 0 is
// always the uniform parameter block.
var kernelBindings = map[string][]backend.BindingType{
	shader.KernelRegionClear: {
		backend.BindingTypeUniformBuffer,
		backend.BindingTypeStorageBuffer,
		backend.BindingTypeStorageBuffer,
		backend.BindingTypeStorageBuffer,
	},
	shader.KernelLayerMask: {
		backend.BindingTypeUniformBuffer,
		backend.BindingTypeStorageBuffer,
	},
	shader.KernelElevationApply: {
		backend.BindingTypeUniformBuffer,
		backend.BindingTypeReadOnlyStorageBuffer,
		backend.BindingTypeStorageBuffer,
	},
	shader.KernelMaterialApply: {
		backend.BindingTypeUniformBuffer,
		backend.BindingTypeReadOnlyStorageBuffer,
		backend.BindingTypeStorageBuffer,
	},
	shader.KernelFeatureStamp: {
		backend.BindingTypeUniformBuffer,
		backend.BindingTypeReadOnlyStorageBuffer,
		backend.BindingTypeStorageBuffer,
		backend.BindingTypeStorageBuffer,
	},
	shader.KernelSmoothElevation: {
		backend.BindingTypeUniformBuffer,
		backend.BindingTypeReadOnlyStorageBuffer,
		backend.BindingTypeStorageBuffer,
	},
	shader.KernelEditApply: {
		backend.BindingTypeUniformBuffer,
		backend.BindingTypeReadOnlyStorageBuffer,
		backend.BindingTypeStorageBuffer,
	},
	shader.KernelPlaceInstances: {
		backend.BindingTypeUniformBuffer,
		backend.BindingTypeReadOnlyStorageBuffer,
		backend.BindingTypeReadOnlyStorageBuffer,
		backend.BindingTypeStorageBuffer,
		backend.BindingTypeStorageBuffer,
	},
}

// pipelineEntry holds one kernel's compiled pipeline objects.
type pipelineEntry struct {
	bindLayout backend.BindGroupLayoutID
	pipeLayout backend.PipelineLayoutID
	pipeline   backend.ComputePipelineID
}

// pipelineCache builds each kernel's pipeline once per session.
type pipelineCache struct {
	be   backend.Backend
	repo *shader.Repository

	mu      sync.Mutex
	entries map[string]*pipelineEntry
}

func newPipelineCache(be backend.Backend, repo *shader.Repository) *pipelineCache {
	return &pipelineCache{
		be:      be,
		repo:    repo,
		entries: make(map[string]*pipelineEntry),
	}
}

func (pc *pipelineCache) get(kernel string) (*pipelineEntry, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if e, ok := pc.entries[kernel]; ok {
		return e, nil
	}

	types, ok := kernelBindings[kernel]
	if !ok {
		return nil, fmt.Errorf("terrain: %w: %q", shader.ErrUnknownKernel, kernel)
	}

	module, err := pc.repo.Module(kernel)
	if err != nil {
		return nil, err
	}

	layoutEntries := make([]backend.BindGroupLayoutEntry, len(types))
	for i, bt := range types {
		layoutEntries[i] = backend.BindGroupLayoutEntry{
			Binding: uint32(i),
			Type:    bt,
		}
	}
	bindLayout, err := pc.be.CreateBindGroupLayout(&backend.BindGroupLayoutDesc{
		Label:   kernel,
		Entries: layoutEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("terrain: pipeline %q: %w", kernel, err)
	}
	pipeLayout, err := pc.be.CreatePipelineLayout([]backend.BindGroupLayoutID{bindLayout})
	if err != nil {
		pc.be.DestroyBindGroupLayout(bindLayout)
		return nil, fmt.Errorf("terrain: pipeline %q: %w", kernel, err)
	}
	pipeline, err := pc.be.CreateComputePipeline(&backend.ComputePipelineDesc{
		Label:        kernel,
		Layout:       pipeLayout,
		ShaderModule: module,
		EntryPoint:   kernel,
	})
	if err != nil {
		pc.be.DestroyPipelineLayout(pipeLayout)
		pc.be.DestroyBindGroupLayout(bindLayout)
		return nil, fmt.Errorf("terrain: pipeline %q: %w", kernel, err)
	}

	e := &pipelineEntry{bindLayout: bindLayout, pipeLayout: pipeLayout, pipeline: pipeline}
	pc.entries[kernel] = e
	return e, nil
}

// Close destroys every cached pipeline object.
func (pc *pipelineCache) Close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for kernel, e := range pc.entries {
		pc.be.DestroyComputePipeline(e.pipeline)
		pc.be.DestroyPipelineLayout(e.pipeLayout)
		pc.be.DestroyBindGroupLayout(e.bindLayout)
		delete(pc.entries, kernel)
	}
}

// paramPack assembles a little-endian uniform parameter block.
type paramPack struct {
	b []byte
}

func (p *paramPack) u32(v uint32) *paramPack {
	p.b = binary.LittleEndian.AppendUint32(p.b, v)
	return p
}

func (p *paramPack) f32(v float32) *paramPack {
	return p.u32(math.Float32bits(v))
}

// groups1D returns the dispatch grid covering n items with the 1D
// workgroup size.
func groups1D(n int) [3]uint32 {
	return [3]uint32{uint32((n + workgroup1D - 1) / workgroup1D), 1, 1}
}

// groups2D returns the dispatch grid covering a w x h grid with the 2D
// workgroup size.
func groups2D(w, h int) [3]uint32 {
	return [3]uint32{
		uint32((w + workgroup2D - 1) / workgroup2D),
		uint32((h + workgroup2D - 1) / workgroup2D),
		1,
	}
}

// dispatch assembles the deferred effect of one kernel run: a fresh
// uniform buffer for the parameter block, a bind group over it and the
// given buffers (in binding order, starting at 1), and the upload plus
// dispatch commands. The uniform buffer and bind group are returned as
// task temporaries.
func (pc *pipelineCache) dispatch(label, kernel string, params []byte, buffers []backend.BufferID, groups [3]uint32) (sched.Effect, error) {
	entry, err := pc.get(kernel)
	if err != nil {
		return sched.Effect{}, err
	}
	if want := len(kernelBindings[kernel]) - 1; len(buffers) != want {
		return sched.Effect{}, fmt.Errorf("terrain: dispatch %q: %d buffers, want %d", kernel, len(buffers), want)
	}

	paramBuf, err := pc.be.CreateBuffer(len(params),
		backend.BufferUsageUniform|backend.BufferUsageCopyDst)
	if err != nil {
		return sched.Effect{}, fmt.Errorf("terrain: dispatch %q: %w", kernel, err)
	}

	entries := make([]backend.BindGroupEntry, 0, len(buffers)+1)
	entries = append(entries, backend.BindGroupEntry{Binding: 0, Buffer: paramBuf})
	for i, buf := range buffers {
		entries = append(entries, backend.BindGroupEntry{Binding: uint32(i + 1), Buffer: buf})
	}
	bindGroup, err := pc.be.CreateBindGroup(entry.bindLayout, entries)
	if err != nil {
		pc.be.DestroyBuffer(paramBuf)
		return sched.Effect{}, fmt.Errorf("terrain: dispatch %q: %w", kernel, err)
	}

	be := pc.be
	return sched.Effect{
		Commands: []backend.Command{
			backend.WriteBuffer{Buffer: paramBuf, Data: params},
			backend.Dispatch{
				Label:     label,
				Pipeline:  entry.pipeline,
				BindGroup: bindGroup,
				Groups:    groups,
			},
		},
		Temps: []sched.TempResource{
			{Handle: backend.ResourceID(bindGroup), Kind: sched.TempView, Release: func() { be.DestroyBindGroup(bindGroup) }},
			{Handle: paramBuf.Handle(), Kind: sched.TempAlloc, Release: func() { be.DestroyBuffer(paramBuf) }},
		},
		Shaders: []string{kernel},
	}, nil
}
