// Package shader holds the WGSL compute kernels for terrain
// regeneration and a repository that compiles them to SPIR-V on first
// use and caches the resulting backend modules.
package shader

import (
	"embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/terrain/backend"
)

//go:embed wgsl/*.wgsl
var wgslFS embed.FS

// ErrUnknownKernel is returned when no kernel with the given name exists.
var ErrUnknownKernel = errors.New("shader: unknown kernel")

// Kernel names. Each names one embedded WGSL file whose compute entry
// point carries the same name.
const (
	KernelRegionClear     = "region_clear"
	KernelLayerMask       = "layer_mask"
	KernelElevationApply  = "elevation_apply"
	KernelMaterialApply   = "material_apply"
	KernelFeatureStamp    = "feature_stamp"
	KernelSmoothElevation = "smooth_elevation"
	KernelEditApply       = "edit_apply"
	KernelPlaceInstances  = "place_instances"
)

// Source returns the WGSL source for a kernel.
func Source(name string) (string, error) {
	data, err := wgslFS.ReadFile("wgsl/" + name + ".wgsl")
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownKernel, name)
	}
	return string(data), nil
}

// Names returns all kernel names in sorted order.
func Names() []string {
	entries, err := wgslFS.ReadDir("wgsl")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		names = append(names, name[:len(name)-len(".wgsl")])
	}
	sort.Strings(names)
	return names
}

// Repository compiles kernels lazily and caches one backend shader
// module per kernel. Safe for concurrent use.
type Repository struct {
	be backend.Backend

	mu      sync.Mutex
	modules map[string]backend.ShaderModuleID
}

// NewRepository creates a repository over the given backend.
func NewRepository(be backend.Backend) *Repository {
	return &Repository{
		be:      be,
		modules: make(map[string]backend.ShaderModuleID),
	}
}

// Module returns the backend shader module for a kernel, compiling the
// WGSL source on first use.
func (r *Repository) Module(name string) (backend.ShaderModuleID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.modules[name]; ok {
		return id, nil
	}

	src, err := Source(name)
	if err != nil {
		return backend.InvalidID, err
	}
	spirv, err := CompileWGSL(src)
	if err != nil {
		return backend.InvalidID, fmt.Errorf("shader: kernel %q: %w", name, err)
	}
	id, err := r.be.CreateShaderModule(spirv, name)
	if err != nil {
		return backend.InvalidID, fmt.Errorf("shader: kernel %q: %w", name, err)
	}
	r.modules[name] = id
	return id, nil
}

// Close destroys every cached shader module. The repository must not be
// used afterwards.
func (r *Repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, id := range r.modules {
		r.be.DestroyShaderModule(id)
		delete(r.modules, name)
	}
}
