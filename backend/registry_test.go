package backend

import (
	"testing"
	"time"
)

// stubBackend is a minimal Backend for registry tests.
type stubBackend struct {
	name string
}

func (s *stubBackend) Name() string          { return s.name }
func (s *stubBackend) Init() error           { return nil }
func (s *stubBackend) Close()                {}
func (s *stubBackend) SupportsCompute() bool { return false }
func (s *stubBackend) MaxBufferSize() uint64 { return 0 }

func (s *stubBackend) CreateShaderModule([]uint32, string) (ShaderModuleID, error) {
	return InvalidID, nil
}
func (s *stubBackend) DestroyShaderModule(ShaderModuleID) {}

func (s *stubBackend) CreateBuffer(int, BufferUsage) (BufferID, error) { return InvalidID, nil }
func (s *stubBackend) DestroyBuffer(BufferID)                          {}
func (s *stubBackend) CreateView(BufferID, uint64, uint64) (ViewID, error) {
	return InvalidID, nil
}
func (s *stubBackend) DestroyView(ViewID)                  {}
func (s *stubBackend) WriteBuffer(BufferID, uint64, []byte) {}
func (s *stubBackend) ReadBuffer(BufferID, uint64, uint64) ([]byte, error) {
	return nil, ErrUnknownResource
}

func (s *stubBackend) CreateBindGroupLayout(*BindGroupLayoutDesc) (BindGroupLayoutID, error) {
	return InvalidID, nil
}
func (s *stubBackend) DestroyBindGroupLayout(BindGroupLayoutID) {}
func (s *stubBackend) CreatePipelineLayout([]BindGroupLayoutID) (PipelineLayoutID, error) {
	return InvalidID, nil
}
func (s *stubBackend) DestroyPipelineLayout(PipelineLayoutID) {}
func (s *stubBackend) CreateComputePipeline(*ComputePipelineDesc) (ComputePipelineID, error) {
	return InvalidID, nil
}
func (s *stubBackend) DestroyComputePipeline(ComputePipelineID) {}
func (s *stubBackend) CreateBindGroup(BindGroupLayoutID, []BindGroupEntry) (BindGroupID, error) {
	return InvalidID, nil
}
func (s *stubBackend) DestroyBindGroup(BindGroupID) {}

func (s *stubBackend) Submit([]Command, Fence) error { return nil }
func (s *stubBackend) CreateFence() (Fence, error)   { return nil, nil }
func (s *stubBackend) DestroyFence(Fence)            {}
func (s *stubBackend) Poll(Fence) (bool, error)      { return true, nil }
func (s *stubBackend) Wait(Fence, time.Duration) (bool, error) {
	return true, nil
}

func TestRegisterAndGet(t *testing.T) {
	Register("stub", func() Backend { return &stubBackend{name: "stub"} })
	defer Unregister("stub")

	if !IsRegistered("stub") {
		t.Fatal("IsRegistered(stub) = false, want true")
	}

	b := Get("stub")
	if b == nil {
		t.Fatal("Get(stub) = nil")
	}
	if b.Name() != "stub" {
		t.Errorf("Name() = %q, want %q", b.Name(), "stub")
	}
}

func TestGetUnregistered(t *testing.T) {
	if b := Get("no-such-backend"); b != nil {
		t.Errorf("Get(no-such-backend) = %v, want nil", b)
	}
}

func TestDefaultPriority(t *testing.T) {
	Register(BackendCPU, func() Backend { return &stubBackend{name: BackendCPU} })
	Register(BackendWGPU, func() Backend { return &stubBackend{name: BackendWGPU} })
	defer Unregister(BackendCPU)
	defer Unregister(BackendWGPU)

	b := Default()
	if b == nil {
		t.Fatal("Default() = nil")
	}
	if b.Name() != BackendWGPU {
		t.Errorf("Default().Name() = %q, want %q", b.Name(), BackendWGPU)
	}
}

func TestDefaultFallback(t *testing.T) {
	Register(BackendCPU, func() Backend { return &stubBackend{name: BackendCPU} })
	defer Unregister(BackendCPU)

	b := Default()
	if b == nil {
		t.Fatal("Default() = nil")
	}
	if b.Name() != BackendCPU {
		t.Errorf("Default().Name() = %q, want %q", b.Name(), BackendCPU)
	}
}

func TestAvailable(t *testing.T) {
	Register("stub-a", func() Backend { return &stubBackend{name: "stub-a"} })
	defer Unregister("stub-a")

	found := false
	for _, name := range Available() {
		if name == "stub-a" {
			found = true
		}
	}
	if !found {
		t.Error("Available() does not contain stub-a")
	}
}

func TestResourceIDHandles(t *testing.T) {
	tests := []struct {
		name   string
		handle ResourceID
		want   ResourceID
	}{
		{"buffer", BufferID(42).Handle(), 42},
		{"view", ViewID(7).Handle(), 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.handle != tt.want {
				t.Errorf("Handle() = %d, want %d", tt.handle, tt.want)
			}
		})
	}
}
