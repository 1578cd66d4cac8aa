package cpu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/terrain/backend"
)

// makePipeline builds a minimal pipeline for the given entry point.
func makePipeline(t *testing.T, b *Backend, entry string) (backend.ComputePipelineID, backend.BindGroupLayoutID) {
	t.Helper()

	module, err := b.CreateShaderModule([]uint32{0x07230203}, entry)
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	bgl, err := b.CreateBindGroupLayout(&backend.BindGroupLayoutDesc{
		Label: entry + "_bgl",
		Entries: []backend.BindGroupLayoutEntry{
			{Binding: 0, Type: backend.BindingTypeStorageBuffer},
		},
	})
	if err != nil {
		t.Fatalf("CreateBindGroupLayout: %v", err)
	}
	pl, err := b.CreatePipelineLayout([]backend.BindGroupLayoutID{bgl})
	if err != nil {
		t.Fatalf("CreatePipelineLayout: %v", err)
	}
	pipe, err := b.CreateComputePipeline(&backend.ComputePipelineDesc{
		Label:        entry,
		Layout:       pl,
		ShaderModule: module,
		EntryPoint:   entry,
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}
	return pipe, bgl
}

func TestBufferLifecycle(t *testing.T) {
	b := New()

	buf, err := b.CreateBuffer(16, backend.BufferUsageStorage)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	b.WriteBuffer(buf, 4, []byte{1, 2, 3, 4})

	got, err := b.ReadBuffer(buf, 0, 16)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	want := []byte{0, 0, 0, 0, 1, 2, 3, 4, 0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadBuffer = %v, want %v", got, want)
	}

	b.DestroyBuffer(buf)
	if _, err := b.ReadBuffer(buf, 0, 16); !errors.Is(err, backend.ErrUnknownResource) {
		t.Errorf("ReadBuffer after destroy: err = %v, want ErrUnknownResource", err)
	}
}

func TestCreateBufferInvalidSize(t *testing.T) {
	b := New()

	tests := []struct {
		name string
		size int
	}{
		{"zero", 0},
		{"negative", -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.CreateBuffer(tt.size, backend.BufferUsageStorage); err == nil {
				t.Errorf("CreateBuffer(%d) succeeded, want error", tt.size)
			}
		})
	}
}

func TestViewAliasesBuffer(t *testing.T) {
	b := New()

	buf, err := b.CreateBuffer(16, backend.BufferUsageStorage)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	view, err := b.CreateView(buf, 8, 4)
	if err != nil {
		t.Fatalf("CreateView: %v", err)
	}

	pipe, bgl := makePipeline(t, b, "fill_ff")
	b.RegisterKernel("fill_ff", func(bindings map[uint32][]byte, groups [3]uint32) {
		for i := range bindings[0] {
			bindings[0][i] = 0xff
		}
	})

	bg, err := b.CreateBindGroup(bgl, []backend.BindGroupEntry{{Binding: 0, View: view}})
	if err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}

	err = b.Submit([]backend.Command{
		backend.Dispatch{Label: "fill", Pipeline: pipe, BindGroup: bg, Groups: [3]uint32{1, 1, 1}},
	}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := b.ReadBuffer(buf, 0, 16)
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("buffer after view dispatch = %v, want %v", got, want)
	}
}

func TestViewOutOfBounds(t *testing.T) {
	b := New()
	buf, _ := b.CreateBuffer(16, backend.BufferUsageStorage)

	if _, err := b.CreateView(buf, 12, 8); err == nil {
		t.Error("CreateView(12, 8) over 16-byte buffer succeeded, want error")
	}
}

func TestSubmitCopyAndClear(t *testing.T) {
	b := New()

	src, _ := b.CreateBuffer(8, backend.BufferUsageCopySrc)
	dst, _ := b.CreateBuffer(8, backend.BufferUsageCopyDst)
	b.WriteBuffer(src, 0, []byte{9, 9, 9, 9, 9, 9, 9, 9})

	err := b.Submit([]backend.Command{
		backend.CopyBuffer{Src: src, Dst: dst, Size: 8},
		backend.Barrier{},
		backend.ClearBuffer{Buffer: dst, Offset: 0, Size: 4},
	}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := b.ReadBuffer(dst, 0, 8)
	want := []byte{0, 0, 0, 0, 9, 9, 9, 9}
	if !bytes.Equal(got, want) {
		t.Errorf("dst = %v, want %v", got, want)
	}
}

func TestSubmitSignalsFence(t *testing.T) {
	b := New()

	f, err := b.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence: %v", err)
	}

	done, err := b.Poll(f)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if done {
		t.Fatal("fence signaled before submit")
	}

	if err := b.Submit(nil, f); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done, err = b.Poll(f)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !done {
		t.Error("fence not signaled after submit")
	}
}

func TestPollForeignFence(t *testing.T) {
	b := New()
	if _, err := b.Poll("not a fence"); !errors.Is(err, backend.ErrInvalidFence) {
		t.Errorf("Poll(foreign) err = %v, want ErrInvalidFence", err)
	}
}

func TestDispatchKernel(t *testing.T) {
	b := New()

	buf, _ := b.CreateBuffer(16, backend.BufferUsageStorage)
	pipe, bgl := makePipeline(t, b, "add_one")

	b.RegisterKernel("add_one", func(bindings map[uint32][]byte, groups [3]uint32) {
		data := bindings[0]
		for i := 0; i+4 <= len(data); i += 4 {
			v := binary.LittleEndian.Uint32(data[i:])
			binary.LittleEndian.PutUint32(data[i:], v+1)
		}
	})

	bg, err := b.CreateBindGroup(bgl, []backend.BindGroupEntry{{Binding: 0, Buffer: buf}})
	if err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}

	cmds := []backend.Command{
		backend.Dispatch{Label: "add1", Pipeline: pipe, BindGroup: bg, Groups: [3]uint32{1, 1, 1}},
		backend.Barrier{},
		backend.Dispatch{Label: "add2", Pipeline: pipe, BindGroup: bg, Groups: [3]uint32{1, 1, 1}},
	}
	if err := b.Submit(cmds, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := b.ReadBuffer(buf, 0, 4)
	if v := binary.LittleEndian.Uint32(got); v != 2 {
		t.Errorf("word 0 = %d, want 2", v)
	}

	stats := b.Stats()
	if stats.Dispatches != 2 {
		t.Errorf("Stats.Dispatches = %d, want 2", stats.Dispatches)
	}
	if stats.Submissions != 1 {
		t.Errorf("Stats.Submissions = %d, want 1", stats.Submissions)
	}
}

func TestDispatchMissingKernel(t *testing.T) {
	b := New()

	buf, _ := b.CreateBuffer(4, backend.BufferUsageStorage)
	pipe, bgl := makePipeline(t, b, "never_registered")
	bg, _ := b.CreateBindGroup(bgl, []backend.BindGroupEntry{{Binding: 0, Buffer: buf}})

	err := b.Submit([]backend.Command{
		backend.Dispatch{Pipeline: pipe, BindGroup: bg, Groups: [3]uint32{1, 1, 1}},
	}, nil)
	if err == nil {
		t.Error("Submit with unregistered kernel succeeded, want error")
	}
}

func TestRegistryRegistration(t *testing.T) {
	if !backend.IsRegistered(backend.BackendCPU) {
		t.Fatal("cpu backend not registered")
	}
	b := backend.Get(backend.BackendCPU)
	if b == nil {
		t.Fatal("Get(cpu) = nil")
	}
	if b.Name() != backend.BackendCPU {
		t.Errorf("Name() = %q, want %q", b.Name(), backend.BackendCPU)
	}
}
