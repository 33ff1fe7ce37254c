package compute_test

import (
	"errors"
	"testing"

	"github.com/gogpu/compute"
	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/backend/noop"
	"github.com/gogpu/compute/internal/cmdlist"
	"github.com/gogpu/compute/internal/resources"
	"github.com/gogpu/compute/internal/scheduler"
	"github.com/gogpu/compute/internal/shaderdb"
)

type noFiles struct{}

func (noFiles) ReadFile(path string) ([]byte, error) {
	return nil, errors.New("no shader files in this test")
}

type noCompiler struct{}

func (noCompiler) Compile(req shaderdb.CompileRequest) (shaderdb.CompileResult, error) {
	return shaderdb.CompileResult{}, errors.New("compiler not exercised in this test")
}

func openTestDevice(t *testing.T) *compute.Device {
	t.Helper()
	dev, err := compute.Open(noop.Enumerator{}, compute.Settings{AdapterIndex: 0}, noFiles{}, noCompiler{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return dev
}

func TestOpenSelectsAdapterAndClampsShaderModel(t *testing.T) {
	dev, err := compute.Open(noop.Enumerator{}, compute.Settings{AdapterIndex: 0, ShaderModel: "sm9_9"}, noFiles{}, noCompiler{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if dev.AdapterInfo().Name != "noop software adapter" {
		t.Fatalf("AdapterInfo().Name = %q", dev.AdapterInfo().Name)
	}
}

func TestOpenRejectsOutOfRangeAdapterIndex(t *testing.T) {
	_, err := compute.Open(noop.Enumerator{}, compute.Settings{AdapterIndex: 5}, noFiles{}, noCompiler{})
	if !errors.Is(err, compute.ErrAdapterIndex) {
		t.Fatalf("Open error = %v, want ErrAdapterIndex", err)
	}
}

func TestCreateBufferScheduleCopyAndWait(t *testing.T) {
	dev := openTestDevice(t)
	defer dev.Close()

	src, err := dev.CreateBuffer(resources.BufferDesc{
		ElementCount: 16, Stride: 4, Access: backend.AccessGpuRead,
	})
	if err != nil {
		t.Fatalf("CreateBuffer(src): %v", err)
	}
	dst, err := dev.CreateBuffer(resources.BufferDesc{
		ElementCount: 16, Stride: 4, Access: backend.AccessGpuWrite,
	})
	if err != nil {
		t.Fatalf("CreateBuffer(dst): %v", err)
	}

	list := cmdlist.New()
	cp, err := list.AddCopy()
	if err != nil {
		t.Fatalf("AddCopy: %v", err)
	}
	cp.SetSource(uint64(src.Raw()))
	cp.SetDestination(uint64(dst.Raw()))
	if err := list.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	status := dev.Schedule([]*cmdlist.List{list}, scheduler.Flags{GetWorkHandle: true})
	if status.Error != nil {
		t.Fatalf("Schedule: %v", status.Error)
	}

	if err := dev.WaitOnCPU(status.Work, -1); err != nil {
		t.Fatalf("WaitOnCPU: %v", err)
	}

	if err := dev.Release(src); err != nil {
		t.Fatalf("Release(src): %v", err)
	}
	if err := dev.Release(dst); err != nil {
		t.Fatalf("Release(dst): %v", err)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	dev := openTestDevice(t)
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := dev.CreateBuffer(resources.BufferDesc{ElementCount: 1, Stride: 4}); !errors.Is(err, compute.ErrReleased) {
		t.Fatalf("CreateBuffer after Close: %v, want ErrReleased", err)
	}
	if err := dev.Close(); !errors.Is(err, compute.ErrReleased) {
		t.Fatalf("second Close: %v, want ErrReleased", err)
	}
}
