package compute

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/cmdlist"
	"github.com/gogpu/compute/internal/errkind"
	"github.com/gogpu/compute/internal/fence"
	"github.com/gogpu/compute/internal/gc"
	"github.com/gogpu/compute/internal/handle"
	"github.com/gogpu/compute/internal/logging"
	"github.com/gogpu/compute/internal/resources"
	"github.com/gogpu/compute/internal/scheduler"
	"github.com/gogpu/compute/internal/shaderdb"
	"github.com/gogpu/compute/internal/stagingpool"
	"github.com/gogpu/compute/internal/tasksys"
)

// immediateSync is the fence.GPUSync every Device wires its timeline to.
// backend.Backend.Submit already runs to completion from the caller's
// point of view for every backend this contract admits (the noop backend
// included): there is no separate asynchronous GPU-completion signal
// below this seam to wait on, so Signal and Wait both resolve at once. A
// backend that needs true async completion tracks it internally and
// still reports success synchronously to Submit.
type immediateSync struct{}

func (immediateSync) Signal(fence.Value) error              { return nil }
func (immediateSync) Wait(fence.Value, int64) (bool, error) { return true, nil }

// hostHeap and hostHeapFactory back the staging pool with plain host
// memory. backend.Backend has no heap-creation call of its own (spec.md
// 4.4's ring allocator sits above the backend, not inside it), so the
// device facade supplies the simplest possible Heap/Factory pair rather
// than inventing a backend method no concrete backend is asked to
// implement.
type hostHeap struct{ buf []byte }

func newHostHeap(size uint64) *hostHeap { return &hostHeap{buf: make([]byte, size)} }

func (h *hostHeap) Size() uint64            { return uint64(len(h.buf)) }
func (h *hostHeap) MappedPtr(o uint64) []byte { return h.buf[o:] }
func (h *hostHeap) GPUAddress(o uint64) uint64 { return o }
func (h *hostHeap) Destroy()                {}

type hostHeapFactory struct{}

func (hostHeapFactory) CreateHeap(minSize uint64) (stagingpool.Heap, error) {
	return newHostHeap(minSize), nil
}

// Device is the single entry point named in spec.md 4.10: it owns the
// resource registry, the staging pool, the fence timeline, the GC, the
// work scheduler and the shader database, all wired to one opened
// backend. Every create_*/release/schedule/wait_on_cpu/
// get_download_status call is forwarded to the internal package that
// implements it.
type Device struct {
	adapter AdapterInfo
	be      backend.Backend

	timeline *fence.Timeline
	gc       *gc.Collector
	pool     *stagingpool.Pool
	registry *resources.Registry
	sched    *scheduler.Scheduler
	shaders  *shaderdb.ShaderDatabase
	compile  *tasksys.Pool

	dead     atomic.Bool
	released atomic.Bool
}

// Open enumerates adapters through enum, selects one per
// settings.AdapterIndex, and wires every internal component into a Device
// ready for use. fs and compiler back the shader database; a caller with
// no shader needs of its own may pass a FileSystem that always errors and
// a Compiler that is never exercised.
func Open(enum Enumerator, settings Settings, fs shaderdb.FileSystem, compiler shaderdb.Compiler) (*Device, error) {
	adapters, err := enum.EnumerateAdapters()
	if err != nil {
		return nil, fmt.Errorf("compute: enumerate adapters: %w", err)
	}
	if len(adapters) == 0 {
		return nil, ErrNoAdapters
	}
	if settings.AdapterIndex < 0 || settings.AdapterIndex >= len(adapters) {
		return nil, ErrAdapterIndex
	}
	info := adapters[settings.AdapterIndex]

	be, err := enum.Open(settings.AdapterIndex, settings)
	if err != nil {
		return nil, fmt.Errorf("compute: open adapter %d: %w", settings.AdapterIndex, err)
	}

	timeline := fence.NewTimeline(immediateSync{})
	dev := &Device{adapter: info, be: be, timeline: timeline}

	dev.gc = gc.New(timeline, func(object any) {
		if fn, ok := object.(func()); ok {
			fn()
		}
	}, gc.Config{})
	dev.gc.Start()

	dev.pool = stagingpool.New(hostHeapFactory{}, timeline)
	dev.registry, err = resources.New(be, dev.gc, info.Limits)
	if err != nil {
		dev.gc.Stop()
		return nil, fmt.Errorf("compute: create resource registry: %w", err)
	}
	dev.sched = scheduler.New(be, dev.registry, dev.pool, timeline)
	dev.compile = tasksys.New(0)

	shaderModel := settings.ShaderModel
	if shaderModel == "" || shaderModel > info.HighestShaderModel {
		// spec.md 4.10: the shader database clamps its requested model to
		// the adapter's highest supported one. "smN_M" strings compare
		// correctly lexicographically because they share the same width.
		if shaderModel != "" {
			logging.Logger().Warn("compute: requested shader model exceeds adapter support, clamping", "requested", shaderModel, "highest", info.HighestShaderModel)
		}
		shaderModel = info.HighestShaderModel
	}

	dev.shaders = shaderdb.New(shaderdb.Config{
		FileSystem:  fs,
		Compiler:    compiler,
		Pool:        dev.compile,
		GC:          dev.gc,
		ShaderModel: shaderModel,
		SPIRV:       settings.GraphicsAPI == "vulkan",
		DumpPDBs:    settings.DumpShaderPDBs,
	})

	return dev, nil
}

// AdapterInfo returns the adapter this Device was opened against.
func (d *Device) AdapterInfo() AdapterInfo { return d.adapter }

func (d *Device) checkAlive() error {
	if d.released.Load() {
		return ErrReleased
	}
	if d.dead.Load() {
		return ErrDeviceDead
	}
	return nil
}

// CreateBuffer creates a buffer resource and seeds its scheduler state as
// Uninitialized, per spec.md 3: a resource starts untouched until the
// scheduler transitions it for the first time.
func (d *Device) CreateBuffer(desc resources.BufferDesc) (resources.Handle, error) {
	if err := d.checkAlive(); err != nil {
		return resources.Handle{}, err
	}
	h, err := d.registry.CreateBuffer(desc)
	if err != nil {
		return resources.Handle{}, err
	}
	d.sched.SeedState(h.Raw(), backend.StateUninitialized)
	return h, nil
}

// CreateTexture creates a texture resource and seeds its scheduler state.
func (d *Device) CreateTexture(desc resources.TextureDesc) (resources.Handle, error) {
	if err := d.checkAlive(); err != nil {
		return resources.Handle{}, err
	}
	h, err := d.registry.CreateTexture(desc)
	if err != nil {
		return resources.Handle{}, err
	}
	d.sched.SeedState(h.Raw(), backend.StateUninitialized)
	return h, nil
}

// CreateSampler creates a sampler resource. Samplers are never barrier
// targets (spec.md 4.9 only transitions in/out tables, never sampler
// tables), so no scheduler state is seeded.
func (d *Device) CreateSampler(desc resources.SamplerDesc) (resources.Handle, error) {
	if err := d.checkAlive(); err != nil {
		return resources.Handle{}, err
	}
	return d.registry.CreateSampler(desc)
}

// CreateInTable builds a read-only resource table.
func (d *Device) CreateInTable(views []resources.Handle) (resources.TableHandle, error) {
	if err := d.checkAlive(); err != nil {
		return resources.TableHandle{}, err
	}
	return d.registry.CreateInTable(views)
}

// CreateOutTable builds a read-write resource table.
func (d *Device) CreateOutTable(views []resources.Handle) (resources.TableHandle, error) {
	if err := d.checkAlive(); err != nil {
		return resources.TableHandle{}, err
	}
	return d.registry.CreateOutTable(views)
}

// CreateSamplerTable builds a sampler table.
func (d *Device) CreateSamplerTable(samplers []resources.Handle) (resources.TableHandle, error) {
	if err := d.checkAlive(); err != nil {
		return resources.TableHandle{}, err
	}
	return d.registry.CreateSamplerTable(samplers)
}

// RecreateTexture replaces the backend object behind an existing,
// Recreatable texture handle and re-patches every table that tracks it.
func (d *Device) RecreateTexture(h resources.Handle, desc resources.TextureDesc) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	return d.registry.RecreateTexture(h, desc)
}

// Release frees a resource handle.
func (d *Device) Release(h resources.Handle) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	return d.registry.Release(h)
}

// ReleaseTable frees a resource table handle.
func (d *Device) ReleaseTable(h resources.TableHandle) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	return d.registry.ReleaseTable(h)
}

// Schedule runs the full parse/transition/stage/commit pipeline over
// lists as one fenced batch. A backend catastrophe (an InternalApiFailure
// returned from the submit path) marks the device dead: every subsequent
// call returns ErrDeviceDead, per spec.md 7.
func (d *Device) Schedule(lists []*cmdlist.List, flags scheduler.Flags) scheduler.Status {
	if err := d.checkAlive(); err != nil {
		return scheduler.Status{Error: errkind.New(errkind.InternalAPIFailure, "%v", err)}
	}
	status := d.sched.Schedule(lists, flags)
	if status.Error != nil && status.Error.Kind == errkind.InternalAPIFailure {
		d.dead.Store(true)
		logging.Logger().Error("compute: device marked dead after a fatal submit failure", "error", status.Error)
	}
	return status
}

// WaitOnCPU blocks until work's fence completes or timeoutNs elapses
// (negative waits indefinitely, zero polls once).
func (d *Device) WaitOnCPU(h scheduler.WorkHandle, timeoutNs int64) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	return d.sched.WaitOnCPU(h, timeoutNs)
}

// GetDownloadStatus reports the staged byte range and readiness for a
// Download command against resource/mip/slice within work h. mip and
// slice are reserved for multi-subresource downloads: the current
// cmdlist wire format only records a whole-resource download, so callers
// querying the default (0, 0) always match what Schedule staged.
func (d *Device) GetDownloadStatus(h scheduler.WorkHandle, resource handle.Raw, mip, slice uint32) (offset, size uint64, ready bool, err error) {
	if err := d.checkAlive(); err != nil {
		return 0, 0, false, err
	}
	bundle, ok := d.sched.Lookup(h)
	if !ok {
		return 0, 0, false, errkind.New(errkind.InvalidHandle, "work handle %v is not registered", h)
	}
	dr, ok := bundle.DownloadMap[scheduler.DownloadKey{Resource: resource, Mip: mip, Slice: slice}]
	if !ok {
		return 0, 0, false, nil
	}
	return dr.Offset, dr.ByteSize, d.timeline.IsComplete(bundle.FenceValue), nil
}

// ReadCounter reads back an append-consume buffer's current counter value
// (spec.md 8, testable scenario 4). Callers should WaitOnCPU the work that
// wrote it before calling this.
func (d *Device) ReadCounter(h resources.Handle) (uint32, error) {
	if err := d.checkAlive(); err != nil {
		return 0, err
	}
	return d.registry.ReadCounter(h)
}

// RequestCompileShader submits a file-backed shader for async compilation.
func (d *Device) RequestCompileShader(desc shaderdb.Desc) (shaderdb.Handle, error) {
	if err := d.checkAlive(); err != nil {
		return shaderdb.Handle{}, err
	}
	return d.shaders.RequestCompile(desc)
}

// RequestCompileShaderInline submits an in-memory shader for compilation.
func (d *Device) RequestCompileShaderInline(desc shaderdb.InlineDesc) (shaderdb.Handle, error) {
	if err := d.checkAlive(); err != nil {
		return shaderdb.Handle{}, err
	}
	return d.shaders.RequestCompileInline(desc)
}

// ResolveShader blocks until h finishes compiling, returning the compile
// error (if any) it resolved to.
func (d *Device) ResolveShader(h shaderdb.Handle) error {
	return d.shaders.Resolve(h)
}

// IsShaderValid reports whether h is ready and compiled successfully.
func (d *Device) IsShaderValid(h shaderdb.Handle) bool {
	return d.shaders.IsValid(h)
}

// AddShaderPath extends the shader database's include search path.
func (d *Device) AddShaderPath(path string) {
	d.shaders.AddPath(path)
}

// OnShaderFilesChanged forwards a batch of changed file paths to the
// shader database's hot-reload dependency tracking.
func (d *Device) OnShaderFilesChanged(paths map[string]struct{}) {
	d.shaders.OnFilesChanged(paths)
}

// StartLiveEdit watches the filesystem for shader source edits and
// triggers recompiles automatically (spec.md 9, live-edit).
func (d *Device) StartLiveEdit() (*shaderdb.LiveEditSession, error) {
	return d.shaders.StartLiveEdit()
}

// Close releases every Device-owned resource. Per the supplemented
// resolve-on-destruction behavior: any shader still compiling is resolved
// before teardown, and a count of shaders that never reached a terminal
// state is logged rather than silently dropped.
func (d *Device) Close() error {
	if d.released.Swap(true) {
		return ErrReleased
	}

	d.shaders.ResolveAll()
	if pending := d.shaders.PendingCount(); pending > 0 {
		logging.Logger().Warn("compute: device closed with shaders still unresolved", "count", pending)
	}

	d.gc.Stop()
	d.gc.Flush()
	d.compile.Close()
	return nil
}
