// Package resources implements the Resource Registry (C6): a thread-safe
// wrapper around handle containers for buffers, textures, samplers and
// resource tables, with deferred release tied to GPU progress.
//
// Ported from github.com/gogpu/wgpu's core/hub.go Hub-of-Registry
// composition: one internal/handle.Container per resource kind, guarded by
// a single reader-writer mutex (spec.md section 5, "Resource Registry uses
// a single reader-writer mutex").
package resources

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/gc"
	"github.com/gogpu/compute/internal/handle"
	"github.com/gogpu/compute/internal/logging"
	"github.com/gogpu/compute/internal/restable"
)

type resourceMarker struct{}

func (resourceMarker) marker() {}

// Handle identifies a buffer, texture or sampler.
type Handle = handle.Handle[resourceMarker]

// TableHandle identifies a resource table.
type TableHandle = restable.Handle

// Kind tags which variant a Resource holds.
type Kind int

const (
	KindBuffer Kind = iota
	KindTexture
	KindSampler
)

// Flags is a bitset of the special per-resource flags named in spec.md 3.
type Flags uint8

const (
	FlagCPUUpload Flags = 1 << iota
	FlagCPUReadback
	FlagNoDeferDelete
	FlagTrackTables
	FlagEnableColorAttachment
)

func (f Flags) has(x Flags) bool { return f&x != 0 }

// BufferDesc describes a buffer creation request (spec.md 3, Buffer).
type BufferDesc struct {
	ElementCount  uint32
	Stride        uint32
	Format        backend.TextureFormat // valid only for typed buffers
	Structured    bool
	Raw           bool
	Typed         bool
	AppendConsume bool
	Access        backend.ResourceAccess
	Flags         Flags
	DebugName     string
}

// TextureDesc describes a texture creation request (spec.md 3, Texture).
type TextureDesc struct {
	Dimension    backend.TextureDimension
	Width        uint32
	Height       uint32
	Depth        uint32
	MipCount     uint32
	ArrayLayers  uint32
	Format       backend.TextureFormat
	Recreatable  bool
	Access       backend.ResourceAccess
	Flags        Flags
	DebugName    string
}

// SamplerDesc describes a sampler creation request (spec.md 3, Sampler).
type SamplerDesc struct {
	Filter      backend.Filter
	AddressU    backend.AddressMode
	AddressV    backend.AddressMode
	AddressW    backend.AddressMode
	BorderColor [4]float32
	MinLOD      float32
	MaxLOD      float32
	MaxAniso    uint32
}

// bufferInfo/textureInfo/samplerInfo hold the kind-specific metadata beyond
// the common fields every Resource carries.
type bufferInfo struct {
	desc          BufferDesc
	counterHandle CounterHandle
}

type textureInfo struct {
	desc TextureDesc
}

type samplerInfo struct {
	desc SamplerDesc
}

// Resource is the tagged variant { Buffer, Texture, Sampler } from
// spec.md 3: common handle/flags/backing-memory fields plus exactly one of
// the kind-specific info structs.
type Resource struct {
	Kind          Kind
	Access        backend.ResourceAccess
	Flags         Flags
	Native        backend.Native
	Memory        backend.Native
	Alignment     uint64
	ActualSize    uint64
	TrackedTables []TableHandle // populated only when Flags.TrackTables

	buffer  *bufferInfo
	texture *textureInfo
	sampler *samplerInfo
}

func (r *Resource) isSampler() bool { return r.Kind == KindSampler }

// MemoryInfo is returned by ResourceMemoryInfo.
type MemoryInfo struct {
	Alignment  uint64
	ActualSize uint64
}

var (
	// ErrInvalidFlagCombination is returned when CpuReadback is requested
	// alongside simultaneous GpuRead and GpuWrite (spec.md 3 invariant a).
	ErrInvalidFlagCombination = errors.New("resources: CpuReadback is mutually exclusive with simultaneous GpuRead and GpuWrite")
	// ErrAppendConsumeRequiresStructured is invariant (b).
	ErrAppendConsumeRequiresStructured = errors.New("resources: append-consume requires a structured buffer")
	// ErrResourceStillTracked is returned by Release when a resource's
	// TrackedTables list is non-empty and TrackTables is not set (invariant
	// d). Tables record themselves only on resources that have
	// FlagTrackTables, so Release does not detect a table reference to a
	// resource without that flag and does not return this error for it.
	ErrResourceStillTracked = errors.New("resources: resource is referenced by a table and does not have TrackTables set")
)

// Registry is the Resource Registry: thread-safe storage for resources and
// tables, backed by a single backend and deferring destruction through a
// garbage collector.
type Registry struct {
	backend backend.Backend
	gc      *gc.Collector
	limits  backend.Limits

	mu            sync.RWMutex
	resources     *handle.Container[*Resource, resourceMarker]
	tables        *handle.Container[*restable.Table, restable.Marker]
	counters      *counterPool
	counterBuffer backend.CreatedResource
	builder       *restable.Builder
}

// New creates a Resource Registry over the given backend, releasing objects
// through collector unless a resource has NoDeferDelete set. limits bounds
// the texture dimensions CreateTexture/RecreateTexture will clamp requests
// to (spec.md 3 invariant c); pass the zero value to leave dimensions
// unconstrained. New also creates the single shared counter buffer every
// append-consume buffer's counter binding addresses a sub-range of
// (spec.md 3 invariant b, spec.md 4.5), sized for MaxCounters slots up
// front, matching original_source's VulkanCounterPool/Dx12CounterPool
// constructor.
func New(be backend.Backend, collector *gc.Collector, limits backend.Limits) (*Registry, error) {
	counterBuf, err := be.CreateBuffer(backend.BufferDesc{
		Size:        uint64(MaxCounters) * restable.CounterAlignment,
		CPUReadback: true,
		Usage:       backend.AccessGpuWrite,
		DebugName:   "append_consume_counters",
	})
	if err != nil {
		return nil, fmt.Errorf("resources: create shared counter buffer: %w", err)
	}

	r := &Registry{
		backend:       be,
		gc:            collector,
		limits:        limits,
		resources:     handle.NewContainer[*Resource, resourceMarker](),
		tables:        handle.NewContainer[*restable.Table, restable.Marker](),
		counters:      newCounterPool(MaxCounters),
		counterBuffer: counterBuf,
	}
	r.builder = &restable.Builder{Backend: be, Lookup: r.lookupView}
	return r, nil
}

// CreateBuffer validates desc and creates a buffer resource.
func (r *Registry) CreateBuffer(desc BufferDesc) (Handle, error) {
	if err := validateCommonFlags(desc.Flags, desc.Access); err != nil {
		return Handle{}, err
	}
	if desc.AppendConsume && !desc.Structured {
		return Handle{}, ErrAppendConsumeRequiresStructured
	}

	size := uint64(desc.ElementCount) * uint64(desc.Stride)
	created, err := r.backend.CreateBuffer(backend.BufferDesc{
		Size:        size,
		CPUUpload:   desc.Flags.has(FlagCPUUpload),
		CPUReadback: desc.Flags.has(FlagCPUReadback),
		Usage:       desc.Access,
		DebugName:   desc.DebugName,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("resources: backend CreateBuffer failed: %w", err)
	}

	info := &bufferInfo{desc: desc}
	if desc.AppendConsume {
		ch, err := r.counters.allocate()
		if err != nil {
			r.backend.Destroy(backend.KindBuffer, created.Native)
			return Handle{}, fmt.Errorf("resources: allocate append-consume counter: %w", err)
		}
		info.counterHandle = ch
	}

	res := &Resource{
		Kind:       KindBuffer,
		Access:     desc.Access,
		Flags:      desc.Flags,
		Native:     created.Native,
		Memory:     created.Memory,
		Alignment:  created.Alignment,
		ActualSize: created.ActualSize,
		buffer:     info,
	}

	r.mu.Lock()
	h := r.resources.Allocate(res)
	r.mu.Unlock()
	return h, nil
}

// CreateTexture validates desc, clamps its dimensions to the registry's
// device limits (spec.md 3 invariant c), and creates a texture resource.
func (r *Registry) CreateTexture(desc TextureDesc) (Handle, error) {
	if err := validateCommonFlags(desc.Flags, desc.Access); err != nil {
		return Handle{}, err
	}
	desc = clampTextureDesc(desc, r.limits)

	created, err := r.backend.CreateTexture(backend.TextureDesc{
		Dimension:   desc.Dimension,
		Width:       desc.Width,
		Height:      desc.Height,
		Depth:       desc.Depth,
		MipCount:    desc.MipCount,
		ArrayLayers: desc.ArrayLayers,
		Format:      desc.Format,
		Usage:       desc.Access,
		DebugName:   desc.DebugName,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("resources: backend CreateTexture failed: %w", err)
	}

	res := &Resource{
		Kind:       KindTexture,
		Access:     desc.Access,
		Flags:      desc.Flags,
		Native:     created.Native,
		Memory:     created.Memory,
		Alignment:  created.Alignment,
		ActualSize: created.ActualSize,
		texture:    &textureInfo{desc: desc},
	}

	r.mu.Lock()
	h := r.resources.Allocate(res)
	r.mu.Unlock()
	return h, nil
}

// CreateSampler creates a sampler resource. Samplers carry no access flags
// and skip validateCommonFlags entirely (invariant a does not apply:
// samplers have no GPU read/write memory-access dimension).
func (r *Registry) CreateSampler(desc SamplerDesc) (Handle, error) {
	created, err := r.backend.CreateSampler(backend.SamplerDesc{
		Filter:      desc.Filter,
		AddressU:    desc.AddressU,
		AddressV:    desc.AddressV,
		AddressW:    desc.AddressW,
		BorderColor: desc.BorderColor,
		MinLOD:      desc.MinLOD,
		MaxLOD:      desc.MaxLOD,
		MaxAniso:    desc.MaxAniso,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("resources: backend CreateSampler failed: %w", err)
	}

	res := &Resource{
		Kind:       KindSampler,
		Native:     created.Native,
		Memory:     created.Memory,
		Alignment:  created.Alignment,
		ActualSize: created.ActualSize,
		sampler:    &samplerInfo{desc: desc},
	}

	r.mu.Lock()
	h := r.resources.Allocate(res)
	r.mu.Unlock()
	return h, nil
}

// clampTextureDesc clamps desc's width/height/depth/array-layer count to
// limits, per dimensionality (spec.md 3 invariant c). A zero limit field
// means unconstrained, so a Registry built with the zero backend.Limits
// value (tests, backends that don't model real device limits) never
// clamps.
func clampTextureDesc(desc TextureDesc, limits backend.Limits) TextureDesc {
	switch desc.Dimension {
	case backend.Texture1D:
		if limits.MaxTextureDimension1D > 0 && desc.Width > limits.MaxTextureDimension1D {
			desc.Width = limits.MaxTextureDimension1D
		}
	case backend.Texture3D:
		if limits.MaxTextureDimension3D > 0 {
			desc.Width = minu32(desc.Width, limits.MaxTextureDimension3D)
			desc.Height = minu32(desc.Height, limits.MaxTextureDimension3D)
			desc.Depth = minu32(desc.Depth, limits.MaxTextureDimension3D)
		}
	default: // Texture2D, Texture2DArray, TextureCube, TextureCubeArray
		if limits.MaxTextureDimension2D > 0 {
			desc.Width = minu32(desc.Width, limits.MaxTextureDimension2D)
			desc.Height = minu32(desc.Height, limits.MaxTextureDimension2D)
		}
		if limits.MaxTextureArrayLayers > 0 {
			desc.ArrayLayers = minu32(desc.ArrayLayers, limits.MaxTextureArrayLayers)
		}
	}
	return desc
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func validateCommonFlags(flags Flags, access backend.ResourceAccess) error {
	if flags.has(FlagCPUReadback) && access.CanRead() && access.CanWrite() {
		return ErrInvalidFlagCombination
	}
	return nil
}

// createTable is shared by CreateInTable/CreateOutTable/CreateSamplerTable:
// it resolves each slot's resource, builds the table via restable.Builder,
// and registers TrackTables back-references.
func (r *Registry) createTable(kind restable.Kind, resources []Handle) (TableHandle, error) {
	slots := make([]restable.Slot, len(resources))
	for i, h := range resources {
		slots[i] = restable.Slot{Resource: h.Raw()}
	}

	r.mu.Lock()
	tbl, err := r.builder.Build(kind, slots)
	if err != nil {
		r.mu.Unlock()
		return TableHandle{}, err
	}
	th := r.tables.Allocate(tbl)

	for _, h := range resources {
		res, ok := r.resources.Get(h)
		if !ok || !res.Flags.has(FlagTrackTables) {
			continue
		}
		res.TrackedTables = append(res.TrackedTables, th)
	}
	r.mu.Unlock()

	return th, nil
}

// CreateInTable builds an In (read) resource table.
func (r *Registry) CreateInTable(resources []Handle) (TableHandle, error) {
	return r.createTable(restable.KindIn, resources)
}

// CreateOutTable builds an Out (read-write) resource table.
func (r *Registry) CreateOutTable(resources []Handle) (TableHandle, error) {
	return r.createTable(restable.KindOut, resources)
}

// CreateSamplerTable builds a sampler table.
func (r *Registry) CreateSamplerTable(samplers []Handle) (TableHandle, error) {
	return r.createTable(restable.KindSampler, samplers)
}

// RecreateTexture replaces the backend object behind an existing texture
// handle, then re-patches every table in its TrackedTables set (spec.md
// 4.5, "Recreation"). Only legal for textures created with Recreatable set.
func (r *Registry) RecreateTexture(h Handle, desc TextureDesc) error {
	r.mu.Lock()
	res, ok := r.resources.Get(h)
	if !ok {
		r.mu.Unlock()
		return handle.ErrNotFound
	}
	if res.Kind != KindTexture {
		r.mu.Unlock()
		return fmt.Errorf("resources: RecreateTexture called on a non-texture handle")
	}
	if !res.texture.desc.Recreatable {
		r.mu.Unlock()
		return fmt.Errorf("resources: texture was not created with Recreatable set")
	}
	r.mu.Unlock()

	desc = clampTextureDesc(desc, r.limits)
	created, err := r.backend.CreateTexture(backend.TextureDesc{
		Dimension:   desc.Dimension,
		Width:       desc.Width,
		Height:      desc.Height,
		Depth:       desc.Depth,
		MipCount:    desc.MipCount,
		ArrayLayers: desc.ArrayLayers,
		Format:      desc.Format,
		Usage:       desc.Access,
		DebugName:   desc.DebugName,
	})
	if err != nil {
		return fmt.Errorf("resources: backend CreateTexture failed during recreate: %w", err)
	}

	r.mu.Lock()
	old := res.Native
	res.Native = created.Native
	res.Memory = created.Memory
	res.Alignment = created.Alignment
	res.ActualSize = created.ActualSize
	res.texture.desc = desc
	tracked := append([]TableHandle(nil), res.TrackedTables...)
	r.mu.Unlock()

	for _, th := range tracked {
		r.mu.Lock()
		tbl, ok := r.tables.Get(th)
		r.mu.Unlock()
		if !ok {
			continue
		}
		if err := r.builder.Rebuild(tbl); err != nil {
			logging.Logger().Warn("resources: failed to re-patch table after texture recreation", "error", err)
		}
	}

	r.deferOrDestroy(backend.KindTexture, old, res.Flags)
	return nil
}

// Release frees a resource handle. Unless NoDeferDelete is set, the
// backend object is handed to the GC instead of destroyed immediately.
func (r *Registry) Release(h Handle) error {
	r.mu.Lock()
	res, ok := r.resources.Get(h)
	if !ok {
		r.mu.Unlock()
		return handle.ErrNotFound
	}
	if len(res.TrackedTables) > 0 && !res.Flags.has(FlagTrackTables) {
		r.mu.Unlock()
		return ErrResourceStillTracked
	}
	r.resources.Free(h)
	r.mu.Unlock()

	if res.Kind == KindBuffer && res.buffer.desc.AppendConsume {
		r.counters.release(res.buffer.counterHandle)
	}

	kind := backend.KindBuffer
	switch res.Kind {
	case KindTexture:
		kind = backend.KindTexture
	case KindSampler:
		kind = backend.KindSampler
	}
	r.deferOrDestroy(kind, res.Native, res.Flags)
	return nil
}

// ReleaseTable frees a resource table handle.
func (r *Registry) ReleaseTable(h TableHandle) error {
	r.mu.Lock()
	tbl, ok := r.tables.Get(h)
	if !ok {
		r.mu.Unlock()
		return handle.ErrNotFound
	}
	r.tables.Free(h)
	r.mu.Unlock()

	r.backend.Destroy(backend.KindDescriptorSet, tbl.Native)
	return nil
}

// ResourceMemoryInfo reports the alignment and actual backend-allocated
// size of a resource.
func (r *Registry) ResourceMemoryInfo(h Handle) (MemoryInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources.Get(h)
	if !ok {
		return MemoryInfo{}, handle.ErrNotFound
	}
	return MemoryInfo{Alignment: res.Alignment, ActualSize: res.ActualSize}, nil
}

// Contains reports whether h is currently allocated.
func (r *Registry) Contains(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resources.Contains(h)
}

// HandleFromRaw wraps a raw resource handle value. Scheduler code only ever
// sees handle.Raw values crossing the command-list wire format and needs a
// way back to a typed Handle without reaching into resourceMarker, which is
// unexported.
func HandleFromRaw(raw handle.Raw) Handle { return handle.FromRaw[resourceMarker](raw) }

// Lookup returns the resource backing a handle, for the scheduler.
func (r *Registry) Lookup(h Handle) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resources.Get(h)
}

// LookupTable returns the table backing a handle, for the scheduler.
func (r *Registry) LookupTable(h TableHandle) (*restable.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables.Get(h)
}

// deferOrDestroy releases native immediately if NoDeferDelete is set,
// otherwise queues it with the garbage collector. The collector this
// Registry is built with must have been configured with a Destroyer that
// type-asserts its object argument to func() and calls it; Device wires
// this up once at construction so every subsystem shares one GC worker.
func (r *Registry) deferOrDestroy(kind backend.ResourceKind, native backend.Native, flags Flags) {
	if flags.has(FlagNoDeferDelete) {
		r.backend.Destroy(kind, native)
		return
	}
	r.gc.DeferRelease(func() { r.backend.Destroy(kind, native) })
}

func (r *Registry) lookupView(raw handle.Raw) (restable.ResourceView, bool) {
	h := handle.FromRaw[resourceMarker](raw)
	r.mu.RLock()
	res, ok := r.resources.Get(h)
	r.mu.RUnlock()
	if !ok {
		return restable.ResourceView{}, false
	}
	view := restable.ResourceView{
		Access:     res.Access,
		IsSampler:  res.isSampler(),
		NativeView: res.Native,
	}
	if res.Kind == KindBuffer && res.buffer.desc.AppendConsume {
		view.AppendConsume = true
		view.CounterIndex = res.buffer.counterHandle.Index()
		view.CounterView = r.counterBuffer.Native
	}
	return view, true
}

// ReadCounter reads back an append-consume buffer's current counter value
// from the shared counter resource (spec.md 8 scenario 4: "dispatch writes
// 7 elements via a counter-increment; after wait, read the counter; assert
// equals 7").
func (r *Registry) ReadCounter(h Handle) (uint32, error) {
	r.mu.RLock()
	res, ok := r.resources.Get(h)
	r.mu.RUnlock()
	if !ok {
		return 0, handle.ErrNotFound
	}
	if res.Kind != KindBuffer || !res.buffer.desc.AppendConsume {
		return 0, fmt.Errorf("resources: ReadCounter called on a handle that is not an append-consume buffer")
	}

	offset := uint64(res.buffer.counterHandle.Index()) * restable.CounterAlignment
	data, err := r.backend.MapReadback(r.counterBuffer.Native, offset, 4)
	if err != nil {
		return 0, fmt.Errorf("resources: map counter readback: %w", err)
	}
	defer r.backend.Unmap(r.counterBuffer.Native)
	if len(data) < 4 {
		return 0, fmt.Errorf("resources: counter readback returned %d bytes, want 4", len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}
