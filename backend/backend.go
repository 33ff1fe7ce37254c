// Package backend defines the abstract contract the compute core issues
// calls against: six operations an explicit graphics API (D3D12-like,
// Vulkan-like) must implement, and the plain data shapes (resource
// descriptors, barriers, processed command lists) that cross the
// boundary.
//
// Ported in spirit from github.com/gogpu/wgpu's hal.Device/hal.Queue
// interfaces (hal/api.go), but deliberately narrower: wgpu's HAL tracks
// resource state internally and hides barriers from its caller, while
// this contract requires the caller (the scheduler, internal/scheduler)
// to plan barriers explicitly and hand them across as part of a
// ProcessedList. A backend here is a dumb translator, not a tracker.
package backend

import "fmt"

// ResourceKind tags what a Native* handle refers to, for diagnostics and
// for the Destroy call which is kind-agnostic on the wire.
type ResourceKind int

const (
	KindBuffer ResourceKind = iota
	KindTexture
	KindSampler
	KindDescriptorSet
	KindCommandBuffer
	KindFence
	KindShaderModule
)

func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	case KindSampler:
		return "sampler"
	case KindDescriptorSet:
		return "descriptor_set"
	case KindCommandBuffer:
		return "command_buffer"
	case KindFence:
		return "fence"
	case KindShaderModule:
		return "shader_module"
	default:
		return fmt.Sprintf("resource_kind(%d)", int(k))
	}
}

// Native is an opaque backend-owned object. Concrete backends return their
// own pointer/handle types; the core never interprets them, only threads
// them back through Destroy, Submit, MapReadback and so on.
type Native any

// BufferDesc describes a buffer creation request.
type BufferDesc struct {
	Size           uint64
	CPUUpload      bool
	CPUReadback    bool
	Usage          ResourceAccess
	DebugName      string
}

// Limits describes a device's resource creation limits, ported from
// github.com/gogpu/wgpu's types.Limits. Reported per-adapter (AdapterInfo.
// Limits) and used to clamp texture dimensions at creation (spec.md 3
// invariant c). A zero field means "unconstrained" rather than "zero
// allowed", so callers that don't model real device limits (tests, the
// noop backend used without an explicit Enumerator) can leave it unset.
type Limits struct {
	MaxTextureDimension1D uint32
	MaxTextureDimension2D uint32
	MaxTextureDimension3D uint32
	MaxTextureArrayLayers uint32
}

// TextureDesc describes a texture creation request.
type TextureDesc struct {
	Dimension   TextureDimension
	Width       uint32
	Height      uint32
	Depth       uint32
	MipCount    uint32
	ArrayLayers uint32
	Format      TextureFormat
	Usage       ResourceAccess
	DebugName   string
}

// SamplerDesc describes a sampler creation request.
type SamplerDesc struct {
	Filter      Filter
	AddressU    AddressMode
	AddressV    AddressMode
	AddressW    AddressMode
	BorderColor [4]float32
	MinLOD      float32
	MaxLOD      float32
	MaxAniso    uint32
}

// TextureDimension enumerates the dimensionalities the spec's resource
// model supports.
type TextureDimension int

const (
	Texture1D TextureDimension = iota
	Texture2D
	Texture3D
	Texture2DArray
	TextureCube
	TextureCubeArray
)

// TextureFormat is intentionally a thin opaque wrapper; the core never
// branches on format beyond passing it through to the backend and to
// pitch computations in the download path.
type TextureFormat struct {
	Name       string
	BytesPerPx uint32
}

// Filter enumerates sampler filtering modes.
type Filter int

const (
	FilterPoint Filter = iota
	FilterLinear
	FilterAnisotropic
	FilterMin
	FilterMax
)

// AddressMode enumerates sampler address (wrap) modes per axis.
type AddressMode int

const (
	AddressWrap AddressMode = iota
	AddressMirror
	AddressClamp
	AddressBorder
)

// ResourceAccess is a bitset of how a resource may be accessed by the GPU.
type ResourceAccess uint8

const (
	AccessGpuRead ResourceAccess = 1 << iota
	AccessGpuWrite
)

func (a ResourceAccess) CanRead() bool  { return a&AccessGpuRead != 0 }
func (a ResourceAccess) CanWrite() bool { return a&AccessGpuWrite != 0 }

// CreatedResource is the tuple every create_* backend call returns: the
// native object, its backing memory object, the alignment the backend
// requires for sub-ranges of it, and the actual allocated size (which may
// be rounded up from the request).
type CreatedResource struct {
	Native      Native
	Memory      Native
	Alignment   uint64
	ActualSize  uint64
}

// LayoutBinding describes one slot of a descriptor set layout: its index,
// the kind of view it holds, and whether it is a counter binding appended
// for an append-consume buffer.
type LayoutBinding struct {
	Index      uint32
	Kind       BindingKind
	IsCounter  bool
}

// BindingKind enumerates the shader-visible view kinds a table slot can
// hold.
type BindingKind int

const (
	BindingSRV BindingKind = iota
	BindingUAV
	BindingCBV
	BindingSampler
)

// DescriptorWrite pairs a layout binding with the native view object to
// write into that slot. Offset is non-zero when View is a shared resource
// and the binding addresses a sub-range of it, as with an append-consume
// counter binding into the shared counter buffer.
type DescriptorWrite struct {
	Index  uint32
	View   Native
	Offset uint64
}

// ResourceState enumerates the global per-resource state the scheduler
// tracks and transitions via barriers.
type ResourceState int

const (
	StateDefault ResourceState = iota
	StateIndirectArgs
	StateSrv
	StateUav
	StateCbv
	StateRtv
	StateCopySrc
	StateCopyDst
	StatePresent
	StateUninitialized
)

func (s ResourceState) String() string {
	names := [...]string{"default", "indirect_args", "srv", "uav", "cbv", "rtv", "copy_src", "copy_dst", "present", "uninitialized"}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("resource_state(%d)", int(s))
}

// BarrierKind distinguishes a same-command immediate barrier from the two
// halves of a split barrier spanning multiple commands.
type BarrierKind int

const (
	BarrierImmediate BarrierKind = iota
	BarrierBegin
	BarrierEnd
)

// Barrier is a single resource state transition attached to a command.
type Barrier struct {
	Resource    Native
	PrevState   ResourceState
	NextState   ResourceState
	Kind        BarrierKind
	IsUAV       bool // write-after-write UAV barrier: PrevState == NextState
	SrcLocation string
	DstLocation string
}

// CommandInfo is the scheduler's per-command annotation: the offset of the
// source command in the recorded list, the barriers that must be emitted
// immediately before/after it, and any staging ranges it consumes.
type CommandInfo struct {
	CommandOffset  uint32
	PreBarriers    []Barrier
	PostBarriers   []Barrier
	UploadOffset   uint64
	HasUpload      bool
	DownloadKey    string
	HasDownload    bool
}

// ProcessedList is the scheduler's translation of one recorded command
// list: the original bytes plus barrier and staging annotations per
// command, ready for a backend to encode into native calls.
type ProcessedList struct {
	Source   []byte
	Commands []CommandInfo
}

// GlobalViews resolves a resource or table handle (passed as an opaque
// key by the caller) to the native view object the backend should bind.
// The core supplies an implementation backed by the resource registry;
// backends never look handles up any other way.
type GlobalViews interface {
	View(key any) (Native, bool)
}

// Backend is the six-operation contract described by the specification.
// Exactly one of {CreateBuffer, CreateTexture, CreateSampler} is called
// per resource kind; CreateDescriptorSet, EncodeCommandBuffer, Submit,
// MapReadback/Unmap and Destroy round out the seam.
type Backend interface {
	CreateBuffer(desc BufferDesc) (CreatedResource, error)
	CreateTexture(desc TextureDesc) (CreatedResource, error)
	CreateSampler(desc SamplerDesc) (CreatedResource, error)

	CreateDescriptorSet(bindings []LayoutBinding, writes []DescriptorWrite) (Native, error)

	EncodeCommandBuffer(list *ProcessedList, views GlobalViews) (Native, error)

	Submit(cmdBuffer Native, waitFence Native, signalValue uint64) error

	MapReadback(buffer Native, offset, size uint64) ([]byte, error)
	Unmap(buffer Native)

	Destroy(kind ResourceKind, object Native)
}
