// Package noop implements backend.Backend entirely in host memory: buffers
// and textures are plain byte slices, and descriptor sets are
// bookkeeping-only structs. EncodeCommandBuffer/Submit do not execute the
// copy/upload/download commands of a processed list: Submit only records
// the signaled fence value, so buffer and texture contents are not changed
// by submitted work.
//
// Ported from github.com/gogpu/wgpu's hal/noop package: the same idea of a
// zero-dependency reference backend useful for tests and for exercising
// the scheduler and resource registry without a native driver.
package noop

import (
	"fmt"
	"sync"

	"github.com/gogpu/compute/backend"
)

type nativeBuffer struct {
	mu   sync.Mutex
	data []byte
}

type nativeTexture struct {
	desc backend.TextureDesc
	data []byte
}

type nativeSampler struct {
	desc backend.SamplerDesc
}

type nativeDescriptorSet struct {
	bindings []backend.LayoutBinding
	writes   map[uint32]backend.Native
}

type nativeCmdBuffer struct {
	list  *backend.ProcessedList
	views backend.GlobalViews
}

// Backend is a backend.Backend that performs every operation against
// in-process memory. Safe for concurrent use.
type Backend struct {
	mu        sync.Mutex
	submitted []*nativeCmdBuffer
	fences    map[backend.Native]*uint64
}

// New creates a noop backend.
func New() *Backend {
	return &Backend{fences: make(map[backend.Native]*uint64)}
}

func (b *Backend) CreateBuffer(desc backend.BufferDesc) (backend.CreatedResource, error) {
	buf := &nativeBuffer{data: make([]byte, desc.Size)}
	return backend.CreatedResource{
		Native:     buf,
		Memory:     buf,
		Alignment:  16,
		ActualSize: desc.Size,
	}, nil
}

func (b *Backend) CreateTexture(desc backend.TextureDesc) (backend.CreatedResource, error) {
	texelSize := uint64(desc.Format.BytesPerPx)
	if texelSize == 0 {
		texelSize = 4
	}
	size := uint64(desc.Width) * uint64(desc.Height) * uint64(maxu32(desc.Depth, 1)) * texelSize
	tex := &nativeTexture{desc: desc, data: make([]byte, size)}
	return backend.CreatedResource{Native: tex, Memory: tex, Alignment: 256, ActualSize: size}, nil
}

func (b *Backend) CreateSampler(desc backend.SamplerDesc) (backend.CreatedResource, error) {
	s := &nativeSampler{desc: desc}
	return backend.CreatedResource{Native: s, Memory: s, Alignment: 1, ActualSize: 0}, nil
}

func (b *Backend) CreateDescriptorSet(bindings []backend.LayoutBinding, writes []backend.DescriptorWrite) (backend.Native, error) {
	set := &nativeDescriptorSet{bindings: bindings, writes: make(map[uint32]backend.Native, len(writes))}
	for _, w := range writes {
		set.writes[w.Index] = w.View
	}
	return set, nil
}

// EncodeCommandBuffer records the processed list for later execution at
// Submit time. The noop backend performs no translation work up front;
// real backends would walk list.Commands here and emit native API calls.
func (b *Backend) EncodeCommandBuffer(list *backend.ProcessedList, views backend.GlobalViews) (backend.Native, error) {
	return &nativeCmdBuffer{list: list, views: views}, nil
}

// Submit accepts a command buffer created by this backend without
// executing its commands: barriers and copy/upload/download commands in the
// encoded ProcessedList are ignored. Signals signalValue on waitFence
// immediately since the noop backend has no asynchronous pipeline.
func (b *Backend) Submit(cmdBuffer backend.Native, waitFence backend.Native, signalValue uint64) error {
	_, ok := cmdBuffer.(*nativeCmdBuffer)
	if !ok {
		return fmt.Errorf("noop: Submit got a command buffer not created by this backend")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if waitFence != nil {
		v, ok := b.fences[waitFence]
		if !ok {
			v = new(uint64)
			b.fences[waitFence] = v
		}
		if signalValue > *v {
			*v = signalValue
		}
	}
	return nil
}

func (b *Backend) MapReadback(buffer backend.Native, offset, size uint64) ([]byte, error) {
	buf, ok := buffer.(*nativeBuffer)
	if !ok {
		return nil, fmt.Errorf("noop: MapReadback on a non-buffer native object")
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if offset+size > uint64(len(buf.data)) {
		return nil, fmt.Errorf("noop: readback range [%d,%d) exceeds buffer of %d bytes", offset, offset+size, len(buf.data))
	}
	return buf.data[offset : offset+size], nil
}

func (b *Backend) Unmap(buffer backend.Native) {}

func (b *Backend) Destroy(kind backend.ResourceKind, object backend.Native) {
	b.mu.Lock()
	delete(b.fences, object)
	b.mu.Unlock()
}

// FenceValue exposes the value last signaled on fence, for tests.
func (b *Backend) FenceValue(fence backend.Native) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.fences[fence]; ok {
		return *v
	}
	return 0
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
