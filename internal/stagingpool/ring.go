// Package stagingpool implements the ring upload/readback suballocator
// (C4): a set of GPU-visible heaps, each handing out linearly-advancing
// byte ranges that are reclaimed in strict FIFO fence order once the GPU
// is done with them.
//
// Ported from github.com/gogpu/wgpu's original_source reference
// (coalpy's TGpuResourcePool<AllocDesc, Handle, Heap, Allocator,
// FenceTimeline> template), re-expressed with Go interfaces (Heap, Factory)
// instead of C++ template parameters. The allocation algorithm — walk heaps for linear capacity,
// grow by doubling when none fits, reclaim ranges once their fence value
// completes — is kept exactly as specified (spec.md 4.4); only the
// language idiom changes.
package stagingpool

import (
	"fmt"
	"sync"

	"github.com/gogpu/compute/internal/fence"
)

// DefaultAlignment is the constant-buffer alignment used by mainstream
// explicit APIs (D3D12, Vulkan) for upload ranges.
const DefaultAlignment = 256

// Heap is a single GPU-visible allocation backing a pool. Offsets returned
// by Allocate are relative to the heap's own base.
type Heap interface {
	// Size returns the heap's total capacity in bytes.
	Size() uint64
	// MappedPtr returns a CPU-visible pointer to offset within the heap,
	// valid for the heap's lifetime.
	MappedPtr(offset uint64) []byte
	// GPUAddress returns the GPU-visible address of offset within the heap.
	GPUAddress(offset uint64) uint64
	// Destroy releases the heap. Called only once every range within it
	// has been reclaimed.
	Destroy()
}

// Factory creates heaps on demand, sized at least minSize.
type Factory interface {
	CreateHeap(minSize uint64) (Heap, error)
}

// Request describes a single suballocation.
type Request struct {
	Size      uint64
	Alignment uint64 // 0 defaults to DefaultAlignment
}

// Allocation is the result of a successful Allocate call.
type Allocation struct {
	HeapIndex  int
	Offset     uint64
	Size       uint64
	MappedPtr  []byte
	GPUAddress uint64
	FenceValue fence.Value
}

type pendingRange struct {
	fenceValue fence.Value
	offset     uint64
	size       uint64
}

type heapSlot struct {
	heap     Heap
	size     uint64
	capacity uint64
	offset   uint64
	ranges   []pendingRange // FIFO
}

// Pool is a ring allocator over zero or more heaps. Safe for concurrent
// use; Allocate and EndUsage both take the pool's mutex.
type Pool struct {
	factory  Factory
	timeline *fence.Timeline

	mu    sync.Mutex
	heaps []*heapSlot
}

// New creates a pool that grows heaps via factory and tags ranges with
// fence values from timeline.
func New(factory Factory, timeline *fence.Timeline) *Pool {
	return &Pool{factory: factory, timeline: timeline}
}

// Allocate reserves size bytes (aligned per req.Alignment, defaulting to
// DefaultAlignment) from the first heap with enough linear capacity,
// creating a new heap sized max(2*request, 2*last_heap_size) if none fits.
// The returned allocation is tagged with the fence value the current
// schedule batch will eventually carry; EndUsage reclaims it once that
// value completes.
func (p *Pool) Allocate(req Request) (Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Alignment == 0 {
		req.Alignment = DefaultAlignment
	}

	for i, slot := range p.heaps {
		if alloc, ok := p.tryAlloc(i, slot, req); ok {
			return alloc, nil
		}
	}

	newSize := 2 * req.Size
	if len(p.heaps) > 0 {
		last := p.heaps[len(p.heaps)-1].size
		if grown := 2 * last; grown > newSize {
			newSize = grown
		}
	}

	heap, err := p.factory.CreateHeap(newSize)
	if err != nil {
		return Allocation{}, fmt.Errorf("stagingpool: create heap: %w", err)
	}

	slot := &heapSlot{heap: heap, size: heap.Size(), capacity: heap.Size()}
	p.heaps = append(p.heaps, slot)

	alloc, ok := p.tryAlloc(len(p.heaps)-1, slot, req)
	if !ok {
		heap.Destroy()
		p.heaps = p.heaps[:len(p.heaps)-1]
		return Allocation{}, fmt.Errorf("stagingpool: request of %d bytes does not fit a freshly created %d byte heap", req.Size, slot.size)
	}
	return alloc, nil
}

// tryAlloc attempts to satisfy req from slot, wrapping around to offset 0
// if the request would overrun the heap's tail. Returns ok=false if the
// heap lacks enough *currently free* linear capacity even after wrapping.
func (p *Pool) tryAlloc(heapIndex int, slot *heapSlot, req Request) (Allocation, bool) {
	if slot.capacity == 0 {
		return Allocation{}, false
	}

	offset := alignUp(slot.offset, req.Alignment)
	padding := offset - slot.offset
	size := req.Size

	if offset+size > slot.size {
		// Doesn't fit before the tail: wrap to the start instead.
		padding += slot.size - slot.offset
		offset = 0
	}

	if size+padding > slot.capacity {
		return Allocation{}, false
	}

	value := p.timeline.PeekNext()

	slot.appendRange(pendingRange{fenceValue: value, offset: offset, size: size + padding})
	slot.capacity -= size + padding
	slot.offset = (offset + size) % slot.size

	return Allocation{
		HeapIndex:  heapIndex,
		Offset:     offset,
		Size:       size,
		MappedPtr:  slot.heap.MappedPtr(offset),
		GPUAddress: slot.heap.GPUAddress(offset),
		FenceValue: value,
	}, true
}

// appendRange coalesces with the tail of the FIFO when possible, mirroring
// the reference implementation's commitRange.
func (s *heapSlot) appendRange(r pendingRange) {
	if len(s.ranges) == 0 {
		s.ranges = append(s.ranges, r)
		return
	}
	tail := &s.ranges[len(s.ranges)-1]
	if tail.fenceValue == r.fenceValue {
		tail.size += r.size
		return
	}
	s.ranges = append(s.ranges, r)
}

// EndUsage walks every heap and reclaims capacity for ranges whose fence
// value has completed, in strict FIFO order (a range can only be reclaimed
// once every range enqueued before it already has been — fragmentation
// across ranges is deliberately not coalesced out of order).
func (p *Pool) EndUsage() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, slot := range p.heaps {
		for len(slot.ranges) > 0 {
			front := slot.ranges[0]
			if !p.timeline.IsComplete(front.fenceValue) {
				break
			}
			slot.capacity += front.size
			slot.ranges = slot.ranges[1:]
			if len(slot.ranges) == 0 {
				slot.offset = 0
			}
		}
	}
}

// HeapCount reports how many heaps the pool currently owns. Exposed for
// tests and diagnostics.
func (p *Pool) HeapCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heaps)
}

func alignUp(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}
