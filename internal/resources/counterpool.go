package resources

import (
	"errors"
	"sync"

	"github.com/gogpu/compute/internal/handle"
)

// MaxCounters bounds how many append-consume buffers can share the counter
// resource at once, matching original_source's Dx12CounterPool/
// VulkanCounterPool fixed-size counter buffer (ALIGNMENT*MaxCounters).
const MaxCounters = 4096

type counterMarker struct{}

func (counterMarker) marker() {}

// CounterHandle identifies an append-consume counter slot in the shared
// counter buffer (spec.md Glossary, "Append-Consume Counter"; spec.md 36
// names CounterHandle among the handle model's distinct typed handles).
type CounterHandle = handle.Handle[counterMarker]

// ErrCounterPoolExhausted is returned when allocate would exceed MaxCounters.
var ErrCounterPoolExhausted = errors.New("resources: append-consume counter pool exhausted")

type counterSlot struct {
	gen  handle.Generation
	free bool
}

// counterPool hands out generation-checked handles into the shared 4-byte
// append-consume counter resource, laid out at index * restable.
// CounterAlignment in the backing buffer. Grounded on original_source's
// Dx12CounterPool/VulkanCounterPool, a free-list over a fixed-stride shared
// resource rather than a full allocator.
type counterPool struct {
	mu       sync.Mutex
	slots    []counterSlot
	freeList []handle.Index
	max      uint32
}

func newCounterPool(max uint32) *counterPool {
	return &counterPool{max: max}
}

func (p *counterPool) allocate() (CounterHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		s := &p.slots[idx]
		s.free = false
		return handle.New[counterMarker](idx, s.gen), nil
	}

	if uint32(len(p.slots)) >= p.max {
		return CounterHandle{}, ErrCounterPoolExhausted
	}
	idx := handle.Index(len(p.slots))
	p.slots = append(p.slots, counterSlot{gen: 1})
	return handle.New[counterMarker](idx, 1), nil
}

// release frees h's slot, bumping its generation so a stale copy of h is
// rejected if it's ever released twice. Reports whether h was live.
func (p *counterPool) release(h CounterHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := h.Index()
	if int(idx) >= len(p.slots) {
		return false
	}
	s := &p.slots[idx]
	if s.free || s.gen != h.Generation() {
		return false
	}
	s.free = true
	s.gen++
	p.freeList = append(p.freeList, idx)
	return true
}
