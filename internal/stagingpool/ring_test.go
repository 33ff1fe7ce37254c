package stagingpool

import (
	"fmt"
	"testing"

	"github.com/gogpu/compute/internal/fence"
)

// fakeSync is a minimal in-process fence.GPUSync for exercising the ring
// allocator without a real backend.
type fakeSync struct {
	completed fence.Value
}

func (f *fakeSync) Signal(value fence.Value) error {
	if value > f.completed {
		f.completed = value
	}
	return nil
}

func (f *fakeSync) Wait(value fence.Value, _ int64) (bool, error) {
	return value <= f.completed, nil
}

// fakeHeap backs allocations with a plain byte slice; GPUAddress is just
// the offset, which is enough to assert on in tests.
type fakeHeap struct {
	buf []byte
}

func newFakeHeap(size uint64) *fakeHeap { return &fakeHeap{buf: make([]byte, size)} }

func (h *fakeHeap) Size() uint64                     { return uint64(len(h.buf)) }
func (h *fakeHeap) MappedPtr(offset uint64) []byte   { return h.buf[offset:] }
func (h *fakeHeap) GPUAddress(offset uint64) uint64  { return offset }
func (h *fakeHeap) Destroy()                         {}

type fakeFactory struct {
	created []uint64
}

func (f *fakeFactory) CreateHeap(minSize uint64) (Heap, error) {
	f.created = append(f.created, minSize)
	return newFakeHeap(minSize), nil
}

func TestAllocateGrowsHeapOnFirstUse(t *testing.T) {
	factory := &fakeFactory{}
	tl := fence.NewTimeline(&fakeSync{})
	p := New(factory, tl)

	alloc, err := p.Allocate(Request{Size: 64})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if alloc.Size != 64 {
		t.Fatalf("Size = %d, want 64", alloc.Size)
	}
	if p.HeapCount() != 1 {
		t.Fatalf("HeapCount = %d, want 1", p.HeapCount())
	}
	if factory.created[0] != 128 {
		t.Fatalf("first heap size = %d, want 2*request = 128", factory.created[0])
	}
}

func TestAllocateReusesCapacityWithoutNewHeap(t *testing.T) {
	factory := &fakeFactory{}
	tl := fence.NewTimeline(&fakeSync{})
	p := New(factory, tl)

	// A 64-byte alignment lets the second request start right where the
	// first ends; with DefaultAlignment (256) a 128-byte heap has room for
	// only one allocation.
	if _, err := p.Allocate(Request{Size: 64, Alignment: 64}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Allocate(Request{Size: 64, Alignment: 64}); err != nil {
		t.Fatal(err)
	}
	if p.HeapCount() != 1 {
		t.Fatalf("HeapCount = %d, want 1 (second alloc should fit existing heap)", p.HeapCount())
	}
}

func TestAllocateGrowsNewHeapWhenExistingIsFull(t *testing.T) {
	factory := &fakeFactory{}
	tl := fence.NewTimeline(&fakeSync{})
	p := New(factory, tl)

	// First heap is sized 128 (2x the 64 byte request); a second request
	// for 100 bytes won't fit the remaining 64 bytes of free capacity.
	if _, err := p.Allocate(Request{Size: 64}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Allocate(Request{Size: 100}); err != nil {
		t.Fatal(err)
	}
	if p.HeapCount() != 2 {
		t.Fatalf("HeapCount = %d, want 2", p.HeapCount())
	}
	if factory.created[1] != 256 {
		t.Fatalf("second heap size = %d, want max(2*100, 2*128) = 256", factory.created[1])
	}
}

func TestEndUsageReclaimsOnlyCompletedRanges(t *testing.T) {
	factory := &fakeFactory{}
	sync := &fakeSync{}
	tl := fence.NewTimeline(sync)
	p := New(factory, tl)

	if _, err := p.Allocate(Request{Size: 32}); err != nil {
		t.Fatal(err)
	}
	// Nothing has been signaled yet: EndUsage must leave the range in
	// place, since its fence value has not completed.
	p.EndUsage()
	before := p.HeapCount()

	// Now signal the timeline (as the scheduler would on commit) and
	// confirm the range becomes reclaimable.
	if _, err := tl.Signal(); err != nil {
		t.Fatal(err)
	}
	p.EndUsage()

	if _, err := p.Allocate(Request{Size: 32}); err != nil {
		t.Fatal(err)
	}
	after := p.HeapCount()
	if after != before {
		t.Fatalf("expected reclaimed capacity to satisfy the next allocation without growing: before=%d after=%d", before, after)
	}
}

func TestAllocationsAreTaggedWithPeekNextNotSignal(t *testing.T) {
	factory := &fakeFactory{}
	tl := fence.NewTimeline(&fakeSync{})
	p := New(factory, tl)

	peeked := tl.PeekNext()
	alloc, err := p.Allocate(Request{Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	if alloc.FenceValue != peeked {
		t.Fatalf("allocation tagged with %d, want the pre-submit peeked value %d", alloc.FenceValue, peeked)
	}

	// The pool must never have called Signal itself: PeekNext should still
	// report the same value, since only the scheduler advances the timeline.
	if got := tl.PeekNext(); got != peeked {
		t.Fatalf("PeekNext changed to %d after Allocate; stagingpool must not call Signal", got)
	}
}

func TestAlignmentPadsOffset(t *testing.T) {
	factory := &fakeFactory{}
	tl := fence.NewTimeline(&fakeSync{})
	p := New(factory, tl)

	if _, err := p.Allocate(Request{Size: 10, Alignment: 16}); err != nil {
		t.Fatal(err)
	}
	alloc, err := p.Allocate(Request{Size: 10, Alignment: 16})
	if err != nil {
		t.Fatal(err)
	}
	if alloc.Offset%16 != 0 {
		t.Fatalf("Offset %d is not 16-byte aligned", alloc.Offset)
	}
}

func TestCreateHeapFailurePropagates(t *testing.T) {
	tl := fence.NewTimeline(&fakeSync{})
	p := New(failingFactory{}, tl)

	if _, err := p.Allocate(Request{Size: 16}); err == nil {
		t.Fatal("expected error from a factory that cannot create heaps")
	}
}

type failingFactory struct{}

func (failingFactory) CreateHeap(minSize uint64) (Heap, error) {
	return nil, fmt.Errorf("out of memory: cannot allocate %d bytes", minSize)
}
