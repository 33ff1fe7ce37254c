package fence

import "testing"

func TestPoolRefCounting(t *testing.T) {
	tl := NewTimeline(&fakeSync{})
	v, _ := tl.Signal()
	p := NewPool(tl)

	h := p.Allocate(v)
	if !p.AddRef(h) {
		t.Fatal("AddRef on live handle should succeed")
	}

	// Two Free calls needed: one for AddRef, one for the original Allocate ref.
	if !p.Free(h) {
		t.Fatal("first Free should succeed")
	}
	p.UpdateState(h)
	if !p.IsSignaled(h) {
		t.Fatal("expected handle to report signaled after UpdateState on a completed value")
	}

	if !p.Free(h) {
		t.Fatal("second Free should succeed and drop the last reference")
	}

	if p.AddRef(h) {
		t.Fatal("AddRef after refcount reaches zero should fail")
	}
}

func TestPoolUnsignaledUntilComplete(t *testing.T) {
	sync := &fakeSync{delay: func(Value) bool { return false }}
	tl := NewTimeline(sync)
	tl.next = 5
	p := NewPool(tl)

	h := p.Allocate(5)
	p.UpdateState(h)
	if p.IsSignaled(h) {
		t.Fatal("fence not yet completed should not report signaled")
	}
}

func TestPoolValue(t *testing.T) {
	tl := NewTimeline(&fakeSync{})
	p := NewPool(tl)
	h := p.Allocate(7)
	if got := p.Value(h); got != 7 {
		t.Fatalf("Value(h) = %d, want 7", got)
	}
}
