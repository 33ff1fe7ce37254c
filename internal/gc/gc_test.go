package gc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeFencer is an in-process Fencer: Signal always succeeds, and the
// "GPU" completes a value as soon as complete(value) is called by the
// test, simulating asynchronous GPU progress.
type fakeFencer struct {
	mu        sync.Mutex
	next      uint64
	completed uint64
}

func (f *fakeFencer) Signal() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next, nil
}

func (f *fakeFencer) IsComplete(value uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return value <= f.completed
}

func (f *fakeFencer) WaitCPU(value uint64, _ time.Duration) error {
	f.mu.Lock()
	if value > f.completed {
		f.completed = value
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeFencer) complete(value uint64) {
	f.mu.Lock()
	f.completed = value
	f.mu.Unlock()
}

func TestDeferReleaseDestroysOnlyAfterFenceCompletes(t *testing.T) {
	fencer := &fakeFencer{}
	var destroyed int32
	c := New(fencer, func(any) { atomic.AddInt32(&destroyed, 1) }, Config{})

	c.DeferRelease("obj-a")
	c.gatherGarbage()

	unstamped, tracked := c.Pending()
	if unstamped != 0 || tracked != 1 {
		t.Fatalf("Pending() = (%d, %d), want (0, 1)", unstamped, tracked)
	}

	c.flushDelete(false)
	if atomic.LoadInt32(&destroyed) != 0 {
		t.Fatal("object must not be destroyed before its fence completes")
	}

	fencer.complete(1)
	c.flushDelete(false)
	if atomic.LoadInt32(&destroyed) != 1 {
		t.Fatalf("destroyed = %d, want 1 after fence completion", destroyed)
	}
}

func TestFlushBlocksUntilComplete(t *testing.T) {
	fencer := &fakeFencer{}
	var destroyed int32
	c := New(fencer, func(any) { atomic.AddInt32(&destroyed, 1) }, Config{})

	c.DeferRelease("a")
	c.DeferRelease("b")

	c.Flush()

	if atomic.LoadInt32(&destroyed) != 2 {
		t.Fatalf("Flush should have destroyed both objects by blocking on their fences, got %d", destroyed)
	}
}

func TestStartStopWorkerDrainsOverTime(t *testing.T) {
	fencer := &fakeFencer{}
	var destroyed int32
	c := New(fencer, func(any) { atomic.AddInt32(&destroyed, 1) }, Config{Interval: 5 * time.Millisecond})

	c.DeferRelease("x")
	c.Start()
	defer c.Stop()

	// Let the worker gather and stamp it, then complete the fence and let
	// a later tick reclaim it.
	time.Sleep(20 * time.Millisecond)
	fencer.complete(1)
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&destroyed) != 1 {
		t.Fatalf("expected background worker to destroy the object, destroyed=%d", destroyed)
	}
}

func TestQuotaLimitsBatchSize(t *testing.T) {
	fencer := &fakeFencer{}
	c := New(fencer, func(any) {}, Config{Quota: 2})

	for i := 0; i < 5; i++ {
		c.DeferRelease(i)
	}
	c.gatherGarbage()

	unstamped, tracked := c.Pending()
	if tracked != 2 || unstamped != 3 {
		t.Fatalf("Pending() = (%d, %d), want (3, 2) after quota-limited gather", unstamped, tracked)
	}
}
