// Package fence implements the per-queue fence timeline (C2) used to order
// GPU submissions and let the CPU block on GPU progress, plus a reference
// counted fence pool layered on top of it for short-lived fence handles.
//
// It is ported from the dual timeline-semaphore/binary-fence-pool design in
// github.com/gogpu/wgpu's hal/vulkan/fence.go and fence_pool.go, generalized
// away from raw Vulkan types so it can sit above any GPUSync
// implementation.
package fence

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Value is a monotonic fence value. Zero means "nothing submitted yet" and
// is always considered complete.
type Value = uint64

// ErrTimeout is returned by WaitCPU when the deadline elapses before the
// requested value completes.
var ErrTimeout = errors.New("fence: wait timed out")

// GPUSync is the seam between the timeline and the backend queue. A real
// backend signals the fence as part of a submit; Wait blocks the calling
// goroutine until the GPU reaches value or the timeout elapses.
//
// timeoutNs follows the spec convention: negative means wait indefinitely,
// zero means poll without blocking.
type GPUSync interface {
	Signal(value Value) error
	Wait(value Value, timeoutNs int64) (completed bool, err error)
}

// Timeline is a monotonically increasing counter for a single queue.
// PeekNext lets staging code tag in-flight ranges with the fence value the
// current batch will eventually carry, before that batch is actually
// submitted; Signal performs the real submission-time bump and GPU signal.
//
// Safe for concurrent use.
type Timeline struct {
	sync GPUSync

	mu   sync.Mutex
	next Value // value the next Signal() call will produce

	completed atomic.Uint64 // cached high-watermark of GPU completion
}

// NewTimeline creates a timeline backed by sync, the object that actually
// knows how to signal and wait on the device queue.
func NewTimeline(sync GPUSync) *Timeline {
	return &Timeline{sync: sync}
}

// PeekNext returns the fence value that the next call to Signal will
// produce, without consuming it. Multiple callers staging ranges for the
// same not-yet-submitted batch all observe the same value.
func (t *Timeline) PeekNext() Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next + 1
}

// Signal bumps the timeline and asks the backend to enqueue a GPU signal
// for the new value. Per spec 4.2, once this value is returned, every
// submission made on this queue before the call is logically ordered
// before any submission made after it.
func (t *Timeline) Signal() (Value, error) {
	t.mu.Lock()
	t.next++
	value := t.next
	t.mu.Unlock()

	if err := t.sync.Signal(value); err != nil {
		return value, err
	}
	return value, nil
}

// IsComplete reports whether the GPU has reached value. The zero value is
// always complete (nothing was ever submitted against it).
func (t *Timeline) IsComplete(value Value) bool {
	if value == 0 {
		return true
	}
	if value <= t.completed.Load() {
		return true
	}
	completed, err := t.sync.Wait(value, 0)
	if err != nil {
		return false
	}
	if completed {
		t.bumpCompleted(value)
	}
	return completed
}

// WaitCPU blocks the calling goroutine until value completes or timeout
// elapses. timeout < 0 waits indefinitely; timeout == 0 polls once.
func (t *Timeline) WaitCPU(value Value, timeout time.Duration) error {
	if value == 0 || value <= t.completed.Load() {
		return nil
	}

	var timeoutNs int64
	switch {
	case timeout < 0:
		timeoutNs = -1
	default:
		timeoutNs = timeout.Nanoseconds()
	}

	completed, err := t.sync.Wait(value, timeoutNs)
	if err != nil {
		return err
	}
	if !completed {
		return ErrTimeout
	}
	t.bumpCompleted(value)
	return nil
}

// WaitGPU is the hook for GPU-side (queue-to-queue) waits used by optional
// multi-queue async compute/copy. The single-queue core never calls it;
// it's here so a multi-queue backend can implement cross-queue ordering
// without changing the Timeline's public shape.
func (t *Timeline) WaitGPU(value Value, targetQueue GPUSync) error {
	_, err := targetQueue.Wait(value, -1)
	return err
}

func (t *Timeline) bumpCompleted(value Value) {
	for {
		current := t.completed.Load()
		if value <= current {
			return
		}
		if t.completed.CompareAndSwap(current, value) {
			return
		}
	}
}
