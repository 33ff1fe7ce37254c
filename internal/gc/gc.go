// Package gc implements the deferred-release garbage collector (C3): a
// single background worker that reclaims backend objects only once the GPU
// can no longer reference them.
//
// Ported from github.com/gogpu/wgpu's original_source reference (coalpy's
// Dx12Gc/VulkanGc), which runs a fixed-interval poll loop over a pending
// queue, stamping each entry with the fence value current at the moment it
// was gathered and releasing it once that value completes.
package gc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/compute/internal/logging"
)

// DefaultInterval is the poll period used when Config.Interval is zero,
// matching the reference implementation's 125ms default.
const DefaultInterval = 125 * time.Millisecond

// DefaultQuota bounds how many pending items a single tick drains into the
// tracked garbage list, so one giant deferRelease burst can't stall the
// worker loop.
const DefaultQuota = 128

// Fencer is the seam between the collector and a fence timeline: Signal
// reserves (and signals) the value that newly gathered garbage will be
// stamped with, IsComplete reports whether a previously stamped value has
// been reached, and WaitCPU blocks until it has (used only by Flush).
type Fencer interface {
	Signal() (uint64, error)
	IsComplete(value uint64) bool
	WaitCPU(value uint64, timeout time.Duration) error
}

// Destroyer releases a single backend object. Implementations must not
// block on anything other than the destroy call itself; GC already waited
// for GPU completion before calling it.
type Destroyer func(object any)

type garbageEntry struct {
	fenceValue uint64
	object     any
}

// Collector owns the single long-lived worker goroutine described by C3.
// Objects submitted via DeferRelease are stamped, when a tick gathers them,
// with a fence value freshly signaled for that batch, and destroyed once
// that value is known to be complete.
type Collector struct {
	fencer   Fencer
	destroy  Destroyer
	interval time.Duration
	quota    int
	log      *slog.Logger

	mu      sync.Mutex
	pending []any // FIFO of objects not yet stamped with a fence value
	garbage []garbageEntry

	stop    chan struct{}
	done    chan struct{}
	started bool
}

// Config configures a Collector. Zero values fall back to the package
// defaults.
type Config struct {
	Interval time.Duration
	Quota    int
	Logger   *slog.Logger
}

// New creates a collector. It does not start the background worker;
// call Start for that.
func New(fencer Fencer, destroy Destroyer, cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Quota <= 0 {
		cfg.Quota = DefaultQuota
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Logger()
	}
	return &Collector{
		fencer:   fencer,
		destroy:  destroy,
		interval: cfg.Interval,
		quota:    cfg.Quota,
		log:      cfg.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// DeferRelease enqueues object for destruction once the GPU can no longer
// reference it. Safe to call from any goroutine, including before Start.
func (c *Collector) DeferRelease(object any) {
	c.mu.Lock()
	c.pending = append(c.pending, object)
	c.mu.Unlock()
}

// Start launches the background worker. Calling Start twice is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.gatherGarbage()
				c.flushDelete(false)
			}
		}
	}()
}

// Stop halts the background worker and waits for its current tick to
// finish. It does not destroy remaining garbage; call Flush for that.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stop)
	<-c.done
}

// Flush destroys everything outstanding, blocking the calling goroutine on
// each fence value in turn. Intended for teardown.
func (c *Collector) Flush() {
	c.gatherGarbage()
	c.flushDelete(true)
}

// gatherGarbage drains up to quota pending items, stamps them with the
// fence value the timeline will signal for this batch, and moves them to
// the tracked garbage list.
func (c *Collector) gatherGarbage() {
	c.mu.Lock()
	quota := c.quota
	var batch []any
	for len(c.pending) > 0 && quota != 0 {
		batch = append(batch, c.pending[0])
		c.pending = c.pending[1:]
		quota--
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	value, err := c.fencer.Signal()
	if err != nil {
		c.log.Warn("gc: failed to signal fence for garbage batch", "error", err)
		// Re-queue: we'll try again on the next tick rather than leak.
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	for _, obj := range batch {
		c.garbage = append(c.garbage, garbageEntry{fenceValue: value, object: obj})
	}
	c.mu.Unlock()
}

// flushDelete walks the tracked garbage list and destroys every entry whose
// fence value is complete. If waitOnCPU is set, it blocks on each entry's
// fence instead of merely polling — used by Flush at teardown, where no
// backend object may still be destroyed while the GPU could reference it.
func (c *Collector) flushDelete(waitOnCPU bool) {
	c.mu.Lock()
	garbage := c.garbage
	c.garbage = nil
	c.mu.Unlock()

	var remaining []garbageEntry
	for _, g := range garbage {
		if waitOnCPU {
			if err := c.fencer.WaitCPU(g.fenceValue, -1*time.Nanosecond); err != nil {
				c.log.Warn("gc: wait on cpu failed during flush", "error", err)
			}
		}

		if c.fencer.IsComplete(g.fenceValue) {
			c.destroy(g.object)
		} else {
			remaining = append(remaining, g)
		}
	}

	if len(remaining) > 0 {
		c.mu.Lock()
		c.garbage = append(remaining, c.garbage...)
		c.mu.Unlock()
	}
}

// Pending reports how many objects are queued but not yet stamped with a
// fence value, and how many are stamped and awaiting GPU completion. Useful
// for tests and diagnostics.
func (c *Collector) Pending() (unstamped, tracked int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), len(c.garbage)
}
