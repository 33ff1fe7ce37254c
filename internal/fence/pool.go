package fence

import (
	"sync"

	"github.com/gogpu/compute/internal/handle"
)

type fenceMarker struct{}

func (fenceMarker) marker() {}

// Handle identifies a reference-counted entry in a Pool.
type Handle = handle.Handle[fenceMarker]

type entry struct {
	value    Value
	refs     int32
	signaled bool
}

// Pool layers reference-counted, short-lived fence handles on top of a
// Timeline. It exists for call sites that need to hold on to "the fence
// for this particular submission" independently of whatever value the
// timeline has moved on to since — e.g. a Work Bundle's download map,
// which must keep its readback memory alive exactly until its own fence
// signals, not until some later one does.
//
// Mirrors fencePool's free/active recycling with a generational
// handle.Container. This variant is indexed by explicit add-ref/free counts rather than GPU completion status:
// the underlying GPU fence value is always owned by the Timeline, the Pool
// just tracks who still cares about a particular value.
type Pool struct {
	timeline *Timeline

	mu      sync.Mutex
	entries *handle.Container[*entry, fenceMarker]
}

// NewPool creates a fence pool sitting on top of timeline.
func NewPool(timeline *Timeline) *Pool {
	return &Pool{
		timeline: timeline,
		entries:  handle.NewContainer[*entry, fenceMarker](),
	}
}

// Allocate registers a new reference-counted fence for value, starting with
// a reference count of one (the caller's own reference).
func (p *Pool) Allocate(value Value) Handle {
	return p.entries.Allocate(&entry{value: value, refs: 1})
}

// AddRef increments the reference count of h. Returns false if h is
// unknown or stale.
func (p *Pool) AddRef(h Handle) bool {
	return p.entries.Mutate(h, func(e **entry) {
		(*e).refs++
	})
}

// Free decrements the reference count of h and removes it from the pool
// once the count reaches zero. Returns false if h is unknown or stale.
func (p *Pool) Free(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var remaining int32 = -1
	ok := p.entries.Mutate(h, func(e **entry) {
		(*e).refs--
		remaining = (*e).refs
	})
	if !ok {
		return false
	}
	if remaining <= 0 {
		p.entries.Free(h)
	}
	return true
}

// UpdateState refreshes h's signaled flag against the owning timeline and
// returns the new value. Returns false if h is unknown or stale.
func (p *Pool) UpdateState(h Handle) bool {
	e, ok := p.entries.Get(h)
	if !ok {
		return false
	}
	signaled := p.timeline.IsComplete(e.value)
	p.entries.Mutate(h, func(e **entry) {
		(*e).signaled = signaled
	})
	return signaled
}

// IsSignaled reports the last-known signaled state for h without querying
// the backend; call UpdateState first to refresh it.
func (p *Pool) IsSignaled(h Handle) bool {
	e, ok := p.entries.Get(h)
	if !ok {
		return false
	}
	return e.signaled
}

// Value returns the fence value h tracks, or 0 if h is unknown.
func (p *Pool) Value(h Handle) Value {
	e, ok := p.entries.Get(h)
	if !ok {
		return 0
	}
	return e.value
}
