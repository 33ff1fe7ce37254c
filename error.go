package compute

import "errors"

// Public API sentinel errors, ported in spirit from the teacher's own
// "wgpu: ..." sentinel set (error.go) but scoped to the compute facade.
var (
	// ErrReleased is returned when operating on a released Device.
	ErrReleased = errors.New("compute: device already released")

	// ErrNoAdapters is returned when the enumerator reports zero adapters.
	ErrNoAdapters = errors.New("compute: no GPU adapters available")

	// ErrAdapterIndex is returned when Settings.AdapterIndex is out of range
	// for the enumerator's reported adapter list.
	ErrAdapterIndex = errors.New("compute: adapter index out of range")

	// ErrDeviceDead is returned by every call after a backend catastrophe
	// during submit has marked the device dead (spec.md 7: "Backend
	// catastrophes during submit are fatal for the device").
	ErrDeviceDead = errors.New("compute: device is dead after a backend failure")
)
