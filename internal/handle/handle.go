// Package handle implements the generic handle container shared by every
// typed handle in the compute layer: ResourceHandle, ResourceTableHandle,
// ShaderHandle, WorkHandle, FenceHandle, CounterHandle and EventHandle.
//
// A Handle is a 64-bit value packing a 32-bit slot index and a 32-bit
// generation. It stays valid only as long as the generation it carries
// matches the slot's current generation, which is bumped every time the
// slot is freed. This makes stale handles (use-after-free, double-free)
// detectable in O(1) without a tombstone map.
package handle

import "fmt"

// Index identifies a slot in the container's dense slice.
type Index = uint32

// Generation is bumped every time a slot is freed, invalidating old handles
// that still reference the slot.
type Generation = uint32

// Marker is a zero-size type used purely to distinguish handle types at
// compile time. ResourceHandle and ShaderHandle, for instance, both wrap a
// Raw value but are never assignable to one another. The constraint places
// no method requirement on the type, so packages other than handle can
// declare their own markers.
type Marker interface{}

// Raw is the untyped 64-bit encoding of a handle: index in the low 32 bits,
// generation in the high 32 bits.
type Raw uint64

// Zip packs an index and generation into a Raw handle value.
func Zip(index Index, gen Generation) Raw {
	return Raw(index) | (Raw(gen) << 32)
}

// Unzip splits a Raw handle value back into its index and generation.
func (r Raw) Unzip() (Index, Generation) {
	return Index(r & 0xFFFFFFFF), Generation(r >> 32)
}

// Index returns the slot index encoded in r.
func (r Raw) Index() Index { return Index(r & 0xFFFFFFFF) }

// Generation returns the generation encoded in r.
func (r Raw) Generation() Generation { return Generation(r >> 32) }

// IsZero reports whether r is the zero handle (always invalid).
func (r Raw) IsZero() bool { return r == 0 }

func (r Raw) String() string {
	index, gen := r.Unzip()
	return fmt.Sprintf("Handle(%d,%d)", index, gen)
}

// Handle is a type-safe wrapper around Raw, parameterized by a Marker type
// so that a ResourceHandle and a ShaderHandle can never be confused even
// though both are, underneath, an (index, generation) pair.
type Handle[M Marker] struct {
	raw Raw
}

// New builds a Handle from an index and generation.
func New[M Marker](index Index, gen Generation) Handle[M] {
	return Handle[M]{raw: Zip(index, gen)}
}

// FromRaw wraps an already-encoded Raw value. Callers are responsible for
// using it only with the intended marker type.
func FromRaw[M Marker](raw Raw) Handle[M] { return Handle[M]{raw: raw} }

// Raw returns the untyped encoding of h.
func (h Handle[M]) Raw() Raw { return h.raw }

// Index returns the slot index of h.
func (h Handle[M]) Index() Index { return h.raw.Index() }

// Generation returns the generation of h.
func (h Handle[M]) Generation() Generation { return h.raw.Generation() }

// IsZero reports whether h is the zero handle.
func (h Handle[M]) IsZero() bool { return h.raw.IsZero() }

func (h Handle[M]) String() string { return h.raw.String() }
