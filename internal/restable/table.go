// Package restable implements resource tables (C5): immutable bundles of
// resource views bound as a unit to shader registers, re-created when a
// tracked resource is recreated.
//
// The descriptor-set-from-bindings shape is ported from
// github.com/gogpu/wgpu's hal/vulkan/descriptor.go (layout bindings built
// one per resource index, then a descriptor set written from resource
// views); the append-consume counter-pool layout is grounded on
// original_source's Dx12CounterPool/VulkanCounterPool (a 4-byte counter per
// append-consume buffer, indexed at offset = index * alignment in a single
// shared resource).
package restable

import (
	"fmt"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/handle"
)

// Kind is the table kind named in spec.md 3 and 4.5.
type Kind int

const (
	KindIn Kind = iota
	KindOut
	KindSampler
)

func (k Kind) String() string {
	switch k {
	case KindIn:
		return "in"
	case KindOut:
		return "out"
	case KindSampler:
		return "sampler"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type tableMarker struct{}

func (tableMarker) marker() {}

// Marker is the handle.Marker for resource tables, exported so callers
// (internal/resources) can declare their own handle.Container over *Table.
type Marker = tableMarker

// Handle identifies a resource table.
type Handle = handle.Handle[tableMarker]

// Slot is one entry in a table: the resource it binds, and an optional mip
// index for texture views.
type Slot struct {
	Resource handle.Raw // the opaque ResourceHandle.Raw of the bound resource
	MipIndex uint32
	HasMip   bool
}

// ResourceView is the minimal information restable needs about a bound
// resource to validate and (re)write it: its access flags, whether it is an
// append-consume buffer, and the native view object to write into the
// descriptor set.
type ResourceView struct {
	Access        backend.ResourceAccess
	IsSampler     bool
	AppendConsume bool
	CounterIndex  uint32        // valid only if AppendConsume
	CounterView   backend.Native // the shared counter buffer, valid only if AppendConsume
	NativeView    backend.Native
}

// ResourceLookup resolves a slot's resource handle to its current view.
// Supplied by internal/resources so restable never imports it directly
// (resources imports restable for recreation callbacks, not vice versa).
type ResourceLookup func(raw handle.Raw) (ResourceView, bool)

// Table is a built resource table: its kind, ordered slots, and the native
// descriptor set the backend wrote for them.
type Table struct {
	Kind     Kind
	Slots    []Slot
	Native   backend.Native
	Bindings []backend.LayoutBinding
}

// ErrAccessMismatch is returned by Build/Rebuild when a slot's resource
// access flags don't satisfy its table kind (spec.md 4.5: In requires
// GpuRead, Out requires GpuWrite, Sampler requires a sampler resource).
var ErrAccessMismatch = fmt.Errorf("restable: resource access flags do not match table kind")

// CounterAlignment is the stride between append-consume counter slots in
// the shared counter resource.
const CounterAlignment = 256

// Builder constructs and rebuilds tables against a backend and a resource
// lookup.
type Builder struct {
	Backend backend.Backend
	Lookup  ResourceLookup
}

// Build validates every slot's access flags against kind, creates one
// layout binding per slot (plus one more per append-consume counter in Out
// tables), and asks the backend to create the descriptor set.
func (b *Builder) Build(kind Kind, slots []Slot) (*Table, error) {
	bindings := make([]backend.LayoutBinding, 0, len(slots))
	writes := make([]backend.DescriptorWrite, 0, len(slots))

	for i, slot := range slots {
		view, ok := b.Lookup(slot.Resource)
		if !ok {
			return nil, fmt.Errorf("restable: slot %d references an invalid resource handle", i)
		}
		if err := validateAccess(kind, view); err != nil {
			return nil, fmt.Errorf("restable: slot %d: %w", i, err)
		}

		idx := uint32(i)
		bindings = append(bindings, backend.LayoutBinding{Index: idx, Kind: bindingKindFor(kind)})
		writes = append(writes, backend.DescriptorWrite{Index: idx, View: view.NativeView})

		if kind == KindOut && view.AppendConsume {
			counterIdx := uint32(len(bindings))
			bindings = append(bindings, backend.LayoutBinding{Index: counterIdx, Kind: backend.BindingUAV, IsCounter: true})
			// The counter binding points at the shared counter resource
			// (view.CounterView), not the buffer's own view: a sub-range
			// at view.CounterIndex * CounterAlignment, per spec.md 4.5 and
			// the Append-Consume Counter glossary entry.
			writes = append(writes, backend.DescriptorWrite{
				Index:  counterIdx,
				View:   view.CounterView,
				Offset: uint64(view.CounterIndex) * CounterAlignment,
			})
		}
	}

	native, err := b.Backend.CreateDescriptorSet(bindings, writes)
	if err != nil {
		return nil, fmt.Errorf("restable: backend CreateDescriptorSet failed: %w", err)
	}

	return &Table{Kind: kind, Slots: append([]Slot(nil), slots...), Native: native, Bindings: bindings}, nil
}

// Rebuild re-patches an existing table after one of its tracked resources
// was recreated: it rewrites the descriptor set in place (by creating a
// fresh one with the same slot ordering) rather than changing the table's
// identity, so existing ResourceTableHandles remain valid.
func (b *Builder) Rebuild(t *Table) error {
	rebuilt, err := b.Build(t.Kind, t.Slots)
	if err != nil {
		return err
	}
	t.Native = rebuilt.Native
	t.Bindings = rebuilt.Bindings
	return nil
}

func validateAccess(kind Kind, view ResourceView) error {
	switch kind {
	case KindIn:
		if !view.Access.CanRead() {
			return ErrAccessMismatch
		}
	case KindOut:
		if !view.Access.CanWrite() {
			return ErrAccessMismatch
		}
	case KindSampler:
		if !view.IsSampler {
			return ErrAccessMismatch
		}
	default:
		return fmt.Errorf("restable: unknown table kind %v", kind)
	}
	return nil
}

func bindingKindFor(kind Kind) backend.BindingKind {
	switch kind {
	case KindIn:
		return backend.BindingSRV
	case KindOut:
		return backend.BindingUAV
	case KindSampler:
		return backend.BindingSampler
	default:
		return backend.BindingSRV
	}
}
