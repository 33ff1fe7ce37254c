// Package scheduler implements the Work Scheduler (C9): it parses
// recorded command lists into per-command resource-state transitions,
// plans split barriers, stages upload/download ranges, allocates a fence
// value, and issues the translated commands to a backend.
//
// The state machine — ResourceGpuState, BarrierType (Immediate/Begin/End),
// and the per-schedule "last touch" map merged into a persistent resource
// state map at commit — is ported from original_source's WorkBundleDb.h/
// WorkBundleDb.cpp (coalpy's ResourceGpuState, ResourceBarrier,
// CommandInfo, ProcessedList, WorkBundle types), completing the split-
// barrier planning algorithm that file declares but leaves largely as a
// stub (transitionResource/transitionTable) for backend-specific
// subclasses to finish.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/cmdlist"
	"github.com/gogpu/compute/internal/errkind"
	"github.com/gogpu/compute/internal/fence"
	"github.com/gogpu/compute/internal/handle"
	"github.com/gogpu/compute/internal/logging"
	"github.com/gogpu/compute/internal/resources"
	"github.com/gogpu/compute/internal/restable"
	"github.com/gogpu/compute/internal/stagingpool"
)

type workMarker struct{}

func (workMarker) marker() {}

// WorkHandle identifies a scheduled work bundle.
type WorkHandle = handle.Handle[workMarker]

// DownloadKey identifies one readback-capable resource view within a work
// bundle (spec.md 3, Work Bundle).
type DownloadKey struct {
	Resource handle.Raw
	Mip      uint32
	Slice    uint32
}

// DownloadRange is where a DownloadKey's bytes live once the work's fence
// completes.
type DownloadRange struct {
	Offset   uint64
	ByteSize uint64
}

// WorkBundle is the record of one schedule() call (spec.md 3).
type WorkBundle struct {
	ProcessedLists []*backend.ProcessedList
	FenceValue     fence.Value
	DownloadMap    map[DownloadKey]DownloadRange
}

// Flags controls schedule() behavior.
type Flags struct {
	// GetWorkHandle requests that the work handle survive past schedule();
	// if unset, the scheduler releases it immediately after commit (the
	// fence still signals, and the GC reclaims as usual).
	GetWorkHandle bool
}

// Status is the result of a schedule() call.
type Status struct {
	Work  WorkHandle
	Error *errkind.Error
}

// globalViewsAdapter resolves the opaque handle.Raw keys the backend sees
// (resource or table handles, whichever a binding references) to native
// backend objects, via the resource registry.
type globalViewsAdapter struct {
	registry *resources.Registry
}

func (g globalViewsAdapter) View(key any) (backend.Native, bool) {
	raw, ok := key.(handle.Raw)
	if !ok {
		return nil, false
	}
	if res, ok := g.registry.Lookup(resources.HandleFromRaw(raw)); ok {
		return res.Native, true
	}
	if tbl, ok := g.registry.LookupTable(handle.FromRaw[restable.Marker](raw)); ok {
		return tbl.Native, true
	}
	return nil, false
}

// Scheduler owns the persistent Resource State Map and translates
// schedule() calls into backend submissions.
type Scheduler struct {
	backend  backend.Backend
	registry *resources.Registry
	pool     *stagingpool.Pool
	timeline *fence.Timeline

	submitMu sync.Mutex // serializes schedule() calls, per spec.md 5

	stateMu sync.RWMutex
	state   map[handle.Raw]backend.ResourceState

	works *handle.Container[*WorkBundle, workMarker]
}

// New creates a Scheduler.
func New(be backend.Backend, registry *resources.Registry, pool *stagingpool.Pool, timeline *fence.Timeline) *Scheduler {
	return &Scheduler{
		backend:  be,
		registry: registry,
		pool:     pool,
		timeline: timeline,
		state:    make(map[handle.Raw]backend.ResourceState),
		works:    handle.NewContainer[*WorkBundle, workMarker](),
	}
}

// SeedState sets a resource's initial persistent state. Called by the
// resource registry at creation time (spec.md 3: a resource starts
// Uninitialized until first touched by the scheduler).
func (s *Scheduler) SeedState(raw handle.Raw, state backend.ResourceState) {
	s.stateMu.Lock()
	s.state[raw] = state
	s.stateMu.Unlock()
}

// touch records the last place in a schedule() call a resource was seen:
// the state it was put in, its position (for adjacency checks), and a
// pointer to the CommandInfo so a later Begin barrier can still append to
// that command's PostBarriers even after parsing has moved past it.
type touch struct {
	state     backend.ResourceState
	listIndex int
	cmdIndex  int
	info      *backend.CommandInfo
}

// Schedule runs the full parse -> transition -> stage -> commit ->
// commit-state pipeline over lists, in the order given, as one fenced
// batch (spec.md 4.9).
func (s *Scheduler) Schedule(lists []*cmdlist.List, flags Flags) Status {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	processed := make([]*backend.ProcessedList, len(lists))
	for i, l := range lists {
		processed[i] = &backend.ProcessedList{Source: l.Bytes()}
	}

	lastTouch := make(map[handle.Raw]touch)
	downloadMap := make(map[DownloadKey]DownloadRange)

	// Each CommandInfo lives on the heap while parsing so a later Begin
	// barrier can still be appended to it; the values are copied into the
	// processed lists once every list has been walked.
	infos := make([][]*backend.CommandInfo, len(lists))
	for li, l := range lists {
		cmdIdx := 0
		buf := l.Bytes()
		werr := cmdlist.Walk(buf, func(e cmdlist.Entry) error {
			info := &backend.CommandInfo{CommandOffset: e.Offset}
			if err := s.transitionCommand(buf, li, cmdIdx, e, info, lastTouch); err != nil {
				return err
			}
			if err := s.stageCommand(buf, e, info, downloadMap); err != nil {
				return err
			}
			infos[li] = append(infos[li], info)
			cmdIdx++
			return nil
		})
		if werr != nil {
			return errorStatus(werr)
		}
	}
	for li, list := range infos {
		for _, info := range list {
			processed[li].Commands = append(processed[li].Commands, *info)
		}
	}

	fenceValue, err := s.timeline.Signal()
	if err != nil {
		return errorStatus(errkind.New(errkind.InternalAPIFailure, "fence signal failed: %v", err))
	}

	views := globalViewsAdapter{registry: s.registry}
	for i, pl := range processed {
		native, err := s.backend.EncodeCommandBuffer(pl, views)
		if err != nil {
			return errorStatus(errkind.New(errkind.InternalAPIFailure, "encode command buffer %d failed: %v", i, err))
		}
		if err := s.backend.Submit(native, nil, fenceValue); err != nil {
			logging.Logger().Warn("scheduler: submit failed after fence allocation", "list", i, "error", err)
			return errorStatus(errkind.New(errkind.InternalAPIFailure, "submit failed: %v", err))
		}
	}

	s.commitState(lastTouch)

	bundle := &WorkBundle{ProcessedLists: processed, FenceValue: fenceValue, DownloadMap: downloadMap}
	wh := s.works.Allocate(bundle)

	if !flags.GetWorkHandle {
		s.works.Free(wh)
		return Status{}
	}
	return Status{Work: wh}
}

// transitionCommand computes the (resource, target_state) pairs implied by
// a command's kind (spec.md 4.9 step 1), then applies the transition
// algorithm (step 2) for each.
func (s *Scheduler) transitionCommand(buf []byte, listIndex, cmdIndex int, e cmdlist.Entry, info *backend.CommandInfo, lastTouch map[handle.Raw]touch) error {
	switch e.Sentinel {
	case cmdlist.SentinelCompute:
		inTable := cmdlist.FieldU64(buf, e.Offset+4)
		outTable := cmdlist.FieldU64(buf, e.Offset+12)
		if inTable != 0 {
			if err := s.transitionTable(inTable, backend.StateSrv, listIndex, cmdIndex, info, lastTouch); err != nil {
				return err
			}
		}
		if outTable != 0 {
			if err := s.transitionTable(outTable, backend.StateUav, listIndex, cmdIndex, info, lastTouch); err != nil {
				return err
			}
		}
	case cmdlist.SentinelCopy:
		src := handle.Raw(cmdlist.FieldU64(buf, e.Offset+4))
		dst := handle.Raw(cmdlist.FieldU64(buf, e.Offset+12))
		if err := s.transitionResource(src, backend.StateCopySrc, listIndex, cmdIndex, info, lastTouch); err != nil {
			return err
		}
		if err := s.transitionResource(dst, backend.StateCopyDst, listIndex, cmdIndex, info, lastTouch); err != nil {
			return err
		}
	case cmdlist.SentinelUpload:
		dst := handle.Raw(cmdlist.FieldU64(buf, e.Offset+4))
		if err := s.transitionResource(dst, backend.StateCopyDst, listIndex, cmdIndex, info, lastTouch); err != nil {
			return err
		}
	case cmdlist.SentinelDownload:
		src := handle.Raw(cmdlist.FieldU64(buf, e.Offset+4))
		if err := s.transitionResource(src, backend.StateCopySrc, listIndex, cmdIndex, info, lastTouch); err != nil {
			return err
		}
	case cmdlist.SentinelBeginMarker, cmdlist.SentinelEndMarker:
		// No barriers, no resource touches (spec.md 8, boundary behaviors).
	}
	return nil
}

func (s *Scheduler) transitionTable(tableRaw uint64, target backend.ResourceState, listIndex, cmdIndex int, info *backend.CommandInfo, lastTouch map[handle.Raw]touch) error {
	th := handle.FromRaw[restable.Marker](handle.Raw(tableRaw))
	tbl, ok := s.registry.LookupTable(th)
	if !ok {
		return errkind.New(errkind.BadTableInfo, "table handle %v is not registered", th)
	}
	for _, slot := range tbl.Slots {
		if err := s.transitionResource(slot.Resource, target, listIndex, cmdIndex, info, lastTouch); err != nil {
			return err
		}
	}
	return nil
}

// transitionResource applies spec.md 4.9 step 2 for one (resource,
// new_state) pair: an already-current state is a no-op, a state change
// adjacent to the prior touch (same list, ≤1 command back) becomes an
// Immediate barrier, anything farther apart becomes a split Begin/End
// pair, and a repeated Uav touch materializes a write-after-write UAV
// barrier (spec.md 9, open question — this implementation always
// materializes it rather than trying to prove the hazard necessary).
func (s *Scheduler) transitionResource(raw handle.Raw, newState backend.ResourceState, listIndex, cmdIndex int, info *backend.CommandInfo, lastTouch map[handle.Raw]touch) error {
	if raw == 0 {
		return nil
	}
	rh := resources.HandleFromRaw(raw)
	res, ok := s.registry.Lookup(rh)
	if !ok {
		return errkind.New(errkind.InvalidHandle, "resource %v is not registered", raw)
	}

	prev, seen := lastTouch[raw]
	var prevState backend.ResourceState
	if !seen {
		s.stateMu.RLock()
		st, ok := s.state[raw]
		s.stateMu.RUnlock()
		if !ok {
			return errkind.New(errkind.ResourceStateNotFound, "resource %v has no entry in the global resource state map", raw)
		}
		prevState = st
	} else {
		prevState = prev.state
	}

	switch {
	case prevState == newState && newState == backend.StateUav:
		info.PreBarriers = append(info.PreBarriers, backend.Barrier{
			Resource: res.Native, PrevState: prevState, NextState: newState,
			Kind: backend.BarrierImmediate, IsUAV: true,
		})
	case prevState == newState:
		// No transition needed.
	case !seen:
		// First touch of this resource within the schedule() call: there is
		// no earlier command in this batch to carry a Begin half, so the
		// transition from whatever the global map holds is Immediate.
		info.PreBarriers = append(info.PreBarriers, backend.Barrier{
			Resource: res.Native, PrevState: prevState, NextState: newState, Kind: backend.BarrierImmediate,
		})
	case prev.listIndex == listIndex && (cmdIndex-prev.cmdIndex) <= 1:
		info.PreBarriers = append(info.PreBarriers, backend.Barrier{
			Resource: res.Native, PrevState: prevState, NextState: newState, Kind: backend.BarrierImmediate,
		})
	default:
		begin := backend.Barrier{Resource: res.Native, PrevState: prevState, NextState: newState, Kind: backend.BarrierBegin}
		end := backend.Barrier{Resource: res.Native, PrevState: prevState, NextState: newState, Kind: backend.BarrierEnd}
		if seen && prev.info != nil {
			prev.info.PostBarriers = append(prev.info.PostBarriers, begin)
		}
		info.PreBarriers = append(info.PreBarriers, end)
	}

	lastTouch[raw] = touch{state: newState, listIndex: listIndex, cmdIndex: cmdIndex, info: info}
	return nil
}

// stageCommand reserves upload/readback ranges for Upload, inline
// constants, and Download commands (spec.md 4.9 step 3).
func (s *Scheduler) stageCommand(buf []byte, e cmdlist.Entry, info *backend.CommandInfo, downloadMap map[DownloadKey]DownloadRange) error {
	switch e.Sentinel {
	case cmdlist.SentinelUpload:
		offset, count := cmdlist.ReadRef(buf, e.Offset+12)
		if count == 0 {
			return nil
		}
		alloc, err := s.pool.Allocate(stagingpool.Request{Size: uint64(count)})
		if err != nil {
			return errkind.New(errkind.InternalAPIFailure, "upload staging allocation failed: %v", err)
		}
		copy(alloc.MappedPtr, buf[offset:offset+count])
		info.HasUpload = true
		info.UploadOffset = alloc.GPUAddress

	case cmdlist.SentinelCompute:
		offset, count := cmdlist.ReadRef(buf, e.Offset+28)
		if count == 0 {
			return nil
		}
		alloc, err := s.pool.Allocate(stagingpool.Request{Size: uint64(count), Alignment: stagingpool.DefaultAlignment})
		if err != nil {
			return errkind.New(errkind.InternalAPIFailure, "inline constants staging allocation failed: %v", err)
		}
		copy(alloc.MappedPtr, buf[offset:offset+count])
		info.HasUpload = true
		info.UploadOffset = alloc.GPUAddress

	case cmdlist.SentinelDownload:
		src := handle.Raw(cmdlist.FieldU64(buf, e.Offset+4))
		res, ok := s.registry.Lookup(resources.HandleFromRaw(src))
		if !ok {
			return errkind.New(errkind.InvalidHandle, "download source %v is not registered", src)
		}
		alloc, err := s.pool.Allocate(stagingpool.Request{Size: res.ActualSize})
		if err != nil {
			return errkind.New(errkind.InternalAPIFailure, "download staging allocation failed: %v", err)
		}
		key := DownloadKey{Resource: src}
		downloadMap[key] = DownloadRange{Offset: alloc.GPUAddress, ByteSize: alloc.Size}
		info.HasDownload = true
		info.DownloadKey = fmt.Sprintf("%v", key)
	}
	return nil
}

// commitState merges the per-schedule last-touch states into the
// persistent Resource State Map under a write lock (spec.md 4.9 step 5).
func (s *Scheduler) commitState(lastTouch map[handle.Raw]touch) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for raw, t := range lastTouch {
		s.state[raw] = t.state
	}
}

// WaitOnCPU blocks until work's fence reaches completion or timeoutNs
// elapses (negative = indefinite, zero = poll), per spec.md 5.
func (s *Scheduler) WaitOnCPU(h WorkHandle, timeoutNs int64) error {
	bundle, ok := s.works.Get(h)
	if !ok {
		return errkind.New(errkind.InvalidHandle, "work handle %v is not registered", h)
	}
	var timeout time.Duration
	if timeoutNs < 0 {
		timeout = -1
	} else {
		timeout = time.Duration(timeoutNs)
	}
	return s.timeline.WaitCPU(bundle.FenceValue, timeout)
}

// GetDownloadStatus reports readback readiness for a resource touched by a
// Download command in work h (spec.md 6, work-handle observable state).
func (s *Scheduler) GetDownloadStatus(h WorkHandle, resource handle.Raw) (DownloadRange, bool, error) {
	bundle, ok := s.works.Get(h)
	if !ok {
		return DownloadRange{}, false, errkind.New(errkind.InvalidHandle, "work handle %v is not registered", h)
	}
	dr, ok := bundle.DownloadMap[DownloadKey{Resource: resource}]
	if !ok {
		return DownloadRange{}, false, nil
	}
	return dr, s.timeline.IsComplete(bundle.FenceValue), nil
}

// Lookup returns the work bundle behind h, for diagnostics and for the
// device facade's wait/download-status calls.
func (s *Scheduler) Lookup(h WorkHandle) (*WorkBundle, bool) {
	return s.works.Get(h)
}

// Release frees a work handle explicitly (spec.md 3, Work Bundle
// lifecycle).
func (s *Scheduler) Release(h WorkHandle) bool {
	_, ok := s.works.Free(h)
	return ok
}

func errorStatus(err error) Status {
	if ek, ok := err.(*errkind.Error); ok {
		return Status{Error: ek}
	}
	return Status{Error: errkind.New(errkind.InternalAPIFailure, "%v", err)}
}
