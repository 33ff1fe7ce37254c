package scheduler

import (
	"testing"
	"time"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/backend/noop"
	"github.com/gogpu/compute/internal/cmdlist"
	"github.com/gogpu/compute/internal/errkind"
	"github.com/gogpu/compute/internal/fence"
	"github.com/gogpu/compute/internal/gc"
	"github.com/gogpu/compute/internal/resources"
	"github.com/gogpu/compute/internal/stagingpool"
)

// fakeSync completes every fence value the instant it's signaled, so tests
// don't need a real GPU queue.
type fakeSync struct{}

func (fakeSync) Signal(value uint64) error                       { return nil }
func (fakeSync) Wait(value uint64, timeoutNs int64) (bool, error) { return true, nil }

// fakeHeap/fakeFactory back the staging pool with plain byte slices, enough
// to exercise upload/download staging without a real GPU-visible heap.
type fakeHeap struct{ buf []byte }

func (h *fakeHeap) Size() uint64                    { return uint64(len(h.buf)) }
func (h *fakeHeap) MappedPtr(offset uint64) []byte  { return h.buf[offset:] }
func (h *fakeHeap) GPUAddress(offset uint64) uint64 { return offset }
func (h *fakeHeap) Destroy()                        {}

type fakeFactory struct{}

func (fakeFactory) CreateHeap(minSize uint64) (stagingpool.Heap, error) {
	return &fakeHeap{buf: make([]byte, minSize)}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *resources.Registry, *noop.Backend) {
	t.Helper()
	be := noop.New()
	timeline := fence.NewTimeline(fakeSync{})
	collector := gc.New(
		adaptFencer{timeline},
		func(obj any) { obj.(func())() },
		gc.Config{},
	)
	registry, err := resources.New(be, collector, backend.Limits{})
	if err != nil {
		t.Fatalf("resources.New: %v", err)
	}
	pool := stagingpool.New(fakeFactory{}, timeline)
	return New(be, registry, pool, timeline), registry, be
}

type adaptFencer struct{ t *fence.Timeline }

func (a adaptFencer) Signal() (uint64, error)                 { return a.t.Signal() }
func (a adaptFencer) IsComplete(v uint64) bool                 { return a.t.IsComplete(v) }
func (a adaptFencer) WaitCPU(v uint64, timeout time.Duration) error { return a.t.WaitCPU(v, timeout) }

func seedBuffer(t *testing.T, s *Scheduler, r *resources.Registry, access backend.ResourceAccess) resources.Handle {
	t.Helper()
	h, err := r.CreateBuffer(resources.BufferDesc{ElementCount: 16, Stride: 4, Structured: true, Access: access})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	s.SeedState(h.Raw(), backend.StateUninitialized)
	return h
}

func TestScheduleComputeTransitionsResourcesAndAdvancesFence(t *testing.T) {
	s, r, _ := newTestScheduler(t)

	in := seedBuffer(t, s, r, backend.AccessGpuRead)
	out := seedBuffer(t, s, r, backend.AccessGpuWrite)

	inTable, err := r.CreateInTable([]resources.Handle{in})
	if err != nil {
		t.Fatalf("CreateInTable failed: %v", err)
	}
	outTable, err := r.CreateOutTable([]resources.Handle{out})
	if err != nil {
		t.Fatalf("CreateOutTable failed: %v", err)
	}

	l := cmdlist.New()
	c, _ := l.AddCompute()
	c.SetInTable(uint64(inTable.Raw()))
	c.SetOutTable(uint64(outTable.Raw()))
	if err := l.Finalize(); err != nil {
		t.Fatal(err)
	}

	status := s.Schedule([]*cmdlist.List{l}, Flags{GetWorkHandle: true})
	if status.Error != nil {
		t.Fatalf("Schedule failed: %v", status.Error)
	}

	bundle, ok := s.Lookup(status.Work)
	if !ok {
		t.Fatal("expected work handle to resolve")
	}
	if bundle.FenceValue == 0 {
		t.Fatal("expected a nonzero fence value")
	}

	s.stateMu.RLock()
	inState := s.state[in.Raw()]
	outState := s.state[out.Raw()]
	s.stateMu.RUnlock()
	if inState != backend.StateSrv {
		t.Fatalf("in-resource state = %v, want Srv", inState)
	}
	if outState != backend.StateUav {
		t.Fatalf("out-resource state = %v, want Uav", outState)
	}
}

func TestScheduleFailsWithResourceStateNotFoundWhenUnseeded(t *testing.T) {
	s, r, _ := newTestScheduler(t)

	h, err := r.CreateBuffer(resources.BufferDesc{ElementCount: 16, Stride: 4, Structured: true, Access: backend.AccessGpuRead})
	if err != nil {
		t.Fatal(err)
	}
	// Deliberately skip SeedState.
	inTable, err := r.CreateInTable([]resources.Handle{h})
	if err != nil {
		t.Fatal(err)
	}

	l := cmdlist.New()
	c, _ := l.AddCompute()
	c.SetInTable(uint64(inTable.Raw()))
	if err := l.Finalize(); err != nil {
		t.Fatal(err)
	}

	status := s.Schedule([]*cmdlist.List{l}, Flags{})
	if status.Error == nil || status.Error.Kind != errkind.ResourceStateNotFound {
		t.Fatalf("Schedule error = %v, want ResourceStateNotFound", status.Error)
	}
}

func TestScheduleEmitsImmediateBarrierForAdjacentTouches(t *testing.T) {
	s, r, _ := newTestScheduler(t)

	buf := seedBuffer(t, s, r, backend.AccessGpuRead|backend.AccessGpuWrite)
	inTable, _ := r.CreateInTable([]resources.Handle{buf})
	outTable, _ := r.CreateOutTable([]resources.Handle{buf})

	l := cmdlist.New()
	c1, _ := l.AddCompute()
	c1.SetOutTable(uint64(outTable.Raw()))
	c2, _ := l.AddCompute()
	c2.SetInTable(uint64(inTable.Raw()))
	if err := l.Finalize(); err != nil {
		t.Fatal(err)
	}

	status := s.Schedule([]*cmdlist.List{l}, Flags{GetWorkHandle: true})
	if status.Error != nil {
		t.Fatalf("Schedule failed: %v", status.Error)
	}
	bundle, _ := s.Lookup(status.Work)
	cmds := bundle.ProcessedLists[0].Commands
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if len(cmds[1].PreBarriers) != 1 {
		t.Fatalf("expected second command to carry 1 pre-barrier, got %d", len(cmds[1].PreBarriers))
	}
	if cmds[1].PreBarriers[0].Kind != backend.BarrierImmediate {
		t.Fatalf("barrier kind = %v, want Immediate (adjacent touch)", cmds[1].PreBarriers[0].Kind)
	}
}

func TestScheduleEmitsSplitBarrierWhenTouchesAreFarApart(t *testing.T) {
	s, r, _ := newTestScheduler(t)

	buf := seedBuffer(t, s, r, backend.AccessGpuRead|backend.AccessGpuWrite)
	inTable, _ := r.CreateInTable([]resources.Handle{buf})
	outTable, _ := r.CreateOutTable([]resources.Handle{buf})

	other, _ := r.CreateBuffer(resources.BufferDesc{ElementCount: 4, Stride: 4, Structured: true, Access: backend.AccessGpuRead})
	s.SeedState(other.Raw(), backend.StateUninitialized)
	otherInTable, _ := r.CreateInTable([]resources.Handle{other})

	l := cmdlist.New()
	c1, _ := l.AddCompute()
	c1.SetOutTable(uint64(outTable.Raw()))
	c2, _ := l.AddCompute()
	c2.SetInTable(uint64(otherInTable.Raw()))
	c3, _ := l.AddCompute()
	c3.SetInTable(uint64(inTable.Raw()))
	if err := l.Finalize(); err != nil {
		t.Fatal(err)
	}

	status := s.Schedule([]*cmdlist.List{l}, Flags{GetWorkHandle: true})
	if status.Error != nil {
		t.Fatalf("Schedule failed: %v", status.Error)
	}
	bundle, _ := s.Lookup(status.Work)
	cmds := bundle.ProcessedLists[0].Commands

	if len(cmds[0].PostBarriers) != 1 || cmds[0].PostBarriers[0].Kind != backend.BarrierBegin {
		t.Fatalf("expected command 0 to carry a Begin post-barrier, got %+v", cmds[0].PostBarriers)
	}
	if len(cmds[2].PreBarriers) != 1 || cmds[2].PreBarriers[0].Kind != backend.BarrierEnd {
		t.Fatalf("expected command 2 to carry an End pre-barrier, got %+v", cmds[2].PreBarriers)
	}
}

func TestScheduleMaterializesUAVBarrierOnRepeatedWrite(t *testing.T) {
	s, r, _ := newTestScheduler(t)

	buf := seedBuffer(t, s, r, backend.AccessGpuWrite)
	outTable, _ := r.CreateOutTable([]resources.Handle{buf})

	l := cmdlist.New()
	c1, _ := l.AddCompute()
	c1.SetOutTable(uint64(outTable.Raw()))
	c2, _ := l.AddCompute()
	c2.SetOutTable(uint64(outTable.Raw()))
	if err := l.Finalize(); err != nil {
		t.Fatal(err)
	}

	status := s.Schedule([]*cmdlist.List{l}, Flags{GetWorkHandle: true})
	if status.Error != nil {
		t.Fatalf("Schedule failed: %v", status.Error)
	}
	bundle, _ := s.Lookup(status.Work)
	cmds := bundle.ProcessedLists[0].Commands
	if len(cmds[1].PreBarriers) != 1 || !cmds[1].PreBarriers[0].IsUAV {
		t.Fatalf("expected second command to carry a UAV barrier, got %+v", cmds[1].PreBarriers)
	}
}

func TestScheduleStagesUploadData(t *testing.T) {
	s, r, _ := newTestScheduler(t)

	dst := seedBuffer(t, s, r, backend.AccessGpuWrite)

	l := cmdlist.New()
	up, _ := l.AddUpload()
	up.SetDestination(uint64(dst.Raw()))
	up.SetData([]byte("hello-world"))
	if err := l.Finalize(); err != nil {
		t.Fatal(err)
	}

	status := s.Schedule([]*cmdlist.List{l}, Flags{GetWorkHandle: true})
	if status.Error != nil {
		t.Fatalf("Schedule failed: %v", status.Error)
	}
	bundle, _ := s.Lookup(status.Work)
	cmd := bundle.ProcessedLists[0].Commands[0]
	if !cmd.HasUpload {
		t.Fatal("expected HasUpload to be set")
	}
}

func TestScheduleTracksDownloadRanges(t *testing.T) {
	s, r, _ := newTestScheduler(t)

	src := seedBuffer(t, s, r, backend.AccessGpuRead)

	l := cmdlist.New()
	dl, _ := l.AddDownload()
	dl.SetSource(uint64(src.Raw()))
	if err := l.Finalize(); err != nil {
		t.Fatal(err)
	}

	status := s.Schedule([]*cmdlist.List{l}, Flags{GetWorkHandle: true})
	if status.Error != nil {
		t.Fatalf("Schedule failed: %v", status.Error)
	}

	_, ready, err := s.GetDownloadStatus(status.Work, src.Raw())
	if err != nil {
		t.Fatalf("GetDownloadStatus failed: %v", err)
	}
	if !ready {
		t.Fatal("expected download to be ready (fake fence completes instantly)")
	}
}

func TestScheduleReleasesWorkHandleImmediatelyWithoutGetWorkHandle(t *testing.T) {
	s, r, _ := newTestScheduler(t)
	buf := seedBuffer(t, s, r, backend.AccessGpuRead)
	inTable, _ := r.CreateInTable([]resources.Handle{buf})

	l := cmdlist.New()
	c, _ := l.AddCompute()
	c.SetInTable(uint64(inTable.Raw()))
	if err := l.Finalize(); err != nil {
		t.Fatal(err)
	}

	status := s.Schedule([]*cmdlist.List{l}, Flags{})
	if status.Error != nil {
		t.Fatalf("Schedule failed: %v", status.Error)
	}
	if _, ok := s.Lookup(status.Work); ok {
		t.Fatal("expected work handle to be released when GetWorkHandle is unset")
	}
}

func TestWaitOnCPUFailsForUnknownHandle(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	var bogus WorkHandle
	if err := s.WaitOnCPU(bogus, 0); err == nil {
		t.Fatal("expected WaitOnCPU to fail for an unregistered handle")
	}
}
