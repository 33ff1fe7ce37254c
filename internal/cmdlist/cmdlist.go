// Package cmdlist implements the Command List (C8): a binary,
// self-describing, append-only command stream with deferred offset
// fixups, matching spec.md 3's "contiguous byte buffer beginning with
// {sentinel, total_size}" encoding.
//
// The variable-length-payload-with-deferred-fixup idea is ported from
// github.com/gogpu/wgpu's core/command.go encoder pattern (commands
// recorded as tagged, offset-referencing entries into a shared buffer);
// this package keeps the wire format spec.md 9 calls out explicitly
// ("Retain exactly this encoding... backend-neutral") rather than
// generalizing it into a Go slice-of-structs representation.
package cmdlist

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel tags the kind of a recorded command.
type Sentinel uint32

const (
	SentinelListHeader Sentinel = iota // the buffer-level {sentinel,total_size} header, not a command
	SentinelCompute
	SentinelCopy
	SentinelUpload
	SentinelDownload
	SentinelBeginMarker
	SentinelEndMarker
	SentinelEnd
)

func (s Sentinel) String() string {
	names := [...]string{"list_header", "compute", "copy", "upload", "download", "begin_marker", "end_marker", "end"}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("sentinel(%d)", uint32(s))
}

// ErrClosed is returned by any mutating operation on a finalized list.
var ErrClosed = errors.New("cmdlist: list is closed")

// ErrCorruptSentinel is returned while walking a list if an unrecognized
// tag is encountered (spec.md 9, CorruptedCommandListSentinel).
var ErrCorruptSentinel = errors.New("cmdlist: unrecognized command sentinel")

const listHeaderSize = 8 // sentinel(4) + total_size(4)

// Fixed reserved sizes for each command's header region, sentinel
// included. Variable-length payloads (resource arrays, inline constants,
// names) are referenced from within this region as an (offset, count)
// pair patched in at Finalize.
const (
	computeCmdSize  = 4 + 8*4 // sentinel + in-table ref + out-table ref + sampler-table ref + inline-const ref
	copyCmdSize     = 4 + 8*2
	uploadCmdSize   = 4 + 8*2
	downloadCmdSize = 4 + 8
	markerCmdSize   = 4 + 8
	endCmdSize      = 4
)

// ref packs an (offset, count) pair the way the ABI encodes variable-length
// references: low 32 bits offset, high 32 bits count.
func packRef(offset, count uint32) uint64 {
	return uint64(offset) | uint64(count)<<32
}

// fixup is a pending variable-length payload registered during recording:
// write srcBytes at the buffer's current tail once finalized, then patch
// the resulting (offset,count) pair into ptrOffset.
type fixup struct {
	ptrOffset uint32
	srcBytes  []byte
}

// List is an append-only command buffer. Record commands with Add*,
// then call Finalize to resolve fixups and seal it.
type List struct {
	buf    []byte
	fixups []fixup
	closed bool
}

// New creates an empty list with the {sentinel, total_size} header
// reserved (total_size patched in by Finalize).
func New() *List {
	l := &List{buf: make([]byte, listHeaderSize)}
	binary.LittleEndian.PutUint32(l.buf[0:4], uint32(SentinelListHeader))
	return l
}

// reserve appends size zeroed bytes, writes sentinel into the first 4, and
// returns the command's starting offset.
func (l *List) reserve(sentinel Sentinel, size int) uint32 {
	offset := uint32(len(l.buf))
	l.buf = append(l.buf, make([]byte, size)...)
	binary.LittleEndian.PutUint32(l.buf[offset:offset+4], uint32(sentinel))
	return offset
}

func (l *List) putU64(at uint32, v uint64) {
	binary.LittleEndian.PutUint64(l.buf[at:at+8], v)
}

// registerFixup queues src to be appended at the buffer's tail at Finalize
// time, with the resulting (offset, count) pair patched into ptrOffset.
func (l *List) registerFixup(ptrOffset uint32, src []byte) {
	l.fixups = append(l.fixups, fixup{ptrOffset: ptrOffset, srcBytes: append([]byte(nil), src...)})
}

// ComputeCmd is the builder returned by AddCompute. Field offsets within
// the reserved block: [0:4) sentinel, [4:12) in-table ref, [12:20) out-table
// ref, [20:28) sampler-table ref, [28:36) inline-constants ref.
type ComputeCmd struct {
	list   *List
	offset uint32
}

// AddCompute records a Compute command and returns its builder.
func (l *List) AddCompute() (*ComputeCmd, error) {
	if l.closed {
		return nil, ErrClosed
	}
	return &ComputeCmd{list: l, offset: l.reserve(SentinelCompute, computeCmdSize)}, nil
}

// SetInTable records the In table handle (packed handle.Raw) this dispatch
// reads through.
func (c *ComputeCmd) SetInTable(tableRaw uint64) { c.list.putU64(c.offset+4, tableRaw) }

// SetOutTable records the Out table handle this dispatch writes through.
func (c *ComputeCmd) SetOutTable(tableRaw uint64) { c.list.putU64(c.offset+12, tableRaw) }

// SetSamplerTable records the sampler table handle.
func (c *ComputeCmd) SetSamplerTable(tableRaw uint64) { c.list.putU64(c.offset+20, tableRaw) }

// SetInlineConstants copies bytes into the command buffer as a pending
// fixup; the scheduler later suballocates an upload staging range of that
// size and binds it as a constant buffer at register b0 (spec.md 4.8).
func (c *ComputeCmd) SetInlineConstants(data []byte) {
	c.list.registerFixup(c.offset+28, data)
}

// CopyCmd is the builder returned by AddCopy. [4:12) source ref,
// [12:20) destination ref.
type CopyCmd struct {
	list   *List
	offset uint32
}

// AddCopy records a Copy command.
func (l *List) AddCopy() (*CopyCmd, error) {
	if l.closed {
		return nil, ErrClosed
	}
	return &CopyCmd{list: l, offset: l.reserve(SentinelCopy, copyCmdSize)}, nil
}

func (c *CopyCmd) SetSource(resourceRaw uint64)      { c.list.putU64(c.offset+4, resourceRaw) }
func (c *CopyCmd) SetDestination(resourceRaw uint64) { c.list.putU64(c.offset+12, resourceRaw) }

// UploadCmd is the builder returned by AddUpload. [4:12) destination ref,
// [12:20) data (offset,count) ref.
type UploadCmd struct {
	list   *List
	offset uint32
}

// AddUpload records an Upload command.
func (l *List) AddUpload() (*UploadCmd, error) {
	if l.closed {
		return nil, ErrClosed
	}
	return &UploadCmd{list: l, offset: l.reserve(SentinelUpload, uploadCmdSize)}, nil
}

func (u *UploadCmd) SetDestination(resourceRaw uint64) { u.list.putU64(u.offset+4, resourceRaw) }

// SetData registers data as a deferred fixup, appended to the buffer tail
// at Finalize time.
func (u *UploadCmd) SetData(data []byte) { u.list.registerFixup(u.offset+12, data) }

// DownloadCmd is the builder returned by AddDownload. [4:12) source ref.
type DownloadCmd struct {
	list   *List
	offset uint32
}

// AddDownload records a Download command.
func (l *List) AddDownload() (*DownloadCmd, error) {
	if l.closed {
		return nil, ErrClosed
	}
	return &DownloadCmd{list: l, offset: l.reserve(SentinelDownload, downloadCmdSize)}, nil
}

func (d *DownloadCmd) SetSource(resourceRaw uint64) { d.list.putU64(d.offset+4, resourceRaw) }

// BeginMarker records a named debug region start. Markers carry no
// barriers and no backend encode work (spec.md 8, boundary behaviors).
func (l *List) BeginMarker(name string) error {
	if l.closed {
		return ErrClosed
	}
	off := l.reserve(SentinelBeginMarker, markerCmdSize)
	l.registerFixup(off+4, []byte(name))
	return nil
}

// EndMarker closes the most recently opened debug region.
func (l *List) EndMarker() error {
	if l.closed {
		return ErrClosed
	}
	l.reserve(SentinelEndMarker, markerCmdSize)
	return nil
}

// MemOffset is a writable offset into a list's buffer, returned by
// UploadInline.
type MemOffset uint32

// UploadInline reserves size writable bytes directly in the command buffer
// and returns their offset; data written there is later copied into GPU
// staging memory by the scheduler (spec.md 4.8, upload_inline). Unlike
// registerFixup payloads, this memory is part of the fixed layout from the
// moment it's reserved, since the caller writes into it immediately rather
// than handing ownership to Finalize.
func (l *List) UploadInline(size uint32) MemOffset {
	offset := MemOffset(len(l.buf))
	l.buf = append(l.buf, make([]byte, size)...)
	return offset
}

// Write copies data into the buffer at m. The caller must have reserved at
// least len(data) bytes at m via UploadInline.
func (l *List) Write(m MemOffset, data []byte) {
	copy(l.buf[m:], data)
}

// Finalize appends the End sentinel after the last recorded command, then
// resolves every pending fixup by appending its bytes at the buffer's tail
// (after End, so Walk never reads payload bytes as a command) and patching
// the resulting (offset, count) pair into its reference slot, writes the
// final buffer size into the list header, and seals the list. A finalized
// list is immutable and trivially resubmittable.
func (l *List) Finalize() error {
	if l.closed {
		return ErrClosed
	}
	l.reserve(SentinelEnd, endCmdSize)
	for _, fu := range l.fixups {
		abs := uint32(len(l.buf))
		l.buf = append(l.buf, fu.srcBytes...)
		l.putU64(fu.ptrOffset, packRef(abs, uint32(len(fu.srcBytes))))
	}

	binary.LittleEndian.PutUint32(l.buf[4:8], uint32(len(l.buf)))
	l.closed = true
	return nil
}

// Closed reports whether Finalize has been called.
func (l *List) Closed() bool { return l.closed }

// Bytes returns the finalized wire bytes. Only valid after Finalize.
func (l *List) Bytes() []byte { return l.buf }

// Entry is one decoded command from Walk: its sentinel and the offset of
// its reserved header block within the buffer.
type Entry struct {
	Sentinel Sentinel
	Offset   uint32
}

func cmdSize(s Sentinel) (int, bool) {
	switch s {
	case SentinelCompute:
		return computeCmdSize, true
	case SentinelCopy:
		return copyCmdSize, true
	case SentinelUpload:
		return uploadCmdSize, true
	case SentinelDownload:
		return downloadCmdSize, true
	case SentinelBeginMarker, SentinelEndMarker:
		return markerCmdSize, true
	default:
		return 0, false
	}
}

// Walk re-parses a finalized list's command stream, invoking fn for every
// command in order (the List Header and End sentinel are not passed to
// fn). Returns ErrCorruptSentinel if an unrecognized tag is found,
// matching spec.md 9's CorruptedCommandListSentinel failure mode.
func Walk(buf []byte, fn func(Entry) error) error {
	if len(buf) < listHeaderSize {
		return fmt.Errorf("cmdlist: buffer too small for a list header")
	}
	totalSize := binary.LittleEndian.Uint32(buf[4:8])
	if int(totalSize) > len(buf) {
		return fmt.Errorf("cmdlist: header declares size %d but buffer is %d bytes", totalSize, len(buf))
	}

	offset := uint32(listHeaderSize)
	for offset < totalSize {
		if offset+4 > totalSize {
			return fmt.Errorf("cmdlist: truncated command header at offset %d", offset)
		}
		sentinel := Sentinel(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		if sentinel == SentinelEnd {
			return nil
		}
		size, ok := cmdSize(sentinel)
		if !ok {
			return ErrCorruptSentinel
		}
		if err := fn(Entry{Sentinel: sentinel, Offset: offset}); err != nil {
			return err
		}
		offset += uint32(size)
	}
	return nil
}

// ReadRef reads an (offset, count) reference pair written at ptrOffset,
// and FieldU64 reads a plain packed 64-bit scalar (a table/resource
// handle) — both used by the scheduler while parsing a processed list.
func ReadRef(buf []byte, ptrOffset uint32) (offset, count uint32) {
	v := binary.LittleEndian.Uint64(buf[ptrOffset : ptrOffset+8])
	return uint32(v), uint32(v >> 32)
}

func FieldU64(buf []byte, ptrOffset uint32) uint64 {
	return binary.LittleEndian.Uint64(buf[ptrOffset : ptrOffset+8])
}
