// Package arena implements the single memfd-backed MAP_SHARED region that
// backs every cross-process data structure in the runtime: the owner table,
// the core->pid map, the thread table, the ready queues, thread control
// blocks, sync-primitive control blocks, and the managed heap/globals
// payload. Every cross-process pointer is an Offset into this region
// rather than a raw virtual address, so the same Arena value is valid
// verbatim in every worker process that maps the backing fd.
package arena

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/xlaez/mnrt/config"
)

// Offset addresses a location within an Arena. The zero Offset is reserved
// as "nil": no real allocation is ever placed at offset 0, since the header
// occupies it.
type Offset int64

// Nil is the invalid/absent Offset, analogous to a nil pointer.
const Nil Offset = 0

const align = 8

func alignUp(n int64) int64 {
	return (n + align - 1) &^ (align - 1)
}

// pageAlignUp rounds n up to a PageSize boundary. The managed heap and
// globals regions must start on page boundaries: mprotect rejects
// unaligned addresses, and the whole ownership protocol is expressed in
// whole pages.
func pageAlignUp(n int64) int64 {
	return (n + config.PageSize - 1) &^ (config.PageSize - 1)
}

// header is the fixed-layout record at Offset 0 of every arena. It is
// written once by Create and thereafter read (and, for the bump cursors,
// atomically mutated) by every worker that maps the arena, including
// workers that did not run Create themselves.
type header struct {
	coreCount int64

	ownerTableBase  int64
	ownerTablePages int64 // total page slots in the owner table (heap pages + globals pages)
	heapPages       int64 // number of heap pages; globals pages are indexed starting here

	corePidMapBase int64

	threadTableBase int64

	sharedQueueBase   int64
	deadQueueBase     int64
	privateQueuesBase int64 // coreCount consecutive queue headers

	metaBumpCursor int64 // next free offset in the metadata bump area (atomic)
	metaBumpEnd    int64

	tcbPoolHead        int64 // head of the TCB free list (atomic), 0 = empty
	listHeaderPoolHead int64 // head of the recycled-list-header free list (atomic), 0 = empty

	heapBase    int64
	heapSize    int64
	globalsBase int64
	globalsSize int64
}

var headerSize = alignUp(int64(unsafe.Sizeof(header{})))

// Arena is a mapped view of the shared region. Every field is derived from
// mmap'd memory or copied at Open/Create time; there is no per-process
// mutable state here beyond the Go slice header itself.
type Arena struct {
	data []byte
	fd   int
	size int64
}

// Layout describes the static sizing decisions made at Create time, needed
// by the allocator packages built on top (ready queues, tcb, heap) to know
// how many queue headers exist and where the managed regions begin.
type Layout struct {
	CoreCount       int
	OwnerTablePages int64
	HeapBase        int64
	HeapSize        int64
	GlobalsBase     int64
	GlobalsSize     int64
}

func (a *Arena) hdr() *header {
	return (*header)(unsafe.Pointer(&a.data[0]))
}

// Create allocates a fresh memfd of the appropriate size for cfg, maps it
// MAP_SHARED, lays out the header and every fixed-size metadata region, and
// mprotects the managed heap and globals sub-regions to PROT_NONE. The
// returned Arena belongs to the bootstrap process; its
// fd is inherited by re-exec'd workers via os/exec.Cmd.ExtraFiles (see
// bootstrap package).
func Create(cfg config.Config) (*Arena, error) {
	heapPages := int64(config.Pages(cfg.HeapSize))
	heapSize := heapPages * config.PageSize
	globalsSize := int64(16 * config.PageSize)
	globalsPages := globalsSize / config.PageSize

	// The owner table is indexed by a single page id spanning both managed
	// regions (heap pages first, then globals pages) so that a heap page
	// and a globals page never alias the same table slot; see PageOf.
	ownerPages := heapPages + globalsPages
	ownerTableBytes := alignUp(ownerPages * 4) // one int32 owner id per page

	queueHeaderSize := alignUp(int64(unsafe.Sizeof(listHeader{})))

	corePidMapBytes := alignUp(int64(cfg.CPUCores) * int64(unsafe.Sizeof(coreEntry{})))
	threadTableBytes := alignUp(int64(cfg.MaxThreads)*8 + 16)

	// Generous metadata bump area for TCBs, mutex/cond/barrier blocks,
	// and list nodes: sized off MaxThreads so thread-heavy workloads
	// don't starve it.
	metaBumpBytes := alignUp(int64(cfg.MaxThreads) * 512)

	// The full layout is computed up front so the managed regions can be
	// placed on page boundaries before the file is sized: mprotect rejects
	// unaligned addresses, so heapBase/globalsBase must both be multiples
	// of PageSize within the (page-aligned) mapping.
	cursor := headerSize
	ownerTableBase := cursor
	cursor += ownerTableBytes
	corePidMapBase := cursor
	cursor += corePidMapBytes
	threadTableBase := cursor
	cursor += threadTableBytes
	sharedQueueBase := cursor
	cursor += queueHeaderSize
	deadQueueBase := cursor
	cursor += queueHeaderSize
	privateQueuesBase := cursor
	cursor += queueHeaderSize * int64(cfg.CPUCores)
	metaBumpStart := cursor
	metaBumpEnd := cursor + metaBumpBytes
	cursor = metaBumpEnd

	heapBase := pageAlignUp(cursor)
	globalsBase := heapBase + heapSize // heapSize is a page multiple
	total := globalsBase + globalsSize

	fd, err := unix.MemfdCreate("mnrt-arena", 0)
	if err != nil {
		return nil, errors.Wrap(err, "arena: memfd_create")
	}
	if err := unix.Ftruncate(fd, total); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "arena: ftruncate")
	}

	a, err := mapFD(fd, total)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	h := a.hdr()
	h.coreCount = int64(cfg.CPUCores)

	h.ownerTableBase = ownerTableBase
	h.ownerTablePages = ownerPages
	h.heapPages = heapPages

	h.corePidMapBase = corePidMapBase
	h.threadTableBase = threadTableBase

	h.sharedQueueBase = sharedQueueBase
	h.deadQueueBase = deadQueueBase
	h.privateQueuesBase = privateQueuesBase

	h.metaBumpCursor = metaBumpStart
	h.metaBumpEnd = metaBumpEnd

	h.heapBase = heapBase
	h.heapSize = heapSize
	h.globalsBase = globalsBase
	h.globalsSize = globalsSize

	// Initialize every queue header and the owner table to their zero
	// (empty / unowned) state. ftruncate already zero-fills the file, so
	// this is defensive rather than load-bearing, but it documents the
	// invariant explicitly rather than relying on kernel behavior.
	for off := h.sharedQueueBase; off < h.privateQueuesBase+queueHeaderSize*int64(cfg.CPUCores); off += queueHeaderSize {
		a.listHeaderAt(Offset(off)).init()
	}
	for i := int64(0); i < h.ownerTablePages; i++ {
		a.StoreOwner(i, Unowned)
	}

	if err := unix.Mprotect(a.data[h.heapBase:h.heapBase+h.heapSize], unix.PROT_NONE); err != nil {
		return nil, errors.Wrap(err, "arena: mprotect heap PROT_NONE")
	}
	if err := unix.Mprotect(a.data[h.globalsBase:h.globalsBase+h.globalsSize], unix.PROT_NONE); err != nil {
		return nil, errors.Wrap(err, "arena: mprotect globals PROT_NONE")
	}

	return a, nil
}

// Open maps an inherited arena fd (each re-exec'd worker maps the same
// memfd) and, because every worker starts with no pages
// resident, immediately reapplies PROT_NONE to the managed regions on this
// process's own mapping (a fresh mmap of a MAP_SHARED fd starts at
// whatever protection mmap was called with; Open always requests
// PROT_READ|PROT_WRITE for the whole region and then narrows the managed
// sub-regions down, mirroring Create).
func Open(fd int) (*Arena, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, errors.Wrap(err, "arena: fstat inherited fd")
	}
	a, err := mapFD(fd, st.Size)
	if err != nil {
		return nil, err
	}
	h := a.hdr()
	if err := unix.Mprotect(a.data[h.heapBase:h.heapBase+h.heapSize], unix.PROT_NONE); err != nil {
		return nil, errors.Wrap(err, "arena: mprotect heap PROT_NONE (open)")
	}
	if err := unix.Mprotect(a.data[h.globalsBase:h.globalsBase+h.globalsSize], unix.PROT_NONE); err != nil {
		return nil, errors.Wrap(err, "arena: mprotect globals PROT_NONE (open)")
	}
	return a, nil
}

func mapFD(fd int, size int64) (*Arena, error) {
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "arena: mmap")
	}
	return &Arena{data: data, fd: fd, size: size}, nil
}

// FD returns the underlying memfd, to be inherited by child workers via
// os/exec.Cmd.ExtraFiles.
func (a *Arena) FD() int { return a.fd }

// Close unmaps the arena. It does not close the fd; callers that created
// the fd (bootstrap) are responsible for that.
func (a *Arena) Close() error {
	return unix.Munmap(a.data)
}

// Layout reports the static sizing decisions recorded in the header.
func (a *Arena) Layout() Layout {
	h := a.hdr()
	return Layout{
		CoreCount:       int(h.coreCount),
		OwnerTablePages: h.ownerTablePages,
		HeapBase:        h.heapBase,
		HeapSize:        h.heapSize,
		GlobalsBase:     h.globalsBase,
		GlobalsSize:     h.globalsSize,
	}
}

// CoreCount is a convenience accessor for Layout().CoreCount.
func (a *Arena) CoreCount() int { return int(a.hdr().coreCount) }

// byteAt returns a pointer to the byte at off, bounds-checked.
func (a *Arena) byteAt(off Offset) *byte {
	return &a.data[off]
}

// Bytes exposes the raw backing slice for a [off, off+n) span. Callers in
// this module use it only for memcpy-style bulk initialization (e.g.
// globals-region content staging); the owner-protocol accessors in ref.go
// and owner.go are the only sanctioned path for the managed heap/globals
// payload itself.
func (a *Arena) Bytes(off Offset, n int64) []byte {
	return a.data[off : int64(off)+n]
}

func (a *Arena) String() string {
	return fmt.Sprintf("arena{size=%d fd=%d}", a.size, a.fd)
}
