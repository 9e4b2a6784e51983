package arena

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xlaez/mnrt/config"
)

// CoreID identifies a worker/core. Core ids are small non-negative
// integers in [0, CoreCount).
type CoreID int32

// Unowned is the owner-table sentinel meaning "no core currently owns this
// page".
const Unowned CoreID = -1

// PageOf returns the owner-table page id of an offset within the managed
// heap or globals region. Heap pages occupy ids [0, heapPages); globals
// pages occupy ids [heapPages, heapPages+globalsPages) — a single shared id
// space so a heap page and a globals page never alias the same owner-table
// slot (they would if each region were numbered from 0 independently).
// Offsets outside either managed region have no meaningful page id; callers
// must only call this for offsets already known to fall within
// HeapBase/GlobalsBase spans.
func (a *Arena) PageOf(off Offset) int64 {
	h := a.hdr()
	switch {
	case int64(off) >= h.heapBase && int64(off) < h.heapBase+h.heapSize:
		return (int64(off) - h.heapBase) / config.PageSize
	case int64(off) >= h.globalsBase && int64(off) < h.globalsBase+h.globalsSize:
		return h.heapPages + (int64(off)-h.globalsBase)/config.PageSize
	default:
		return -1
	}
}

// ownerSlot returns a pointer to the int32 owner-table entry for page.
func (a *Arena) ownerSlot(page int64) *int32 {
	h := a.hdr()
	off := h.ownerTableBase + page*4
	return (*int32)(unsafe.Pointer(&a.data[off]))
}

// LoadOwner returns the current owner of page.
func (a *Arena) LoadOwner(page int64) CoreID {
	return CoreID(atomic.LoadInt32(a.ownerSlot(page)))
}

// StoreOwner unconditionally sets the owner of page. Used only by the
// allocation-time batch-set-owner path, which is serialized under the heap
// allocator's own lock and therefore needs no CAS, and by Arena
// initialization.
func (a *Arena) StoreOwner(page int64, owner CoreID) {
	atomic.StoreInt32(a.ownerSlot(page), int32(owner))
}

// CASOwner attempts to flip page's owner from old to new, returning
// whether it succeeded. This is the only way ownership is acquired on the
// fault fast path; losing the race means another core got there first and
// the caller falls through to migration.
func (a *Arena) CASOwner(page int64, old, new CoreID) bool {
	return atomic.CompareAndSwapInt32(a.ownerSlot(page), int32(old), int32(new))
}

// pageByteRange returns the backing byte range for the global page id,
// resolving which region it falls in and translating to a region-local
// page index before computing the byte range, for use with unix.Mprotect.
func (a *Arena) pageByteRange(page int64) []byte {
	h := a.hdr()
	var start int64
	if page < h.heapPages {
		start = h.heapBase + page*config.PageSize
	} else {
		start = h.globalsBase + (page-h.heapPages)*config.PageSize
	}
	return a.data[start : start+config.PageSize]
}

// regionBaseFor returns the arena base offset of whichever managed region
// (heap or globals) off falls in, mirroring the switch in PageOf.
func (a *Arena) regionBaseFor(off Offset) int64 {
	h := a.hdr()
	if int64(off) >= h.heapBase && int64(off) < h.heapBase+h.heapSize {
		return h.heapBase
	}
	return h.globalsBase
}

// ProtectRW grants this process's mapping of the given page RW access. Ref's
// ownership check calls it immediately after a successful CASOwner.
func (a *Arena) ProtectRW(off Offset) error {
	return a.ProtectRWPage(a.PageOf(off))
}

// ProtectRWPage is the page-id form of ProtectRW, used by heap.New's
// sub-region claim and by the owner-migration test, which already know
// page ids without re-deriving them from an offset.
func (a *Arena) ProtectRWPage(page int64) error {
	return unix.Mprotect(a.pageByteRange(page), unix.PROT_READ|unix.PROT_WRITE)
}

// HeapBase and GlobalsBase expose the region bases for callers (the heap
// allocator) that need to do their own page arithmetic during batch
// allocation.
func (a *Arena) HeapBase() int64    { return a.hdr().heapBase }
func (a *Arena) GlobalsBase() int64 { return a.hdr().globalsBase }

// UnprotectAll grants this process's mapping RW access to the entire
// managed heap and globals regions in one call, used by Join once only one
// user thread remains: with no other thread left to race against, the
// page-ownership protocol no longer has anything to enforce, so every page
// is opened up rather than left trapping on a protocol nobody else
// participates in any more.
func (a *Arena) UnprotectAll() error {
	h := a.hdr()
	if err := unix.Mprotect(a.data[h.heapBase:h.heapBase+h.heapSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	return unix.Mprotect(a.data[h.globalsBase:h.globalsBase+h.globalsSize], unix.PROT_READ|unix.PROT_WRITE)
}
