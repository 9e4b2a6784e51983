package arena

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrOOM is returned when the metadata bump area is exhausted. Callers
// (tcb.New, syncprim constructors) treat it as resource exhaustion and
// route it to fatal.Abort rather than returning it to host-program code.
var ErrOOM = errors.New("arena: metadata area exhausted")

// AllocMeta bump-allocates size bytes (8-byte aligned) from the shared
// metadata area for TCBs, list nodes, and sync-primitive control blocks.
// This area is always mapped RW on every worker; the page-ownership
// protocol applies only to the managed heap and globals regions.
func (a *Arena) AllocMeta(size int64) (Offset, error) {
	size = alignUp(size)
	h := a.hdr()
	for {
		cur := atomic.LoadInt64(&h.metaBumpCursor)
		next := cur + size
		if next > h.metaBumpEnd {
			return Nil, ErrOOM
		}
		if atomic.CompareAndSwapInt64(&h.metaBumpCursor, cur, next) {
			return Offset(cur), nil
		}
	}
}

// freeListNode overlays a freed record: its first 8 bytes become the
// offset of the next freed record in the same pool, forming an intrusive
// singly-linked free list exactly like a classic slab allocator's —
// the same structure the heap package keeps per size class, here for
// fixed-size runtime metadata records such as TCBs.
type freeListNode struct {
	next int64
}

// poolKind selects which of the header's dedicated free-list head slots a
// Pool draws from; every Pool over the metadata bump area shares the same
// Alloc/Free logic below and differs only in which fixed slot anchors its
// free list and what record size it recycles.
type poolKind int32

const (
	poolKindTCB poolKind = iota
	poolKindListHeader
)

// Pool is a fixed-record-size allocator over the metadata bump area with
// free-list reuse, backing the TCB allocate/free cycle spawn and join
// drive, and the analogous cycle for the list headers every
// joinqueue/waitlist needs (tcb.Handle.Free), without ever growing the
// bump cursor once the working set of live threads and their joinqueues
// stabilizes.
type Pool struct {
	a          *Arena
	recordSize int64
	kind       poolKind
}

// NewTCBPool returns the Pool used for thread-control-block records,
// keyed off the dedicated header slot reserved for it at Create time.
func (a *Arena) NewTCBPool(recordSize int64) Pool {
	return Pool{a: a, recordSize: alignUp(recordSize), kind: poolKindTCB}
}

// ListHeaderPool returns the Pool used for recycled list headers (a
// joinqueue's or waitlist's listHeader record), keyed off its own dedicated
// header slot distinct from the TCB pool's.
func (a *Arena) ListHeaderPool() Pool {
	return Pool{a: a, recordSize: alignUp(int64(unsafe.Sizeof(listHeader{}))), kind: poolKindListHeader}
}

// FreeListHeader returns a list header previously handed out by
// NewListHeader to its pool for reuse, mirroring Pool.Free's TCB-record
// path. Called by tcb.Handle.Free to reclaim a reaped thread's joinqueue
// header alongside its TCB record.
func (a *Arena) FreeListHeader(off Offset) {
	a.ListHeaderPool().Free(off)
}

func (p Pool) headPtr() *int64 {
	if p.kind == poolKindListHeader {
		return &p.a.hdr().listHeaderPoolHead
	}
	return &p.a.hdr().tcbPoolHead
}

// Alloc returns a zeroed record of p.recordSize, reusing a freed one if
// available.
func (p Pool) Alloc() (Offset, error) {
	headPtr := p.headPtr()
	for {
		head := atomic.LoadInt64(headPtr)
		if head == 0 {
			break
		}
		node := (*freeListNode)(unsafe.Pointer(&p.a.data[head]))
		next := atomic.LoadInt64(&node.next)
		if atomic.CompareAndSwapInt64(headPtr, head, next) {
			off := Offset(head)
			zero(p.a.data[off : int64(off)+p.recordSize])
			return off, nil
		}
	}
	return p.a.AllocMeta(p.recordSize)
}

// Free returns off to the pool's free list for reuse by a later Alloc.
func (p Pool) Free(off Offset) {
	headPtr := p.headPtr()
	node := (*freeListNode)(unsafe.Pointer(&p.a.data[off]))
	for {
		head := atomic.LoadInt64(headPtr)
		atomic.StoreInt64(&node.next, head)
		if atomic.CompareAndSwapInt64(headPtr, head, int64(off)) {
			return
		}
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
