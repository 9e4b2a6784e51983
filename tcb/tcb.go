// Package tcb implements the thread control block record and the thread
// table mapping tid -> TCB offset. A Record lives entirely in shared
// memory and is mutated only while its own spinlock is held; the
// process-local state needed to actually run the goroutine backing a
// thread (its wake/yield channels) lives in the sched package, which is
// the only thing that ever touches more than a Record's plain fields.
package tcb

import (
	"sync/atomic"
	"unsafe"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/ready"
	"github.com/xlaez/mnrt/spinlock"
)

// Status is a thread's lifecycle state, recorded in the TCB so any worker
// can tell what a thread is blocked on.
type Status int32

const (
	StatusInitial Status = iota
	StatusRunning
	StatusCondWaiting
	StatusLockWaiting
	StatusBarrierWaiting
	StatusSignalHandling
	StatusJoining
	StatusDead
)

// Record is the fixed-layout TCB overlaid directly onto arena bytes. Its
// first field is the intrusive queue Link, so a Record's own arena.Offset
// doubles as the Offset to pass to ready.Queue.Enqueue.
type Record struct {
	Link arena.Link

	lock int32

	tid       int64
	status    int32
	isBounded int32
	boundCore int32

	// homeCore is the core whose Scheduler most recently dispatched this
	// thread (-1 until the first dispatch); every dispatch rewrites it, so
	// after Thread.Migrate it names the core the thread moved to.
	homeCore int32

	parent arena.Offset

	joinq arena.Offset // joinqueue list header, allocated alongside the Record
	// retval holds the value passed to Exit: a pthread-style void* return
	// represented as a raw 8-byte payload, enough for any scalar or
	// pointer-sized result.
	retval int64
}

// wordSize is the allocation size reserved per TCB record.
const wordSize = int64(unsafe.Sizeof(Record{}))

// RecordSize is wordSize exported for the callers that construct the
// arena.Pool TCBs are allocated from (bootstrap and the test harnesses).
func RecordSize() int64 { return wordSize }

// Table is the fixed-size tid -> TCB-offset map, guarded by a spinlock
// rather than a full cross-process mutex: the table's critical sections
// never yield, and a user-level mutex here would require this package to
// import the higher-level sched/syncprim machinery, creating an import
// cycle (sched already imports tcb).
type Table struct {
	a       *arena.Arena
	base    arena.Offset
	lock    int32
	cursor  int32
	slots   int32
	live    int32
}

// recordSize is the width of one thread-table slot (an int64 offset);
// MaxThreads slots of it match arena.Create's threadTableBytes
// computation.
const recordSize = 8

// OpenTable wraps the thread-table region reserved by arena.Create at
// a.ThreadTableBase(), sized for maxThreads slots.
func OpenTable(a *arena.Arena, maxThreads int) *Table {
	return &Table{a: a, base: a.ThreadTableBase(), slots: int32(maxThreads)}
}

func (t *Table) slot(tid int32) *arena.Offset {
	off := int64(t.base) + int64(tid)*recordSize
	return (*arena.Offset)(unsafe.Pointer(&t.a.Bytes(arena.Offset(off), recordSize)[0]))
}

// Reserve allocates the next tid (reused linearly after a full sweep of
// the table) and records off as its TCB location.
func (t *Table) Reserve(off arena.Offset) (int32, bool) {
	spinlock.Lock(&t.lock)
	defer spinlock.Unlock(&t.lock)

	for i := int32(0); i < t.slots; i++ {
		idx := (t.cursor + i) % t.slots
		s := t.slot(idx)
		if *s == arena.Nil {
			*s = off
			t.cursor = (idx + 1) % t.slots
			t.live++
			return idx, true
		}
	}
	return 0, false
}

// Release frees tid's slot, the inverse of Reserve, called by Join after
// the joinee's TCB has been reclaimed.
func (t *Table) Release(tid int32) {
	spinlock.Lock(&t.lock)
	defer spinlock.Unlock(&t.lock)
	*t.slot(tid) = arena.Nil
	t.live--
}

// Lookup returns the TCB offset for tid, or (Nil, false) if unoccupied.
func (t *Table) Lookup(tid int32) (arena.Offset, bool) {
	spinlock.Lock(&t.lock)
	defer spinlock.Unlock(&t.lock)
	off := *t.slot(tid)
	return off, off != arena.Nil
}

// LiveCount reports the number of occupied slots, used by Join's
// last-thread-standing check.
func (t *Table) LiveCount() int {
	spinlock.Lock(&t.lock)
	defer spinlock.Unlock(&t.lock)
	return int(t.live)
}

// Handle is a thin accessor over one TCB Record, analogous to arena.List:
// all state lives in the arena, so a Handle is a value type safe to pass
// and valid identically in every worker.
type Handle struct {
	a   *arena.Arena
	Off arena.Offset
}

// New allocates a fresh TCB from pool, reserves it a tid in table, and
// initializes its fields to a just-spawned thread's state.
func New(a *arena.Arena, pool arena.Pool, table *Table, parent arena.Offset, bound bool, boundCore arena.CoreID) (Handle, int32, bool) {
	off, err := pool.Alloc()
	if err != nil {
		return Handle{}, 0, false
	}
	joinqOff, _, err := a.NewListHeader()
	if err != nil {
		pool.Free(off)
		return Handle{}, 0, false
	}
	r := at(a, off)
	r.parent = parent
	r.joinq = joinqOff
	r.status = int32(StatusInitial)
	r.homeCore = -1
	if bound {
		r.isBounded = 1
		r.boundCore = int32(boundCore)
	}
	tid, ok := table.Reserve(off)
	if !ok {
		pool.Free(off)
		return Handle{}, 0, false
	}
	r.tid = int64(tid)
	return Handle{a: a, Off: off}, tid, true
}

// At wraps an already-initialized TCB offset as a Handle.
func At(a *arena.Arena, off arena.Offset) Handle {
	return Handle{a: a, Off: off}
}

func at(a *arena.Arena, off arena.Offset) *Record {
	return (*Record)(unsafe.Pointer(&a.Bytes(off, wordSize)[0]))
}

func (h Handle) rec() *Record { return at(h.a, h.Off) }

// Lock/Unlock guard the Record's mutable fields: status, joinqueue, and
// the dead/alive transition.
func (h Handle) Lock()   { spinlock.Lock(&h.rec().lock) }
func (h Handle) Unlock() { spinlock.Unlock(&h.rec().lock) }

// LockPtr exposes the raw lock word for use with sched.Thread.YieldHoldingLock,
// which must release it via the scheduler's ReleaseLock event rather than
// calling Unlock directly.
func (h Handle) LockPtr() *int32 { return &h.rec().lock }

func (h Handle) Tid() int32 { return int32(atomic.LoadInt64(&h.rec().tid)) }

func (h Handle) Status() Status        { return Status(atomic.LoadInt32(&h.rec().status)) }
func (h Handle) SetStatus(s Status)    { atomic.StoreInt32(&h.rec().status, int32(s)) }

func (h Handle) IsBound() bool { return atomic.LoadInt32(&h.rec().isBounded) != 0 }

func (h Handle) SetBound(b bool) {
	v := int32(0)
	if b {
		v = 1
	}
	atomic.StoreInt32(&h.rec().isBounded, v)
}

func (h Handle) BoundCore() arena.CoreID { return arena.CoreID(atomic.LoadInt32(&h.rec().boundCore)) }
func (h Handle) SetBoundCore(c arena.CoreID) {
	atomic.StoreInt32(&h.rec().boundCore, int32(c))
}

func (h Handle) HomeCore() arena.CoreID { return arena.CoreID(atomic.LoadInt32(&h.rec().homeCore)) }
func (h Handle) SetHomeCore(c arena.CoreID) {
	atomic.StoreInt32(&h.rec().homeCore, int32(c))
}

func (h Handle) Parent() arena.Offset { return h.rec().parent }

// JoinQueue returns the list of threads blocked in Join() on this TCB.
func (h Handle) JoinQueue() ready.Queue {
	return ready.Wrap(h.a.ListAt(h.rec().joinq))
}

func (h Handle) SetRetval(v int64) { h.rec().retval = v }
func (h Handle) Retval() int64     { return h.rec().retval }

// Free returns the TCB's joinqueue-header allocation and the Record itself
// to pool, the joiner's final reclaim step. The joinqueue header goes back
// to the arena's list-header pool first so a later New's NewListHeader
// call can reuse it instead of bumping the metadata area forever.
func (h Handle) Free(pool arena.Pool) {
	h.a.FreeListHeader(h.rec().joinq)
	pool.Free(h.Off)
}
