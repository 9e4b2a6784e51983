package syncprim

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/internal/fatal"
	"github.com/xlaez/mnrt/ready"
	"github.com/xlaez/mnrt/sched"
	"github.com/xlaez/mnrt/spinlock"
	"github.com/xlaez/mnrt/tcb"
)

// condMagic marks an initialized condvar control block; see mutexMagic.
const condMagic int32 = 0x4d4e4356

// condRecord is the fixed-layout control block for a condition variable.
// mutexOff remembers the mutex the first waiter associated with this
// condvar; waiting with a different mutex while threads are still parked
// is a fatal invariant violation.
type condRecord struct {
	lock     int32
	magic    int32
	waitq    arena.Offset
	mutexOff arena.Offset
}

const condRecordSize = int64(unsafe.Sizeof(condRecord{}))

// CondRecordSize reports the control block's footprint; see MutexRecordSize.
func CondRecordSize() int64 { return condRecordSize }

// Cond is a handle to one arena-resident condition variable.
type Cond struct {
	a   *arena.Arena
	off arena.Offset
}

// NewCond allocates and initializes a fresh condition variable.
func NewCond(a *arena.Arena) (Cond, error) {
	off, err := a.AllocMeta(condRecordSize)
	if err != nil {
		return Cond{}, errors.Wrap(err, "syncprim: allocate condvar")
	}
	waitqOff, _, err := a.NewListHeader()
	if err != nil {
		return Cond{}, errors.Wrap(err, "syncprim: allocate condvar waitlist")
	}
	c := Cond{a: a, off: off}
	r := c.rec()
	r.magic = condMagic
	r.waitq = waitqOff
	return c, nil
}

// OpenCond wraps an already-initialized condvar control block at off.
func OpenCond(a *arena.Arena, off arena.Offset) Cond {
	return Cond{a: a, off: off}
}

// Offset exposes the control block's arena offset, for the ingest surface's
// opaque condvar handle type.
func (c Cond) Offset() arena.Offset { return c.off }

func (c Cond) rec() *condRecord {
	return (*condRecord)(unsafe.Pointer(&c.a.Bytes(c.off, condRecordSize)[0]))
}

func (c Cond) waitq() ready.Queue {
	return ready.Wrap(c.a.ListAt(c.rec().waitq))
}

// Wait atomically releases m and blocks t until signaled, then reacquires
// m before returning. The enqueue onto this condvar's waitlist happens
// while still holding the condvar's own lock, and the mutex is only
// released after that enqueue completes — so no concurrent
// Signal/Broadcast can run between "about to wait" and "waiting": it
// either sees t already on the waitlist, or runs entirely before Wait is
// called at all.
func (c Cond) Wait(t *sched.Thread, m Mutex) {
	r := c.rec()
	spinlock.Lock(&r.lock)
	c.ensureInitLocked()
	if r.mutexOff != m.off {
		if r.mutexOff != arena.Nil && c.waitq().HasWork() {
			fatal.Abortf(nil, "thread %d waited on a condvar already associated with a different mutex", t.Tid())
		}
		r.mutexOff = m.off
	}
	t.Handle().SetStatus(tcb.StatusCondWaiting)
	c.waitq().Enqueue(t.TCBOffset())
	m.unlockLocked(t)
	t.YieldHoldingLock(&r.lock)
	m.Lock(t)
}

// ensureInitLocked performs the lazy first-use initialization of a zeroed
// control block; see Mutex.ensureInitLocked. Caller holds the spinlock.
func (c Cond) ensureInitLocked() {
	r := c.rec()
	if r.magic == condMagic {
		return
	}
	if r.waitq == arena.Nil {
		waitqOff, _, err := c.a.NewListHeader()
		if err != nil {
			fatal.Abort(nil, errors.Wrap(err, "syncprim: lazy condvar init"))
		}
		r.waitq = waitqOff
	}
	r.mutexOff = arena.Nil
	r.magic = condMagic
}

// Signal wakes at most one waiter, moving it directly onto the caller's
// private ready queue: the caller likely owns the pages the waiter is
// about to touch, so it is cheap to run next there.
func (c Cond) Signal(t *sched.Thread) {
	r := c.rec()
	spinlock.Lock(&r.lock)
	off, ok := c.waitq().Dequeue()
	spinlock.Unlock(&r.lock)
	if ok {
		t.PrivateQueue().Enqueue(off)
	}
}

// Broadcast wakes every waiter, splicing the entire waitlist onto the
// shared ready queue in one step.
func (c Cond) Broadcast() {
	r := c.rec()
	spinlock.Lock(&r.lock)
	ready.Shared(c.a).EnqueueAll(c.waitq())
	spinlock.Unlock(&r.lock)
}

// Destroy tears a condvar down: a non-empty waitlist is a fatal invariant
// violation; otherwise the waitlist header is returned to the arena's
// pool and the init magic cleared.
func (c Cond) Destroy() {
	r := c.rec()
	spinlock.Lock(&r.lock)
	if r.magic != condMagic {
		spinlock.Unlock(&r.lock)
		return
	}
	if c.waitq().HasWork() {
		fatal.Abortf(nil, "condvar destroyed with %d parked waiters", c.waitq().Len())
	}
	c.a.FreeListHeader(r.waitq)
	r.waitq = arena.Nil
	r.mutexOff = arena.Nil
	r.magic = 0
	spinlock.Unlock(&r.lock)
}
