// Package syncprim implements the pthread-style mutex, condition variable,
// and barrier primitives host code builds concurrency on top of. Every
// control block lives in the arena's metadata area exactly like a TCB, so
// a Mutex/Cond/Barrier value is a thin offset handle meaningful
// identically in every worker, the same pattern tcb.Handle and ready.Queue
// already establish.
//
// Unlock, Signal, Broadcast and a barrier's releasing arrival all move
// waiters straight onto a ready queue. Only the mutex hands over ownership
// as well: a thread woken by Unlock resumes already owning the mutex,
// while a thread woken from Cond.Wait reacquires its mutex through Lock.
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

// mutexMagic marks an initialized mutex control block. A zeroed block
// lacks it; the first Lock on such a block initializes lazily under the
// spinlock, and Destroy clears it.
const mutexMagic int32 = 0x4d4e5254

// mutexRecord is the fixed-layout control block overlaid on arena bytes.
type mutexRecord struct {
	lock     int32
	magic    int32
	held     int32
	ownerTid int32
	waitq    arena.Offset
}

const mutexRecordSize = int64(unsafe.Sizeof(mutexRecord{}))

// MutexRecordSize reports the control block's footprint, for host code
// that reserves a zeroed block itself (OpenMutex + lazy first-Lock init)
// instead of going through NewMutex.
func MutexRecordSize() int64 { return mutexRecordSize }

// Mutex is a handle to one arena-resident mutex control block.
type Mutex struct {
	a            *arena.Arena
	off          arena.Offset
	waitlistMode bool
}

// NewMutex allocates and initializes a fresh mutex. waitlistEnabled
// selects the waitlist-based Lock path over the pure busy-spin fallback
// (config.MutexWaitlistEnabled; see DESIGN.md).
func NewMutex(a *arena.Arena, waitlistEnabled bool) (Mutex, error) {
	off, err := a.AllocMeta(mutexRecordSize)
	if err != nil {
		return Mutex{}, errors.Wrap(err, "syncprim: allocate mutex")
	}
	waitqOff, _, err := a.NewListHeader()
	if err != nil {
		return Mutex{}, errors.Wrap(err, "syncprim: allocate mutex waitlist")
	}
	m := Mutex{a: a, off: off, waitlistMode: waitlistEnabled}
	r := m.rec()
	r.magic = mutexMagic
	r.waitq = waitqOff
	return m, nil
}

// OpenMutex wraps an already-initialized mutex control block at off.
func OpenMutex(a *arena.Arena, off arena.Offset, waitlistEnabled bool) Mutex {
	return Mutex{a: a, off: off, waitlistMode: waitlistEnabled}
}

// Offset exposes the control block's arena offset, for the ingest surface's
// opaque mutex handle type.
func (m Mutex) Offset() arena.Offset { return m.off }

func (m Mutex) rec() *mutexRecord {
	return (*mutexRecord)(unsafe.Pointer(&m.a.Bytes(m.off, mutexRecordSize)[0]))
}

func (m Mutex) waitq() ready.Queue {
	return ready.Wrap(m.a.ListAt(m.rec().waitq))
}

// ensureInitLocked performs the lazy first-use initialization of a zeroed
// control block. Caller holds the spinlock; the lock word itself is valid
// zeroed, so locking before init is safe.
func (m Mutex) ensureInitLocked() {
	r := m.rec()
	if r.magic == mutexMagic {
		return
	}
	if r.waitq == arena.Nil {
		waitqOff, _, err := m.a.NewListHeader()
		if err != nil {
			fatal.Abort(nil, errors.Wrap(err, "syncprim: lazy mutex init"))
		}
		r.waitq = waitqOff
	}
	r.held = 0
	r.ownerTid = 0
	r.magic = mutexMagic
}

// Lock acquires the mutex, blocking t if it is already held. Contended
// acquisition enqueues t directly rather than spin-racing other waiters,
// and Unlock hands ownership to the head of that queue without requiring
// it to re-CAS.
func (m Mutex) Lock(t *sched.Thread) {
	r := m.rec()
	for {
		spinlock.Lock(&r.lock)
		m.ensureInitLocked()
		if r.held == 0 {
			r.held = 1
			r.ownerTid = t.Tid()
			spinlock.Unlock(&r.lock)
			return
		}
		if !m.waitlistMode {
			spinlock.Unlock(&r.lock)
			t.YieldToQueue(t.PrivateQueue())
			continue
		}
		t.Handle().SetStatus(tcb.StatusLockWaiting)
		m.waitq().Enqueue(t.TCBOffset())
		t.YieldHoldingLock(&r.lock)
		// Woken only via Unlock's handoff path, which has already set
		// ownerTid to this thread before releasing it; nothing left to do.
		return
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m Mutex) TryLock(t *sched.Thread) bool {
	r := m.rec()
	spinlock.Lock(&r.lock)
	defer spinlock.Unlock(&r.lock)
	m.ensureInitLocked()
	if r.held != 0 {
		return false
	}
	r.held = 1
	r.ownerTid = t.Tid()
	return true
}

// Unlock releases the mutex. If a thread is waiting, it is handed
// ownership directly and moved straight to the caller's private ready
// queue (the caller likely owns the contended pages, so the woken thread
// is cheap to run next there); otherwise the mutex is marked free.
// Unlocking a mutex the caller does not hold is a fatal invariant
// violation.
func (m Mutex) Unlock(t *sched.Thread) {
	r := m.rec()
	spinlock.Lock(&r.lock)
	if r.held == 0 || r.ownerTid != t.Tid() {
		spinlock.Unlock(&r.lock)
		fatal.Abortf(nil, "thread %d unlocked a mutex it does not own", t.Tid())
	}
	off, ok := m.waitq().Dequeue()
	if ok {
		r.ownerTid = tcb.At(m.a, off).Tid()
		spinlock.Unlock(&r.lock)
		t.PrivateQueue().Enqueue(off)
		return
	}
	r.held = 0
	r.ownerTid = 0
	spinlock.Unlock(&r.lock)
}

// unlockLocked is Unlock's logic for Cond.Wait, which must release the
// associated mutex while still holding the condvar's own lock so the
// enqueue-then-release sequence is atomic with respect to a concurrent
// Signal/Broadcast.
func (m Mutex) unlockLocked(t *sched.Thread) {
	m.Unlock(t)
}

// Destroy tears a mutex down: under the spinlock, a non-empty waitlist is
// a fatal invariant violation; otherwise the waitlist header is returned
// to the arena's pool and the init magic cleared, so a later Lock on the
// same block would lazily re-initialize it.
func (m Mutex) Destroy() {
	r := m.rec()
	spinlock.Lock(&r.lock)
	if r.magic != mutexMagic {
		spinlock.Unlock(&r.lock)
		return
	}
	if m.waitq().HasWork() {
		fatal.Abortf(nil, "mutex destroyed with %d parked waiters", m.waitq().Len())
	}
	m.a.FreeListHeader(r.waitq)
	r.waitq = arena.Nil
	r.magic = 0
	spinlock.Unlock(&r.lock)
}
