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

// barrierRecord is the fixed-layout control block for a barrier.
type barrierRecord struct {
	lock    int32
	total   int32
	arrived int32
	waitq   arena.Offset
}

const barrierRecordSize = int64(unsafe.Sizeof(barrierRecord{}))

// Barrier is a handle to one arena-resident barrier.
type Barrier struct {
	a   *arena.Arena
	off arena.Offset
}

// NewBarrier allocates and initializes a fresh barrier for count
// participants.
func NewBarrier(a *arena.Arena, count int32) (Barrier, error) {
	off, err := a.AllocMeta(barrierRecordSize)
	if err != nil {
		return Barrier{}, errors.Wrap(err, "syncprim: allocate barrier")
	}
	waitqOff, _, err := a.NewListHeader()
	if err != nil {
		return Barrier{}, errors.Wrap(err, "syncprim: allocate barrier waitlist")
	}
	b := Barrier{a: a, off: off}
	r := b.rec()
	r.total = count
	r.waitq = waitqOff
	return b, nil
}

// OpenBarrier wraps an already-initialized barrier control block at off.
func OpenBarrier(a *arena.Arena, off arena.Offset) Barrier {
	return Barrier{a: a, off: off}
}

// Offset exposes the control block's arena offset, for the ingest surface's
// opaque barrier handle type.
func (b Barrier) Offset() arena.Offset { return b.off }

func (b Barrier) rec() *barrierRecord {
	return (*barrierRecord)(unsafe.Pointer(&b.a.Bytes(b.off, barrierRecordSize)[0]))
}

func (b Barrier) waitq() ready.Queue {
	return ready.Wrap(b.a.ListAt(b.rec().waitq))
}

// Wait blocks t until count threads have called Wait, then releases all of
// them together. It reports true to exactly one caller per
// generation — the pthread_barrier_wait "serial thread" convention — so
// host code can single out one participant to do post-barrier cleanup
// without an extra round of coordination.
func (b Barrier) Wait(t *sched.Thread) bool {
	r := b.rec()
	spinlock.Lock(&r.lock)
	r.arrived++
	if r.arrived == r.total {
		r.arrived = 0
		// Splice before releasing the barrier lock: a next-generation
		// arrival enqueues itself under this same lock, so detaching the
		// waitlist while still holding it guarantees only this
		// generation's waiters are released.
		ready.Shared(b.a).EnqueueAll(b.waitq())
		spinlock.Unlock(&r.lock)
		return true
	}
	t.Handle().SetStatus(tcb.StatusBarrierWaiting)
	b.waitq().Enqueue(t.TCBOffset())
	t.YieldHoldingLock(&r.lock)
	return false
}

// Destroy releases the barrier's waitlist header back to the arena's
// pool. Destroying a barrier with parked waiters is a fatal invariant
// violation.
func (b Barrier) Destroy() {
	r := b.rec()
	spinlock.Lock(&r.lock)
	if b.waitq().HasWork() {
		fatal.Abortf(nil, "barrier destroyed with %d parked waiters", b.waitq().Len())
	}
	b.a.FreeListHeader(r.waitq)
	r.waitq = arena.Nil
	r.total = 0
	spinlock.Unlock(&r.lock)
}
