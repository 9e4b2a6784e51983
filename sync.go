package mnrt

import (
	"github.com/xlaez/mnrt/syncprim"
)

// Mutex, Cond, and Barrier are re-exported directly: the ingest surface
// adds no fields of its own over syncprim's arena-resident control
// blocks, only the constructors below, which thread the cohort's
// configured waitlist-vs-spin mode through.
type Mutex = syncprim.Mutex
type Cond = syncprim.Cond
type Barrier = syncprim.Barrier

// NewMutex allocates and initializes a mutex. Host code may instead
// reserve a zeroed block itself and rely on lazy first-Lock
// initialization via syncprim.OpenMutex; this constructor is the eager
// form of the same thing.
func (r *Runtime) NewMutex() (Mutex, error) {
	return syncprim.NewMutex(r.cohort.Arena, r.cohort.Config.MutexWaitlistEnabled)
}

// Lock, TryLock, Unlock, and DestroyMutex forward directly to the mutex.
func (r *Runtime) Lock(t *Thread, m Mutex)         { m.Lock(t) }
func (r *Runtime) TryLock(t *Thread, m Mutex) bool { return m.TryLock(t) }
func (r *Runtime) Unlock(t *Thread, m Mutex)       { m.Unlock(t) }
func (r *Runtime) DestroyMutex(m Mutex)            { m.Destroy() }

// NewCond allocates and initializes a condition variable.
func (r *Runtime) NewCond() (Cond, error) {
	return syncprim.NewCond(r.cohort.Arena)
}

// Wait, Signal, Broadcast, and DestroyCond forward directly to the
// condvar.
func (r *Runtime) Wait(t *Thread, c Cond, m Mutex) { c.Wait(t, m) }
func (r *Runtime) Signal(t *Thread, c Cond)        { c.Signal(t) }
func (r *Runtime) Broadcast(c Cond)                { c.Broadcast() }
func (r *Runtime) DestroyCond(c Cond)              { c.Destroy() }

// NewBarrier allocates and initializes a barrier for count participants.
func (r *Runtime) NewBarrier(count int32) (Barrier, error) {
	return syncprim.NewBarrier(r.cohort.Arena, count)
}

// BarrierWait and DestroyBarrier forward directly to the barrier.
func (r *Runtime) BarrierWait(t *Thread, b Barrier) bool { return b.Wait(t) }
func (r *Runtime) DestroyBarrier(b Barrier)              { b.Destroy() }
