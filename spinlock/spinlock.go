// Package spinlock implements the CAS busy-wait spinlock that guards every
// ready queue, TCB, and sync-primitive control block in the arena. It
// operates directly on a *int32 address rather than wrapping a Go value,
// so the same lock word works whether the caller reached it via a Go
// struct field, an unsafe-pointer cast into the arena's backing byte
// slice, or (as is always the case here) both at once — the point of the
// arena is that those are the same memory in every worker process.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

const (
	free = 0
	held = 1
)

// Word is the storage type of a spinlock: a single int32, zero-valued when
// free. Embed it (or an unsafe-cast equivalent) as the first field of any
// arena-resident record that needs its own lock.
type Word int32

// Lock spins until it acquires the lock at p, using a bounded busy-spin
// with runtime.Gosched backoff. There is no fairness guarantee beyond
// eventual CAS success; the runtime's actual ordering guarantees come
// from the FIFO ready queues layered on top, not from this primitive.
func Lock(p *int32) {
	spins := 0
	for !atomic.CompareAndSwapInt32(p, free, held) {
		spins++
		relax(spins)
	}
}

// TryLock attempts to acquire the lock at p without blocking.
func TryLock(p *int32) bool {
	return atomic.CompareAndSwapInt32(p, free, held)
}

// Unlock releases the lock at p. Calling Unlock on a lock not held by the
// caller is a caller bug; this package does not attempt to detect it
// (ownership tracking is the caller's responsibility, e.g. tcb/syncprim
// record owning tids separately).
func Unlock(p *int32) {
	atomic.StoreInt32(p, free)
}

// relax backs off proportionally to how long we've been spinning: a tight
// CPU-relax loop for the first few iterations (the expected case, since
// every critical section guarded by these locks is short), then
// runtime.Gosched so a spinning goroutine doesn't starve the one holding
// the lock on the same OS thread in single-core test configurations.
func relax(spins int) {
	switch {
	case spins < 30:
		procyield()
	default:
		runtime.Gosched()
	}
}

// procyield is a short busy-wait with no syscall, the Go-level analogue of
// a cpu-relax/pause instruction; looping a few iterations of an atomic
// load is the portable substitute available without assembly.
func procyield() {
	for i := 0; i < 16; i++ {
		atomic.LoadInt32(&spinSink)
	}
}

var spinSink int32
