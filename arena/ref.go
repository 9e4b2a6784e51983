package arena

import "unsafe"

// FaultHandler resolves a page-ownership miss by migrating the calling
// thread to the core that currently owns the page. It is implemented by
// the sched package's Thread, and declared here (rather than imported) so
// that arena never depends on sched, which itself depends on arena —
// Ref[T] is the seam between the two, an explicit pre-access check
// standing where a SIGSEGV-trap handler would in a C runtime.
type FaultHandler interface {
	// CurrentCore returns the CoreID the calling goroutine is currently
	// scheduled on.
	CurrentCore() CoreID
	// Migrate blocks the calling thread until it has been moved onto
	// owner's core and may retry its access.
	Migrate(page int64, owner CoreID)
}

// Ref is a typed handle to a value living in the arena's managed heap or
// globals region. Unlike a Go pointer, a Ref is valid in every worker
// process mapping the same arena (it is an Offset underneath), and every
// access goes through Load/Store's ownership check first — an explicit
// pre-check in place of a SIGSEGV-trap-and-rewrite, backstopped by
// debug.SetPanicOnFault/recover in sched.Thread's entry wrapper as a
// second line of defense against a bug slipping a raw access past Ref: a
// fault recovered there aborts the worker rather than migrating the thread.
type Ref[T any] struct {
	a   *Arena
	off Offset
}

// RefAt wraps an existing managed-region offset as a Ref[T]. Callers
// (heap.Alloc) are responsible for off actually holding a live T of the
// right size; Ref performs no type tag checking.
func RefAt[T any](a *Arena, off Offset) Ref[T] {
	return Ref[T]{a: a, off: off}
}

// Offset returns the underlying arena offset, for storing a Ref inside
// another arena-resident structure (a Ref is itself just an Offset plus a
// type parameter erased at the storage layer).
func (r Ref[T]) Offset() Offset { return r.off }

// IsNil reports whether r refers to no value.
func (r Ref[T]) IsNil() bool { return r.off == Nil }

// ensureOwned runs the acquire-or-migrate loop until the calling thread's
// core owns the page backing r, granting this process's mapping RW access
// the first time it acquires a previously-unowned page.
func (r Ref[T]) ensureOwned(fh FaultHandler) {
	page := r.a.PageOf(r.off)
	if page < 0 {
		// Not in a page-protected region (e.g. a Ref constructed over the
		// metadata area by mistake); nothing to enforce.
		return
	}
	for {
		core := fh.CurrentCore()
		owner := r.a.LoadOwner(page)
		if owner == core {
			return
		}
		if owner == Unowned {
			if r.a.CASOwner(page, Unowned, core) {
				if err := r.a.ProtectRW(r.off); err != nil {
					// Mprotect failure here means the arena mapping itself
					// is broken; nothing short of aborting the worker can
					// recover it.
					panic(err)
				}
				return
			}
			continue
		}
		fh.Migrate(page, owner)
		// After Migrate returns, the calling thread has been rescheduled
		// onto owner's core (or ownership moved again in the meantime);
		// loop to re-check.
	}
}

// Load reads the value, migrating the calling thread first if necessary.
func (r Ref[T]) Load(fh FaultHandler) T {
	r.ensureOwned(fh)
	return *(*T)(unsafe.Pointer(&r.a.data[r.off]))
}

// Store writes v, migrating the calling thread first if necessary.
func (r Ref[T]) Store(fh FaultHandler, v T) {
	r.ensureOwned(fh)
	*(*T)(unsafe.Pointer(&r.a.data[r.off])) = v
}

// With runs fn against a pointer to the live value after ensuring
// ownership, for in-place mutation (increment, field update) without a
// separate Load/Store round trip. fn must not retain the pointer past its
// call, since a later migration can hand the backing page to another core.
func (r Ref[T]) With(fh FaultHandler, fn func(*T)) {
	r.ensureOwned(fh)
	fn((*T)(unsafe.Pointer(&r.a.data[r.off])))
}
