package mnrt

import (
	"github.com/xlaez/mnrt/sched"
)

// Spawn creates a new user thread running fn, scheduled on the shared
// ready queue, and marks the spawning thread unbound. fn's return value
// (or the argument to an explicit t.Exit call from within fn) becomes the
// value a later Join observes.
func (r *Runtime) Spawn(self *Thread, fn func(t *Thread) int64) (*Thread, int32, error) {
	return sched.Spawn(self, fn)
}

// Join blocks self until other has exited, then reclaims other's TCB and
// returns the value it exited with. Joining self is a fatal invariant
// violation.
func (r *Runtime) Join(self, other *Thread) (int64, error) {
	return self.Join(other)
}

// Exit terminates self immediately with retval; equivalent to returning
// retval from the thread's entry function, but usable from anywhere in
// its call stack.
func (r *Runtime) Exit(self *Thread, retval int64) {
	self.Exit(retval)
}

// JoinTid joins the thread currently registered under tid, returning an
// error if no live thread holds it — which is exactly what a second join
// of an already-reaped tid observes, since the first Join released the
// tid.
func (r *Runtime) JoinTid(self *Thread, tid int32) (int64, error) {
	return self.JoinTid(tid)
}

// Kill is a stub: signal-based asynchronous cancellation is not
// supported, so it returns success without side effects, same as Cancel
// and SchedYield.
func (r *Runtime) Kill(self, target *Thread) error {
	return nil
}

// Cancel is a stub; see Kill.
func (r *Runtime) Cancel(self, target *Thread) error {
	return nil
}

// ThreadAttr is the opaque attribute block the attribute stubs operate
// on: thread attributes carry no state in this runtime — stack sizes are
// goroutine-managed and detach state is not supported — so every accessor
// succeeds without side effects.
type ThreadAttr struct{}

// AttrInit and AttrDestroy are stubs, same contract as Kill/Cancel.
func (r *Runtime) AttrInit(a *ThreadAttr) error    { return nil }
func (r *Runtime) AttrDestroy(a *ThreadAttr) error { return nil }
