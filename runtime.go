// Package mnrt is the ingest surface: the threading and allocation API a
// host program written against mutex/condvar/barrier/thread-create/malloc
// primitives actually calls. Every method takes the calling thread
// explicitly as a *Thread receiver or argument — the idiomatic Go
// stand-in for the implicit "current thread" a C threading library infers
// from TLS, matching how the rest of this tree threads a Ref's
// FaultHandler and a TCB's Handle explicitly rather than through an
// ambient singleton.
package mnrt

import (
	"github.com/xlaez/mnrt/bootstrap"
	"github.com/xlaez/mnrt/config"
	"github.com/xlaez/mnrt/sched"
)

// Thread is the handle every ingest-surface call operates on: the running
// user thread making the call. It is sched.Thread directly; this package
// adds no fields of its own, only the C-ABI-shaped methods around it.
type Thread = sched.Thread

// Runtime is a running cohort plus the allocator and sync-primitive
// constructors built on top of it.
type Runtime struct {
	cohort *bootstrap.Cohort
}

// New bootstraps a cohort per cfg and returns a Runtime whose Self() is
// the cohort's initial thread, tid 0.
func New(cfg config.Config) (*Runtime, error) {
	c, err := bootstrap.Start(cfg)
	if err != nil {
		return nil, err
	}
	return &Runtime{cohort: c}, nil
}

// NewMultiProcess bootstraps a cohort the way bootstrap.StartMultiProcess
// does: core 0 in this process, every other core a re-exec'd child
// process sharing the arena via an inherited memfd. See DESIGN.md's
// "Single-process cohort" resolution for the migration limitation this
// implies: host code using this path should keep threads bound to their
// birth core.
func NewMultiProcess(cfg config.Config) (*Runtime, error) {
	c, err := bootstrap.StartMultiProcess(cfg)
	if err != nil {
		return nil, err
	}
	return &Runtime{cohort: c}, nil
}

// Self returns the cohort's initial thread, the handle host code chains
// every other ingest-surface call off of immediately after New returns.
func (r *Runtime) Self() *Thread { return r.cohort.Main }

// Getpid returns t's logical per-core pid: a stable small integer host
// code can call in place of the OS getpid(), independent of which real OS
// process backs the core in bootstrap's re-exec path.
func (r *Runtime) Getpid(t *Thread) int {
	return int(t.CurrentCore())
}

// SchedYield is a stub: this runtime does not support preemption or
// voluntary timeslice donation, so it returns success without side
// effects.
func (r *Runtime) SchedYield(t *Thread) error {
	return nil
}

// Shutdown stops every core's dispatch loop and tears down the arena.
// Callers must have already joined every thread they spawned.
func (r *Runtime) Shutdown() {
	r.cohort.Shutdown()
}
