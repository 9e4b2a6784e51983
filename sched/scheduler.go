// Package sched implements the cooperative per-core scheduler and the
// thread context it dispatches. A "core" here is a goroutine locked to its
// own OS thread (optionally CPU-pinned); a "user thread" is a second,
// permanent goroutine, parked on a private resume channel whenever it is
// not the one thing its dispatching Scheduler is currently running.
// Switching between them is a plain channel rendezvous, not a
// register-file swap — the memory-safe substitution for
// swapcontext/ucontext. Giving every thread its own permanent goroutine is
// what lets ANY core's Scheduler resume it after a migration; a thread
// whose function ran inline on the dispatching core's goroutine could
// never be handed to another core mid-call.
package sched

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/internal/fatal"
	"github.com/xlaez/mnrt/ready"
	"github.com/xlaez/mnrt/spinlock"
	"github.com/xlaez/mnrt/tcb"
)

// Scheduler owns one core's private ready queue and dispatch loop. Its
// own `resume` channel is the scheduler context a yielding user thread
// switches back to.
type Scheduler struct {
	a       *arena.Arena
	core    arena.CoreID
	reg     *Registry
	log     *logrus.Entry
	private ready.Queue
	shared  ready.Queue
	events  chan Event
	resume  chan struct{}
}

// NewScheduler wraps core's private ready queue (already allocated by
// arena.Create/bootstrap) into a dispatch loop.
func NewScheduler(a *arena.Arena, core arena.CoreID, reg *Registry, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		a:       a,
		core:    core,
		reg:     reg,
		log:     log,
		private: ready.Private(a, core),
		shared:  ready.Shared(a),
		events:  make(chan Event, 4),
		resume:  make(chan struct{}, 1),
	}
}

// Core reports the id this Scheduler's worker is pinned to.
func (s *Scheduler) Core() arena.CoreID { return s.core }

// Run is the dispatch loop: drain events, pick a runnable thread, switch
// to it, repeat. It returns when stop is closed, which only ever happens
// during cohort teardown.
func (s *Scheduler) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		s.drainEvents()

		th, ok := s.selectNext()
		if !ok {
			runtime.Gosched()
			continue
		}
		s.dispatch(th)
	}
}

// drainEvents applies every event left by the thread that most recently
// ran here, strictly before a new thread is selected.
func (s *Scheduler) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(ev Event) {
	switch e := ev.(type) {
	case YieldToQueue:
		e.Queue.Enqueue(e.TCB)
	case ReleaseLock:
		spinlock.Unlock(e.Lock)
	default:
		fatal.Abortf(s.log, "scheduler: unknown event type")
	}
}

// selectNext tries the private queue first, then shared; a thread bound
// to a different core is forwarded to the shared queue and does not count
// as a selection this round.
func (s *Scheduler) selectNext() (*Thread, bool) {
	off, ok := s.private.Dequeue()
	if !ok {
		off, ok = s.shared.Dequeue()
	}
	if !ok {
		return nil, false
	}

	h := tcb.At(s.a, off)
	if h.IsBound() && h.BoundCore() != s.core {
		s.shared.Enqueue(off)
		return nil, false
	}

	th, ok := s.reg.lookup(off)
	if !ok {
		fatal.Abortf(s.log, "scheduler: ready-queue entry has no registered thread")
	}
	return th, true
}

// dispatch hands control to th and blocks until it yields back.
func (s *Scheduler) dispatch(th *Thread) {
	th.sched.Store(s)
	th.handle.SetHomeCore(s.core)
	th.handle.SetStatus(tcb.StatusRunning)

	th.resume <- struct{}{}
	<-s.resume
}

// Registry maps a TCB's arena offset to the local goroutine backing it.
// Every worker in this implementation lives in the same OS process (see
// DESIGN.md "Single-process cohort" resolution), so one Registry shared by
// every core's Scheduler is sufficient for any core to resume any thread
// after a migration — the thing a real separate-process cohort cannot do
// without relocating the goroutine itself, which Go does not support.
type Registry struct {
	mu  sync.Mutex
	tab map[arena.Offset]*Thread
}

func NewRegistry() *Registry {
	return &Registry{tab: make(map[arena.Offset]*Thread)}
}

func (r *Registry) register(off arena.Offset, t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tab[off] = t
}

func (r *Registry) unregister(off arena.Offset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tab, off)
}

func (r *Registry) lookup(off arena.Offset) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tab[off]
	return t, ok
}

// Thread is the goroutine-backed realization of a TCB's saved user-level
// context. Its fields beyond the TCB handle are process-local: only the
// worker that actually runs this goroutine ever touches them.
type Thread struct {
	a     *arena.Arena
	handle tcb.Handle
	table *tcb.Table
	pool  arena.Pool
	reg   *Registry
	log   *logrus.Entry

	resume chan struct{}
	sched  atomic.Pointer[Scheduler]
	entry  func(*Thread) int64
}

func newThread(a *arena.Arena, h tcb.Handle, table *tcb.Table, pool arena.Pool, reg *Registry, log *logrus.Entry, entry func(*Thread) int64) *Thread {
	t := &Thread{
		a:      a,
		handle: h,
		table:  table,
		pool:   pool,
		reg:    reg,
		log:    log,
		resume: make(chan struct{}, 1),
		entry:  entry,
	}
	reg.register(h.Off, t)
	return t
}

// Adopt wraps the goroutine that calls it — the bootstrap process's own
// initial thread, tid 0 — as a Thread with no entry trampoline: the
// caller's own call stack stands in directly for the trampoline a Spawn'd
// thread gets. The adopted thread enters scheduling via YieldInitially.
func Adopt(a *arena.Arena, h tcb.Handle, table *tcb.Table, pool arena.Pool, reg *Registry, log *logrus.Entry) *Thread {
	debug.SetPanicOnFault(true)
	return newThread(a, h, table, pool, reg, log, nil)
}

// Spawn allocates a fresh TCB, starts its permanent backing goroutine
// (parked until a scheduler dispatches it), marks the spawning thread
// unbound, and inserts the child on the shared ready queue.
func Spawn(parent *Thread, entry func(self *Thread) int64) (*Thread, int32, error) {
	h, tid, ok := tcb.New(parent.a, parent.pool, parent.table, parent.handle.Off, false, 0)
	if !ok {
		return nil, 0, errors.New("sched: thread table exhausted")
	}
	child := newThread(parent.a, h, parent.table, parent.pool, parent.reg, parent.log, entry)
	child.handle.SetStatus(tcb.StatusRunning)

	parent.handle.SetBound(false)

	go child.loop()

	ready.Shared(parent.a).Enqueue(h.Off)
	return child, tid, nil
}

// threadExit is the sentinel panic value Exit uses to unwind a thread's
// entry function without letting it resume mid-body once its goroutine is
// eventually released — the same "unwind, don't resume" contract
// runtime.Goexit gives ordinary goroutines, reimplemented here because a
// thread's entry function runs as plain Go code with no other hook for
// early termination.
type threadExit struct{ retval int64 }

// loop is the permanent backing goroutine a Spawn'd Thread runs on. It
// parks until first dispatched, runs the trampoline exactly once, and
// funnels a returning (or an early Exit'd) entry function through exit.
func (t *Thread) loop() {
	<-t.resume
	debug.SetPanicOnFault(true)
	retval := t.runEntry()
	t.exit(retval)
}

// runEntry runs the thread's entry function, catching both an early Exit
// (the expected sentinel panic) and, as the second line of defense
// arena.Ref documents, a raw memory-fault panic that would mean a bug let
// an access past Ref's ownership check reach an unmapped/PROT_NONE page
// directly. The latter is always a runtime bug, not a recoverable
// per-thread condition, so it goes to fatal.Abort rather than back to
// entry.
func (t *Thread) runEntry() (retval int64) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if te, ok := r.(threadExit); ok {
			retval = te.retval
			return
		}
		if _, ok := r.(runtime.Error); ok {
			fatal.Abortf(t.log, "thread %d: unprotected memory access reached the runtime fault handler", t.Tid())
		}
		panic(r)
	}()
	return t.entry(t)
}

// Exit terminates the calling thread immediately with retval, unwinding
// its entry function's remaining call stack via panic/recover rather than
// returning control to it. Safe to call from anywhere in a thread's entry
// function, including nested calls.
func (t *Thread) Exit(retval int64) {
	panic(threadExit{retval: retval})
}

// release wakes a dead thread's parked goroutine one last time so it can
// fall out of exit's final (never-to-return) yield and terminate. Called
// only by Join, only after the joinee's TCB has already been reclaimed, so
// there is nothing left for the woken goroutine to do but return.
func (t *Thread) release() {
	t.resume <- struct{}{}
}

// yield is shared by every suspension primitive: push ev for the current
// scheduler to apply, hand control back to it, and block until some
// scheduler dispatches this thread again.
func (t *Thread) yield(ev Event) {
	s := t.sched.Load()
	s.events <- ev
	s.resume <- struct{}{}
	<-t.resume
}

// YieldToQueue enqueues self on q once the switch back to the scheduler
// has completed.
func (t *Thread) YieldToQueue(q ready.Queue) {
	t.yield(YieldToQueue{Queue: q, TCB: t.handle.Off})
}

// YieldHoldingLock switches to the scheduler, which releases lock as its
// first post-switch action — the primitive that prevents another core from
// observing and resuming this thread before it has actually parked.
func (t *Thread) YieldHoldingLock(lock *int32) {
	t.yield(ReleaseLock{Lock: lock})
}

// YieldInitially enqueues self directly on q — safe only once per process,
// during bootstrap, before any scheduler has drained an event for this
// thread — and blocks until dispatched.
func (t *Thread) YieldInitially(q ready.Queue) {
	q.Enqueue(t.handle.Off)
	<-t.resume
}

// CurrentCore implements arena.FaultHandler: the core whose Scheduler most
// recently dispatched this thread.
func (t *Thread) CurrentCore() arena.CoreID {
	if s := t.sched.Load(); s != nil {
		return s.core
	}
	return arena.Unowned
}

// Migrate implements arena.FaultHandler: enqueue self on owner's private
// queue and yield; Ref's ensureOwned loop retries the access once this
// call returns.
func (t *Thread) Migrate(page int64, owner arena.CoreID) {
	t.YieldToQueue(ready.Private(t.a, owner))
}

// TCBOffset, Tid, Handle, PrivateQueue, SharedQueue, and Arena are the
// accessors the syncprim and heap packages need to build primitives over a
// Thread without reaching into its process-local fields directly.
func (t *Thread) TCBOffset() arena.Offset     { return t.handle.Off }
func (t *Thread) Tid() int32                  { return t.handle.Tid() }
func (t *Thread) Handle() tcb.Handle          { return t.handle }
func (t *Thread) PrivateQueue() ready.Queue    { return ready.Private(t.a, t.CurrentCore()) }
func (t *Thread) SharedQueue() ready.Queue     { return ready.Shared(t.a) }
func (t *Thread) Arena() *arena.Arena         { return t.a }

// Self reports the underlying TCB's tid, the value the mnrt surface
// exposes to host code as the thread's own identifier.
func (t *Thread) Self() int32 { return t.Tid() }

// exit records the return value, marks the TCB dead, parks it on the dead
// queue, dequeues the first joiner (if any) and marks it running — routing
// it to its bound core's private queue if it is bound (which Join always
// makes it) or the shared queue otherwise — and yields for the last time.
// The thread's backing goroutine never runs user code again after this
// call returns to loop — release is the only thing that ever wakes it,
// and only to let it fall out of the parked yield and terminate.
func (t *Thread) exit(retval int64) {
	h := t.handle

	// Everything below happens under the TCB's own spinlock, released only
	// by the scheduler once this thread has actually parked: a joiner that
	// observes status=dead must also find this TCB already on the dead
	// queue, and a woken waiter dispatched on another core spins on this
	// same lock until the switch out has completed.
	h.Lock()
	h.SetRetval(retval)
	h.SetStatus(tcb.StatusDead)
	ready.Dead(t.a).Enqueue(h.Off)

	if waiterOff, hasWaiter := h.JoinQueue().Dequeue(); hasWaiter {
		wh := tcb.At(t.a, waiterOff)
		wh.SetStatus(tcb.StatusRunning)
		if wh.IsBound() {
			ready.Private(t.a, wh.BoundCore()).Enqueue(waiterOff)
		} else {
			ready.Shared(t.a).Enqueue(waiterOff)
		}
	}

	t.YieldHoldingLock(h.LockPtr())
}

// Join blocks until joinee is dead, then reclaims its TCB and returns the
// value it exited with. joinee must not be self (self-join is a fatal
// invariant violation, not a recoverable error). The calling thread is
// marked bound to its birth core for the duration (and beyond, until it
// next spawns a child) so that, once joinee is dead, it returns to the
// same core it called Join from.
func (t *Thread) Join(joinee *Thread) (int64, error) {
	if joinee == t {
		fatal.Abortf(t.log, "thread %d joined itself", t.Tid())
	}

	birthCore := t.CurrentCore()
	t.handle.SetBoundCore(birthCore)
	t.handle.SetBound(true)

	h := joinee.handle
	h.Lock()
	for h.Status() != tcb.StatusDead {
		t.handle.SetStatus(tcb.StatusJoining)
		// Enqueue self onto joinee's joinqueue synchronously, while still
		// holding joinee's lock, then yield holding that same lock so the
		// scheduler only releases it after this thread has actually
		// parked — this is what prevents joinee's exit from running its
		// own dequeue before this thread is actually linked in.
		h.JoinQueue().Enqueue(t.handle.Off)
		t.YieldHoldingLock(h.LockPtr())
		t.handle.SetStatus(tcb.StatusRunning)
		h.Lock()
	}
	retval := h.Retval()
	h.Unlock()

	ready.Dead(t.a).Remove(h.Off)
	t.table.Release(joinee.Tid())
	t.reg.unregister(h.Off)
	h.Free(t.pool)

	joinee.release()

	if t.table.LiveCount() == 1 {
		if err := t.a.UnprotectAll(); err != nil {
			t.log.WithError(err).Warn("sched: UnprotectAll failed on last-thread join")
		}
	}

	if t.CurrentCore() != birthCore {
		t.YieldToQueue(ready.Private(t.a, birthCore))
	}

	return retval, nil
}

// JoinTid is the lookup-then-join form of Join: it resolves tid through
// the thread table first, returning an error if no live thread holds that
// tid. A second join of an already-reaped thread goes through here and
// observes the missing entry, since the first join released the tid on
// reclaim.
func (t *Thread) JoinTid(tid int32) (int64, error) {
	off, ok := t.table.Lookup(tid)
	if !ok {
		return 0, errors.Errorf("sched: join: no thread with tid %d", tid)
	}
	joinee, ok := t.reg.lookup(off)
	if !ok {
		return 0, errors.Errorf("sched: join: tid %d is not backed by a registered thread", tid)
	}
	return t.Join(joinee)
}
