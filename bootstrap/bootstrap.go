// Package bootstrap assembles a running cohort: create the arena, reserve
// the thread/heap infrastructure, launch one Scheduler per core, and
// adopt the calling goroutine as the cohort's first user thread.
//
// Canonical path (Start): every core is a goroutine in this same OS
// process, locked to its own OS thread via runtime.LockOSThread and,
// best-effort, pinned to a distinct logical CPU via unix.SchedSetaffinity.
// This is a deliberate departure from a literal one-OS-process-per-core
// cohort: Go provides no way to transplant a running goroutine's call
// stack across a fork/exec boundary, and the sched package's migration
// path depends on literally parking and resuming the SAME goroutine from
// whichever core's Scheduler currently owns it — something a real
// separate OS process cannot do without reconstructing that goroutine's
// call state from nothing. See DESIGN.md's "Single-process cohort"
// resolution.
//
// worker.go keeps a second, best-effort path for the real multi-process
// deployment: a fork+exec cohort sharing the arena via an inherited
// memfd. It is documented there as NOT supporting cross-process thread
// migration.
package bootstrap

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/config"
	"github.com/xlaez/mnrt/heap"
	"github.com/xlaez/mnrt/internal/fatal"
	"github.com/xlaez/mnrt/ready"
	"github.com/xlaez/mnrt/sched"
	"github.com/xlaez/mnrt/tcb"
)

// Cohort is a fully bootstrapped runtime: the arena, the per-core
// schedulers, and the shared infrastructure the syncprim and root mnrt
// packages build on top of.
type Cohort struct {
	Arena    *arena.Arena
	Config   config.Config
	Heap     *heap.Heap
	Table    *tcb.Table
	Pool     arena.Pool
	Registry *sched.Registry
	Main     *sched.Thread

	schedulers []*sched.Scheduler
	workers    []*exec.Cmd // re-exec'd child processes, non-nil only for StartMultiProcess
	stop       chan struct{}
	log        *logrus.Logger
}

// newCohortShell allocates the arena and the shared infrastructure every
// bootstrap path needs before either path decides how the remaining cores
// get launched.
func newCohortShell(cfg config.Config) (*Cohort, error) {
	log := logrus.New()

	a, err := arena.Create(cfg)
	if err != nil {
		return nil, err
	}

	table := tcb.OpenTable(a, cfg.MaxThreads)
	pool := a.NewTCBPool(tcb.RecordSize())

	h, err := heap.New(a, cfg)
	if err != nil {
		return nil, err
	}

	reg := sched.NewRegistry()
	return &Cohort{
		Arena:    a,
		Config:   cfg,
		Heap:     h,
		Table:    table,
		Pool:     pool,
		Registry: reg,
		stop:     make(chan struct{}),
		log:      log,
	}, nil
}

// adoptMain reserves tid 0 — bound to core 0 — for the calling goroutine
// and enters it onto core 0's private queue, the shared final step of
// both bootstrap paths. The binding lasts only until the first Spawn,
// which marks the parent unbound.
func (c *Cohort) adoptMain() {
	mainHandle, _, ok := tcb.New(c.Arena, c.Pool, c.Table, arena.Nil, true, 0)
	if !ok {
		fatal.Abortf(c.log.WithField("component", "bootstrap"), "thread table exhausted during bootstrap")
	}
	c.Main = sched.Adopt(c.Arena, mainHandle, c.Table, c.Pool, c.Registry, c.log.WithField("tid", mainHandle.Tid()))
	c.Main.YieldInitially(ready.Private(c.Arena, 0))
}

// Start assembles and launches a cohort, returning once every core's
// Scheduler is running and the calling goroutine has been adopted as tid
// 0, the cohort's initial thread.
func Start(cfg config.Config) (*Cohort, error) {
	c, err := newCohortShell(cfg)
	if err != nil {
		return nil, err
	}
	a := c.Arena

	c.schedulers = make([]*sched.Scheduler, cfg.CPUCores)
	for i := 0; i < cfg.CPUCores; i++ {
		core := arena.CoreID(i)
		entry := c.log.WithField("core", i)
		s := sched.NewScheduler(a, core, c.Registry, entry)
		c.schedulers[i] = s

		// Every core shares this one OS process in the canonical path, so
		// the core->pid map degenerates to "every core maps to the same
		// pid" — still published, since worker.go's Reexec path populates
		// the same table with genuinely distinct pids.
		a.RegisterCore(core, os.Getpid(), a.PrivateQueueOffset(core))

		go c.runWorker(core, s)
	}

	c.adoptMain()
	return c, nil
}

// StartMultiProcess assembles a literal one-OS-process-per-core cohort:
// core 0 runs its Scheduler in this process, and every other core is a
// re-exec'd child process inheriting the arena's memfd (ReexecWorkers).
// See DESIGN.md's "Single-process cohort" resolution for why this path
// cannot carry an unbound thread across a core boundary the way Start's
// single-process path can: callers using this path should keep every
// thread bound to its birth core, or confine cross-core work to core 0
// alone.
func StartMultiProcess(cfg config.Config) (*Cohort, error) {
	c, err := newCohortShell(cfg)
	if err != nil {
		return nil, err
	}
	a := c.Arena

	core0 := arena.CoreID(0)
	entry := c.log.WithField("core", 0)
	s := sched.NewScheduler(a, core0, c.Registry, entry)
	c.schedulers = []*sched.Scheduler{s}
	a.RegisterCore(core0, os.Getpid(), a.PrivateQueueOffset(core0))
	go c.runWorker(core0, s)

	workers, err := ReexecWorkers(a, cfg)
	if err != nil {
		close(c.stop)
		a.Close()
		return nil, err
	}
	c.workers = workers

	c.adoptMain()
	return c, nil
}

// runWorker pins the calling goroutine to its own OS thread and, best
// effort, to a distinct logical CPU, then runs core's dispatch loop until
// the cohort is torn down.
func (c *Cohort) runWorker(core arena.CoreID, s *sched.Scheduler) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Set(int(core))
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		c.log.WithField("core", core).WithError(err).Debug("bootstrap: cpu pinning unavailable, continuing unpinned")
	}

	s.Run(c.stop)
}

// Scheduler returns the Scheduler pinned to the given core, for the root
// mnrt package's thread-creation entry points to enqueue new threads
// against.
func (c *Cohort) Scheduler(core arena.CoreID) *sched.Scheduler {
	return c.schedulers[int(core)]
}

// WorkerCount reports how many re-exec'd worker processes StartMultiProcess
// launched (0 for a Start cohort, which has none). Exposed for tests that
// need to assert the literal multi-process bootstrap actually happened.
func (c *Cohort) WorkerCount() int {
	return len(c.workers)
}

// Shutdown stops every core's dispatch loop and unmaps the arena. It does
// not wait for in-flight user threads to reach a safe point; callers are
// expected to have already joined every thread they spawned. For a
// StartMultiProcess cohort it also signals and waits for every re-exec'd
// worker process.
func (c *Cohort) Shutdown() {
	close(c.stop)
	for _, cmd := range c.workers {
		if cmd.Process != nil {
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				c.log.WithError(err).Warn("bootstrap: signal worker process failed during shutdown")
			}
		}
	}
	for _, cmd := range c.workers {
		if err := cmd.Wait(); err != nil {
			c.log.WithError(err).Debug("bootstrap: worker process exited non-zero during shutdown")
		}
	}
	if err := c.Arena.Close(); err != nil {
		c.log.WithError(err).Warn("bootstrap: arena unmap failed during shutdown")
	}
}
