// Command pingpong runs a condvar-mediated hand-off scenario: two
// threads alternate flipping a shared
// flag under a mutex and condition variable, 10,000 times each, and the
// program asserts the final hand-off count (two per iteration) and
// absence of deadlock.
//
// Two extra flags exercise the worker-cohort bootstrap paths that the
// default run above never touches:
//
//   - -mnrt-worker is the re-exec'd child's own entry point: it is never
//     passed by a user, only by bootstrap.ReexecWorkers when
//     -mnrt-multiprocess launches children.
//   - -mnrt-multiprocess runs this same scenario's bootstrap lifecycle (not
//     the ping-pong body itself — see DESIGN.md's "Single-process cohort"
//     resolution for why) over bootstrap.StartMultiProcess instead of
//     bootstrap.Start: a real re-exec'd child per extra core, sharing the
//     arena via an inherited memfd, rather than a goroutine.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/xlaez/mnrt"
	"github.com/xlaez/mnrt/bootstrap"
	"github.com/xlaez/mnrt/config"
)

const iterations = 10000

func main() {
	worker := flag.Bool("mnrt-worker", false, "internal: run as a re-exec'd worker process")
	multiprocess := flag.Bool("mnrt-multiprocess", false, "launch the cohort as real re-exec'd worker processes instead of goroutines")
	flag.Parse()

	var err error
	switch {
	case *worker:
		err = runWorker()
	case *multiprocess:
		err = runMultiProcess()
	default:
		err = run()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "pingpong:", err)
		os.Exit(1)
	}
}

// runWorker is what every child launched by bootstrap.ReexecWorkers
// actually runs: map the inherited arena, run this core's dispatch loop
// until asked to stop.
func runWorker() error {
	core, ok := bootstrap.ReexecCoreFromEnv()
	if !ok {
		return fmt.Errorf("mnrt-worker: missing re-exec core environment")
	}
	cfg := config.Default()
	cfg.CPUCores = 2

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		close(stop)
	}()

	return bootstrap.WorkerMain(core, cfg, stop)
}

// runMultiProcess demonstrates the literal re-exec cohort lifecycle: arena
// creation, child process launch with the arena's memfd inherited, shared
// allocator use from core 0, clean teardown of every child. It does not
// replay the full ping-pong scenario across cores, since an unbound thread
// cannot migrate across the process boundary a re-exec'd worker introduces
// (see DESIGN.md); core 0 here only ever runs single-threaded work.
func runMultiProcess() error {
	cfg := config.Default()
	cfg.CPUCores = 2

	rt, err := mnrt.NewMultiProcess(cfg)
	if err != nil {
		return fmt.Errorf("bootstrap multiprocess: %w", err)
	}
	defer rt.Shutdown()

	self := rt.Self()
	counter, err := mnrt.MallocT[int64](rt, self)
	if err != nil {
		return fmt.Errorf("malloc counter: %w", err)
	}
	for i := int64(0); i < iterations; i++ {
		counter.Store(self, counter.Load(self)+1)
	}

	got := counter.Load(self)
	fmt.Printf("multiprocess cohort: core 0 counted %d (expected %d), %d worker process(es) launched\n",
		got, int64(iterations), cfg.CPUCores-1)
	if got != int64(iterations) {
		return fmt.Errorf("counter mismatch: got %d, want %d", got, iterations)
	}
	return nil
}

func run() error {
	cfg := config.Default()
	cfg.CPUCores = 2

	rt, err := mnrt.New(cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer rt.Shutdown()

	self := rt.Self()

	m, err := rt.NewMutex()
	if err != nil {
		return fmt.Errorf("new mutex: %w", err)
	}
	cv, err := rt.NewCond()
	if err != nil {
		return fmt.Errorf("new cond: %w", err)
	}
	flag, err := mnrt.MallocT[int64](rt, self)
	if err != nil {
		return fmt.Errorf("malloc flag: %w", err)
	}
	// handoffs counts every turn change: the turn-indicator flag itself
	// only ever holds 1 or 2, so it is this separate counter — bumped once
	// per handoff in each direction — that reaches 2*iterations after
	// 10,000 round trips.
	handoffs, err := mnrt.MallocT[int64](rt, self)
	if err != nil {
		return fmt.Errorf("malloc handoffs: %w", err)
	}

	t2, _, err := rt.Spawn(self, func(t *mnrt.Thread) int64 {
		for i := 0; i < iterations; i++ {
			rt.Lock(t, m)
			for flag.Load(t) != 1 {
				rt.Wait(t, cv, m)
			}
			flag.Store(t, 2)
			handoffs.Store(t, handoffs.Load(t)+1)
			rt.Signal(t, cv)
			rt.Unlock(t, m)
		}
		return 0
	})
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	for i := 0; i < iterations; i++ {
		rt.Lock(self, m)
		flag.Store(self, 1)
		handoffs.Store(self, handoffs.Load(self)+1)
		rt.Signal(self, cv)
		for flag.Load(self) != 2 {
			rt.Wait(self, cv, m)
		}
		rt.Unlock(self, m)
	}

	if _, err := rt.Join(self, t2); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	final := handoffs.Load(self)
	want := int64(2 * iterations)
	fmt.Printf("final handoff count = %d (expected %d)\n", final, want)
	if final != want {
		return fmt.Errorf("handoff count mismatch: got %d, want %d", final, want)
	}
	return nil
}
