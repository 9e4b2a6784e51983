//go:build linux && mnrt_e2e

// This file builds only with -tags mnrt_e2e on linux, since it launches
// real child processes over a real memfd/mmap, an environment the default
// `go test ./...` sandbox may lack.
package bootstrap_test

import (
	"os"
	"os/signal"
	"testing"
	"time"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/bootstrap"
	"github.com/xlaez/mnrt/config"
)

const e2eCoreCount = 2

// TestMain lets this same compiled test binary double as the re-exec'd
// worker process bootstrap.ReexecWorkers launches: a
// child sees MNRT_CORE_ID in its environment and runs as that core's
// worker instead of ever reaching go test's own dispatch, mirroring the
// `os.Executable()` self-re-exec contract bootstrap.StartMultiProcess
// relies on.
func TestMain(m *testing.M) {
	if core, ok := bootstrap.ReexecCoreFromEnv(); ok {
		cfg := config.Default()
		cfg.CPUCores = e2eCoreCount

		stop := make(chan struct{})
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		go func() {
			<-sig
			close(stop)
		}()

		if err := bootstrap.WorkerMain(core, cfg, stop); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// TestMultiProcessBootstrapLifecycle exercises the literal multi-process
// cohort (one OS process per core) end to end: real child
// processes are launched, inherit the arena over a real memfd, and are
// cleanly torn down; core 0 — which runs in this very process — does real
// single-threaded work in the arena's globals region meanwhile. It does not replay the
// ping-pong/quicksort/owner-migration scenarios across the process
// boundary: DESIGN.md's "Single-process cohort" resolution explains why an
// unbound thread cannot migrate across it, so this path is only ever
// exercised for what it can actually do.
func TestMultiProcessBootstrapLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.CPUCores = e2eCoreCount
	cfg.HeapSize = 1 << 20
	cfg.MaxThreads = 16

	c, err := bootstrap.StartMultiProcess(cfg)
	if err != nil {
		t.Fatalf("StartMultiProcess: %v", err)
	}

	if got, want := c.WorkerCount(), e2eCoreCount-1; got != want {
		t.Fatalf("worker process count = %d, want %d", got, want)
	}

	// Give the re-exec'd child a moment to map the inherited arena and
	// register its pid before asserting on cohort-wide state.
	time.Sleep(200 * time.Millisecond)

	layout := c.Arena.Layout()
	counter := arena.RefAt[int64](c.Arena, arena.Offset(layout.GlobalsBase))
	counter.Store(c.Main, 7)
	if got := counter.Load(c.Main); got != 7 {
		t.Fatalf("core 0 globals round trip = %d, want 7", got)
	}

	c.Shutdown()
}
