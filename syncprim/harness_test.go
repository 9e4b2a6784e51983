package syncprim_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/config"
	"github.com/xlaez/mnrt/ready"
	"github.com/xlaez/mnrt/sched"
	"github.com/xlaez/mnrt/tcb"
)

func testConfig(cores int) config.Config {
	cfg := config.Default()
	cfg.CPUCores = cores
	cfg.HeapSize = 1 << 20
	cfg.MaxThreads = 64
	cfg.MutexWaitlistEnabled = true
	return cfg
}

// cohort is a minimal multi-core scheduler cohort, built directly (without
// the bootstrap package) so syncprim's mutual-exclusion and handoff
// behavior can be exercised across real concurrent cores without pulling
// in the heap/runtime layers above it.
type cohort struct {
	a     *arena.Arena
	table *tcb.Table
	pool  arena.Pool
	reg   *sched.Registry
	log   *logrus.Entry
	main  *sched.Thread
}

// run builds a cohort of n cores and runs body on the single goroutine
// that owns the adopted main thread's identity, failing the test if body
// does not complete within timeout.
func run(t *testing.T, n int, timeout time.Duration, body func(c *cohort)) {
	t.Helper()
	cfg := testConfig(n)
	a, err := arena.Create(cfg)
	require.NoError(t, err)
	defer a.Close()

	table := tcb.OpenTable(a, cfg.MaxThreads)
	pool := a.NewTCBPool(tcb.RecordSize())
	reg := sched.NewRegistry()
	log := logrus.NewEntry(logrus.New())

	stop := make(chan struct{})
	defer close(stop)
	for core := 0; core < n; core++ {
		s := sched.NewScheduler(a, arena.CoreID(core), reg, log)
		go s.Run(stop)
	}

	h, _, ok := tcb.New(a, pool, table, arena.Nil, false, 0)
	require.True(t, ok)
	main := sched.Adopt(a, h, table, pool, reg, log)
	c := &cohort{a: a, table: table, pool: pool, reg: reg, log: log, main: main}

	done := make(chan struct{})
	go func() {
		main.YieldInitially(ready.Shared(a))
		body(c)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("scenario did not complete")
	}
}
