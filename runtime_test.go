package mnrt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xlaez/mnrt"
	"github.com/xlaez/mnrt/config"
)

// runWithTimeout runs scenario on its own permanent goroutine — the same
// goroutine that calls mnrt.New, so the runtime's "self" thread (the
// adopted initial thread) is identified consistently end to end — and
// fails the test if it does not complete within the given bound, the
// wall-clock stand-in for a no-deadlock assertion.
func runWithTimeout(t *testing.T, timeout time.Duration, scenario func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- scenario() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("scenario timed out")
	}
}

func smallConfig(cores int) config.Config {
	cfg := config.Default()
	cfg.CPUCores = cores
	cfg.HeapSize = 1 << 20
	cfg.MaxThreads = 64
	return cfg
}

// TestMutexMutualExclusion exercises mutual exclusion and handoff
// liveness together: four worker threads
// increment a shared counter under one mutex, and the final count must
// equal exactly the sum of every increment, which only holds if no two
// threads ever observed the critical section concurrently.
func TestMutexMutualExclusion(t *testing.T) {
	const workers = 4
	const perWorker = 500

	runWithTimeout(t, 10*time.Second, func() error {
		rt, err := mnrt.New(smallConfig(4))
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		self := rt.Self()
		m, err := rt.NewMutex()
		if err != nil {
			return err
		}
		counter, err := mnrt.MallocT[int64](rt, self)
		if err != nil {
			return err
		}

		children := make([]*mnrt.Thread, 0, workers)
		for i := 0; i < workers; i++ {
			child, _, err := rt.Spawn(self, func(th *mnrt.Thread) int64 {
				for j := 0; j < perWorker; j++ {
					rt.Lock(th, m)
					counter.Store(th, counter.Load(th)+1)
					rt.Unlock(th, m)
				}
				return 0
			})
			if err != nil {
				return err
			}
			children = append(children, child)
		}

		for _, c := range children {
			if _, err := rt.Join(self, c); err != nil {
				return err
			}
		}

		got := counter.Load(self)
		want := int64(workers * perWorker)
		if got != want {
			return errMismatch(want, got)
		}
		return nil
	})
}

// TestCondvarHandoff runs the ping-pong scenario at reduced iteration
// count: two threads alternate ownership of a shared flag through a mutex
// and condition variable.
func TestCondvarHandoff(t *testing.T) {
	const iterations = 500

	runWithTimeout(t, 10*time.Second, func() error {
		rt, err := mnrt.New(smallConfig(2))
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		self := rt.Self()
		m, err := rt.NewMutex()
		if err != nil {
			return err
		}
		cv, err := rt.NewCond()
		if err != nil {
			return err
		}
		flag, err := mnrt.MallocT[int64](rt, self)
		if err != nil {
			return err
		}
		// handoffs counts every turn change: the turn-indicator flag
		// itself only ever holds 1 or 2, so a separate counter bumped once
		// per handoff in each direction is what reaches 2*iterations.
		handoffs, err := mnrt.MallocT[int64](rt, self)
		if err != nil {
			return err
		}

		t2, _, err := rt.Spawn(self, func(th *mnrt.Thread) int64 {
			for i := 0; i < iterations; i++ {
				rt.Lock(th, m)
				for flag.Load(th) != 1 {
					rt.Wait(th, cv, m)
				}
				flag.Store(th, 2)
				handoffs.Store(th, handoffs.Load(th)+1)
				rt.Signal(th, cv)
				rt.Unlock(th, m)
			}
			return 0
		})
		if err != nil {
			return err
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
			return err
		}

		got := handoffs.Load(self)
		want := int64(2 * iterations)
		if got != want {
			return errMismatch(want, got)
		}
		return nil
	})
}

// TestBarrierRelease runs a barrier sweep: every participant (self plus
// two spawned workers) must observe the shared
// counter at exactly the participant count after the barrier releases.
func TestBarrierRelease(t *testing.T) {
	const participants = 3

	runWithTimeout(t, 10*time.Second, func() error {
		rt, err := mnrt.New(smallConfig(3))
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		self := rt.Self()
		b, err := rt.NewBarrier(participants)
		if err != nil {
			return err
		}
		m, err := rt.NewMutex()
		if err != nil {
			return err
		}
		counter, err := mnrt.MallocT[int64](rt, self)
		if err != nil {
			return err
		}
		observed, err := mnrt.MallocT[[participants]int64](rt, self)
		if err != nil {
			return err
		}

		bump := func(th *mnrt.Thread) int64 {
			rt.Lock(th, m)
			counter.Store(th, counter.Load(th)+1)
			rt.Unlock(th, m)
			return 0
		}

		children := make([]*mnrt.Thread, 0, participants-1)
		for i := 1; i < participants; i++ {
			idx := i
			child, _, err := rt.Spawn(self, func(th *mnrt.Thread) int64 {
				bump(th)
				rt.BarrierWait(th, b)
				arr := observed.Load(th)
				arr[idx] = counter.Load(th)
				observed.Store(th, arr)
				return 0
			})
			if err != nil {
				return err
			}
			children = append(children, child)
		}

		bump(self)
		rt.BarrierWait(self, b)
		arr := observed.Load(self)
		arr[0] = counter.Load(self)
		observed.Store(self, arr)

		for _, c := range children {
			if _, err := rt.Join(self, c); err != nil {
				return err
			}
		}

		final := observed.Load(self)
		for i, v := range final {
			if v != participants {
				return errMismatchAt(i, int64(participants), v)
			}
		}
		return nil
	})
}
