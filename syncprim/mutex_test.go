package syncprim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/sched"
	"github.com/xlaez/mnrt/syncprim"
)

// TestMutexMutualExclusion races several worker threads incrementing a
// shared counter under one mutex; they must never observe a torn
// read-modify-write, so the final sum is exact.
func TestMutexMutualExclusion(t *testing.T) {
	const workers = 4
	const perWorker = 1000

	run(t, 4, 10*time.Second, func(c *cohort) {
		m, err := syncprim.NewMutex(c.a, true)
		require.NoError(t, err)

		counterOff, err := c.a.AllocMeta(8)
		require.NoError(t, err)
		counter := arena.RefAt[int64](c.a, counterOff)

		children := make([]*sched.Thread, 0, workers)
		for i := 0; i < workers; i++ {
			child, _, err := sched.Spawn(c.main, func(self *sched.Thread) int64 {
				for j := 0; j < perWorker; j++ {
					m.Lock(self)
					counter.Store(self, counter.Load(self)+1)
					m.Unlock(self)
				}
				return 0
			})
			require.NoError(t, err)
			children = append(children, child)
		}

		for _, ch := range children {
			_, err := c.main.Join(ch)
			require.NoError(t, err)
		}

		require.Equal(t, int64(workers*perWorker), counter.Load(c.main))
	})
}

// TestTryLockDoesNotBlock verifies TryLock reports contention without
// parking the caller.
func TestTryLockDoesNotBlock(t *testing.T) {
	run(t, 1, 2*time.Second, func(c *cohort) {
		m, err := syncprim.NewMutex(c.a, true)
		require.NoError(t, err)

		require.True(t, m.TryLock(c.main))
		require.False(t, m.TryLock(c.main))
		m.Unlock(c.main)
		require.True(t, m.TryLock(c.main))
		m.Unlock(c.main)
	})
}

// TestMutexLazyInitOnZeroedBlock exercises lazy first-use init: the
// first Lock on a zeroed control block initializes it under the spinlock,
// with no NewMutex call ever made for it.
func TestMutexLazyInitOnZeroedBlock(t *testing.T) {
	run(t, 1, 2*time.Second, func(c *cohort) {
		off, err := c.a.AllocMeta(syncprim.MutexRecordSize())
		require.NoError(t, err)
		m := syncprim.OpenMutex(c.a, off, true)

		m.Lock(c.main)
		m.Unlock(c.main)
		require.True(t, m.TryLock(c.main))
		m.Unlock(c.main)
	})
}

// TestMutexDestroyAllowsLazyReinit verifies Destroy clears the init
// magic, so a later Lock on the same block re-initializes it.
func TestMutexDestroyAllowsLazyReinit(t *testing.T) {
	run(t, 1, 2*time.Second, func(c *cohort) {
		m, err := syncprim.NewMutex(c.a, true)
		require.NoError(t, err)

		m.Lock(c.main)
		m.Unlock(c.main)
		m.Destroy()

		m2 := syncprim.OpenMutex(c.a, m.Offset(), true)
		m2.Lock(c.main)
		m2.Unlock(c.main)
		m2.Destroy()
	})
}

// TestUnlockHandsOffDirectlyToWaiter exercises the direct-handoff design:
// a thread unlocked by another's Unlock observes ownership already
// assigned to it, rather than re-racing for the mutex.
func TestUnlockHandsOffDirectlyToWaiter(t *testing.T) {
	run(t, 2, 5*time.Second, func(c *cohort) {
		m, err := syncprim.NewMutex(c.a, true)
		require.NoError(t, err)

		m.Lock(c.main)

		acquired := make(chan struct{})
		child, _, err := sched.Spawn(c.main, func(self *sched.Thread) int64 {
			m.Lock(self)
			close(acquired)
			m.Unlock(self)
			return 0
		})
		require.NoError(t, err)

		select {
		case <-acquired:
			t.Fatal("child acquired lock before parent unlocked")
		case <-time.After(50 * time.Millisecond):
		}

		m.Unlock(c.main)

		_, err = c.main.Join(child)
		require.NoError(t, err)
		select {
		case <-acquired:
		default:
			t.Fatal("child never acquired the handed-off lock")
		}
	})
}
