package syncprim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/sched"
	"github.com/xlaez/mnrt/syncprim"
)

// TestCondvarPingPong runs a ping-pong handoff at reduced iteration
// count: two threads alternate ownership of a shared flag through a mutex
// and condition variable, exercising atomic release — Wait never misses a
// Signal that happens between checking the predicate and actually
// parking.
func TestCondvarPingPong(t *testing.T) {
	const iterations = 500

	run(t, 2, 10*time.Second, func(c *cohort) {
		m, err := syncprim.NewMutex(c.a, true)
		require.NoError(t, err)
		cv, err := syncprim.NewCond(c.a)
		require.NoError(t, err)

		flagOff, err := c.a.AllocMeta(8)
		require.NoError(t, err)
		flag := arena.RefAt[int64](c.a, flagOff)

		child, _, err := sched.Spawn(c.main, func(self *sched.Thread) int64 {
			for i := 0; i < iterations; i++ {
				m.Lock(self)
				for flag.Load(self) != 1 {
					cv.Wait(self, m)
				}
				flag.Store(self, 2)
				cv.Signal(self)
				m.Unlock(self)
			}
			return 0
		})
		require.NoError(t, err)

		for i := 0; i < iterations; i++ {
			m.Lock(c.main)
			flag.Store(c.main, 1)
			cv.Signal(c.main)
			for flag.Load(c.main) != 2 {
				cv.Wait(c.main, m)
			}
			m.Unlock(c.main)
		}

		_, err = c.main.Join(child)
		require.NoError(t, err)
		require.Equal(t, int64(2), flag.Load(c.main))
	})
}

// TestBroadcastWakesEveryWaiter exercises Cond.Broadcast moving an entire
// waitlist onto the ready queue in one step.
func TestBroadcastWakesEveryWaiter(t *testing.T) {
	const waiters = 3

	run(t, waiters+1, 10*time.Second, func(c *cohort) {
		m, err := syncprim.NewMutex(c.a, true)
		require.NoError(t, err)
		cv, err := syncprim.NewCond(c.a)
		require.NoError(t, err)

		readyOff, err := c.a.AllocMeta(8)
		require.NoError(t, err)
		ready := arena.RefAt[int64](c.a, readyOff)

		children := make([]*sched.Thread, 0, waiters)
		for i := 0; i < waiters; i++ {
			child, _, err := sched.Spawn(c.main, func(self *sched.Thread) int64 {
				m.Lock(self)
				for ready.Load(self) == 0 {
					cv.Wait(self, m)
				}
				m.Unlock(self)
				return 0
			})
			require.NoError(t, err)
			children = append(children, child)
		}

		// give every waiter a chance to actually park before broadcasting
		time.Sleep(50 * time.Millisecond)

		m.Lock(c.main)
		ready.Store(c.main, 1)
		cv.Broadcast()
		m.Unlock(c.main)

		for _, ch := range children {
			_, err := c.main.Join(ch)
			require.NoError(t, err)
		}
	})
}
