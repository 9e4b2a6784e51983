package spinlock_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xlaez/mnrt/spinlock"
)

func TestLockUnlockMutualExclusion(t *testing.T) {
	var lock int32
	var counter int
	var wg sync.WaitGroup

	const goroutines = 50
	const perGoroutine = 200

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				spinlock.Lock(&lock)
				counter++
				spinlock.Unlock(&lock)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, goroutines*perGoroutine, counter)
}

func TestTryLock(t *testing.T) {
	var lock int32
	require.True(t, spinlock.TryLock(&lock))
	require.False(t, spinlock.TryLock(&lock))
	spinlock.Unlock(&lock)
	require.True(t, spinlock.TryLock(&lock))
}
