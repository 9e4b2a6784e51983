// Command quicksort sorts in parallel on the thread runtime: a uniformly
// random uint32 array of length 2^20 is sorted in place by partitioning
// and forking to at most 8 concurrent threads, joining children as each
// half completes, then compared byte-for-byte against a serial stable
// sort of the same input.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync/atomic"

	"github.com/xlaez/mnrt"
	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/config"
)

const (
	n                  = 1 << 20
	maxConcurrentSorts = 8
	insertionThreshold = 16
)

// payload is the shared array's value type: a fixed-size array rather
// than a slice, since arena.Ref[T] covers exactly one value of T and the
// whole array must live in a single allocation for a single ownership
// check to cover every element.
type payload = [n]uint32

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "quicksort:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	cfg.CPUCores = maxConcurrentSorts

	rt, err := mnrt.New(cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer rt.Shutdown()

	self := rt.Self()

	src := make([]uint32, n)
	rng := rand.New(rand.NewSource(1))
	for i := range src {
		src[i] = rng.Uint32()
	}

	want := make([]uint32, n)
	copy(want, src)
	sort.SliceStable(want, func(i, j int) bool { return want[i] < want[j] })

	arr, err := mnrt.MallocT[payload](rt, self)
	if err != nil {
		return fmt.Errorf("malloc array: %w", err)
	}
	arr.With(self, func(a *payload) { copy(a[:], src) })

	// One thread (self) is already spent; budget bounds how many more may
	// run concurrently, for a total of at most maxConcurrentSorts.
	budget := int32(maxConcurrentSorts - 1)
	sortRange(rt, self, arr, 0, n, &budget)

	got := make([]uint32, n)
	arr.With(self, func(a *payload) { copy(got, a[:]) })

	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("mismatch at index %d: got %d, want %d", i, got[i], want[i])
		}
	}
	fmt.Printf("quicksort: %d elements sorted and verified byte-for-byte against a serial stable sort\n", n)
	return nil
}

// sortRange sorts arr[lo:hi) in place. While budget allows, it forks a
// child thread for one half of the partition and joins it after finishing
// the other half itself, falling back to plain sequential recursion once
// the thread budget is exhausted.
func sortRange(rt *mnrt.Runtime, t *mnrt.Thread, arr arena.Ref[payload], lo, hi int, budget *int32) {
	if hi-lo <= 1 {
		return
	}
	if hi-lo <= insertionThreshold {
		insertionSort(t, arr, lo, hi)
		return
	}

	p := partition(t, arr, lo, hi)

	if atomic.AddInt32(budget, -1) >= 0 {
		child, _, err := rt.Spawn(t, func(ct *mnrt.Thread) int64 {
			sortRange(rt, ct, arr, p+1, hi, budget)
			return 0
		})
		if err == nil {
			sortRange(rt, t, arr, lo, p, budget)
			_, _ = rt.Join(t, child)
			return
		}
		atomic.AddInt32(budget, 1)
	} else {
		atomic.AddInt32(budget, 1)
	}

	sortRange(rt, t, arr, lo, p, budget)
	sortRange(rt, t, arr, p+1, hi, budget)
}

// partition runs a Lomuto partition over arr[lo:hi) in a single ownership
// acquisition, returning the pivot's final index.
func partition(t *mnrt.Thread, arr arena.Ref[payload], lo, hi int) int {
	var p int
	arr.With(t, func(a *payload) {
		pivot := a[hi-1]
		i := lo
		for j := lo; j < hi-1; j++ {
			if a[j] < pivot {
				a[i], a[j] = a[j], a[i]
				i++
			}
		}
		a[i], a[hi-1] = a[hi-1], a[i]
		p = i
	})
	return p
}

// insertionSort handles small ranges in a single ownership acquisition,
// avoiding the overhead of forking a thread for work too small to benefit.
func insertionSort(t *mnrt.Thread, arr arena.Ref[payload], lo, hi int) {
	arr.With(t, func(a *payload) {
		for i := lo + 1; i < hi; i++ {
			v := a[i]
			j := i - 1
			for j >= lo && a[j] > v {
				a[j+1] = a[j]
				j--
			}
			a[j+1] = v
		}
	})
}
