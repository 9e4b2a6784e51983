package ready_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/config"
	"github.com/xlaez/mnrt/ready"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CPUCores = 1
	cfg.HeapSize = 1 << 20
	cfg.MaxThreads = 16
	return cfg
}

// nodes allocates n list nodes from the metadata area, each big enough to
// hold just an arena.Link, and returns their offsets — a standin for the
// TCB/waitlist nodes a real caller would enqueue.
func nodes(t *testing.T, a *arena.Arena, n int) []arena.Offset {
	t.Helper()
	offs := make([]arena.Offset, n)
	for i := range offs {
		off, err := a.AllocMeta(16)
		require.NoError(t, err)
		offs[i] = off
	}
	return offs
}

func TestQueueFIFOOrder(t *testing.T) {
	a, err := arena.Create(testConfig())
	require.NoError(t, err)
	defer a.Close()

	q := ready.Shared(a)
	offs := nodes(t, a, 4)
	for _, off := range offs {
		q.Enqueue(off)
	}
	require.Equal(t, 4, q.Len())

	for _, want := range offs {
		got, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := q.Dequeue()
	require.False(t, ok)
}

func TestQueueRemoveDetachesMidList(t *testing.T) {
	a, err := arena.Create(testConfig())
	require.NoError(t, err)
	defer a.Close()

	q := ready.Dead(a)
	offs := nodes(t, a, 3)
	for _, off := range offs {
		q.Enqueue(off)
	}

	q.Remove(offs[1])
	require.Equal(t, 2, q.Len())

	first, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, offs[0], first)

	second, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, offs[2], second)
}

func TestQueueEnqueueAllSplicesAndEmptiesSource(t *testing.T) {
	a, err := arena.Create(testConfig())
	require.NoError(t, err)
	defer a.Close()

	dst := ready.Private(a, 0)
	src := ready.Shared(a)

	dstOffs := nodes(t, a, 2)
	for _, off := range dstOffs {
		dst.Enqueue(off)
	}
	srcOffs := nodes(t, a, 3)
	for _, off := range srcOffs {
		src.Enqueue(off)
	}

	dst.EnqueueAll(src)
	require.False(t, src.HasWork())
	require.Equal(t, 0, src.Len())
	require.Equal(t, 5, dst.Len())

	want := append(append([]arena.Offset{}, dstOffs...), srcOffs...)
	for _, w := range want {
		got, ok := dst.Dequeue()
		require.True(t, ok)
		require.Equal(t, w, got)
	}
}
