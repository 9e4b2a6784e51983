package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/config"
	"github.com/xlaez/mnrt/heap"
)

func testConfig(cores int) config.Config {
	cfg := config.Default()
	cfg.CPUCores = cores
	cfg.HeapSize = 1 << 20
	cfg.MaxThreads = 16
	return cfg
}

func newHeap(t *testing.T, cores int) (*arena.Arena, *heap.Heap) {
	t.Helper()
	cfg := testConfig(cores)
	a, err := arena.Create(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	h, err := heap.New(a, cfg)
	require.NoError(t, err)
	return a, h
}

func TestAllocRoundsUpToSizeClass(t *testing.T) {
	_, h := newHeap(t, 1)

	ref, err := h.Alloc(0, 20)
	require.NoError(t, err)
	size, ok := h.Size(ref)
	require.True(t, ok)
	require.Equal(t, int64(32), size)
}

func TestFreeThenAllocReusesBlock(t *testing.T) {
	_, h := newHeap(t, 1)

	first, err := h.Alloc(0, 16)
	require.NoError(t, err)
	require.NoError(t, h.Free(first))

	second, err := h.Alloc(0, 16)
	require.NoError(t, err)
	require.Equal(t, first.Offset(), second.Offset())
}

func TestDoubleFreeIsAnError(t *testing.T) {
	_, h := newHeap(t, 1)

	ref, err := h.Alloc(0, 16)
	require.NoError(t, err)
	require.NoError(t, h.Free(ref))
	require.Error(t, h.Free(ref))
}

func TestCallocZeroFills(t *testing.T) {
	a, h := newHeap(t, 1)

	ref, err := h.Alloc(0, 64)
	require.NoError(t, err)
	b := a.Bytes(ref.Offset(), 64)
	for i := range b {
		b[i] = 0xFF
	}
	require.NoError(t, h.Free(ref))

	ref2, err := h.Calloc(0, 8, 8)
	require.NoError(t, err)
	for _, v := range a.Bytes(ref2.Offset(), 64) {
		require.Equal(t, byte(0), v)
	}
}

func TestReallocWithinSameClassIsNoop(t *testing.T) {
	_, h := newHeap(t, 1)

	ref, err := h.Alloc(0, 20)
	require.NoError(t, err)
	grown, err := h.Realloc(ref, 24)
	require.NoError(t, err)
	require.Equal(t, ref.Offset(), grown.Offset())
}

func TestReallocToLargerClassCopiesAndFrees(t *testing.T) {
	a, h := newHeap(t, 1)

	ref, err := h.Alloc(0, 16)
	require.NoError(t, err)
	copy(a.Bytes(ref.Offset(), 16), []byte("0123456789abcdef"))

	grown, err := h.Realloc(ref, 100)
	require.NoError(t, err)
	require.NotEqual(t, ref.Offset(), grown.Offset())
	require.Equal(t, []byte("0123456789abcdef"), a.Bytes(grown.Offset(), 16))

	size, ok := h.Size(grown)
	require.True(t, ok)
	require.Equal(t, int64(128), size)
}

func TestLargeObjectCannotBeFreedOrSized(t *testing.T) {
	_, h := newHeap(t, 1)

	ref, err := h.Alloc(0, 8192)
	require.NoError(t, err)

	_, ok := h.Size(ref)
	require.False(t, ok)
	require.Error(t, h.Free(ref))
}

func TestPerCoreSubregionsAreDisjoint(t *testing.T) {
	_, h := newHeap(t, 2)

	a0, err := h.Alloc(0, 16)
	require.NoError(t, err)
	a1, err := h.Alloc(1, 16)
	require.NoError(t, err)

	require.NotEqual(t, a0.Offset(), a1.Offset())
}
