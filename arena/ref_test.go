package arena_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/config"
)

// fakeCore is a minimal arena.FaultHandler stand-in: it reports whatever
// core it is told to, and records every Migrate call instead of actually
// rescheduling a goroutine — real migration is exercised end to end via
// the sched/syncprim integration tests, this one isolates Ref's acquire
// logic on its own.
type fakeCore struct {
	id        arena.CoreID
	migrateTo []arena.CoreID
}

func (f *fakeCore) CurrentCore() arena.CoreID { return f.id }
func (f *fakeCore) Migrate(page int64, owner arena.CoreID) {
	f.migrateTo = append(f.migrateTo, owner)
	f.id = owner
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CPUCores = 2
	cfg.HeapSize = 1 << 20
	cfg.MaxThreads = 16
	return cfg
}

func TestRefFirstAccessClaimsUnownedPage(t *testing.T) {
	a, err := arena.Create(testConfig())
	require.NoError(t, err)
	defer a.Close()

	ref := arena.RefAt[int64](a, arena.Offset(a.HeapBase()))
	core := &fakeCore{id: 0}

	require.Equal(t, arena.Unowned, a.LoadOwner(a.PageOf(ref.Offset())))
	ref.Store(core, 42)
	require.Equal(t, arena.CoreID(0), a.LoadOwner(a.PageOf(ref.Offset())))
	require.Equal(t, int64(42), ref.Load(core))
	require.Empty(t, core.migrateTo)
}

func TestRefLoadFromForeignCoreMigrates(t *testing.T) {
	a, err := arena.Create(testConfig())
	require.NoError(t, err)
	defer a.Close()

	ref := arena.RefAt[int64](a, arena.Offset(a.HeapBase()))
	owner := &fakeCore{id: 0}
	ref.Store(owner, 7)

	foreign := &fakeCore{id: 1}
	got := ref.Load(foreign)

	require.Equal(t, int64(7), got)
	require.Equal(t, []arena.CoreID{0}, foreign.migrateTo)
	require.Equal(t, arena.CoreID(0), foreign.id)
}

func TestRefWithMutatesInPlace(t *testing.T) {
	a, err := arena.Create(testConfig())
	require.NoError(t, err)
	defer a.Close()

	ref := arena.RefAt[int64](a, arena.Offset(a.HeapBase()))
	core := &fakeCore{id: 0}
	ref.Store(core, 1)
	ref.With(core, func(v *int64) { *v += 41 })
	require.Equal(t, int64(42), ref.Load(core))
}
