// Package config collects the compile-time constants of the runtime into a
// single struct so they can be overridden at bootstrap for testing without
// touching call sites throughout the rest of the tree.
package config

import (
	"os"

	"github.com/spf13/cast"
)

// PageSize is the unit of page-ownership tracking. Fixed: the owner table,
// mprotect calls, and fault-to-page-number arithmetic all assume 4 KiB.
const PageSize = 4096

// Config holds every runtime-tunable constant of the cohort.
type Config struct {
	// CPUCores is the number of worker processes in the cohort, one per
	// logical core. Default 8.
	CPUCores int

	// HeapSize is the size in bytes of the shared heap region. Default
	// ~1.6 GiB, clamped down for tests via MNRT_HEAP_SIZE.
	HeapSize int64

	// HeapChunk is the size of a single sub-allocator chunk (HeapSize/16
	// by default).
	HeapChunk int64

	// MaxThreads is the fixed size of the thread table. Default 4096.
	MaxThreads int

	// UserStackHint is informational only: Go goroutine stacks grow on
	// demand, so this does not pre-allocate anything.
	UserStackHint int64

	// FileBufferSize is the size of a relocated stdio buffer, part of the
	// contract an fopen/fclose interposition shim would consume; unused by
	// the core runtime itself.
	FileBufferSize int64

	// MutexWaitlistEnabled selects the waitlist-based Lock path (true)
	// over the pure-spin fallback (false). See DESIGN.md "Open Question
	// resolutions". Default true.
	MutexWaitlistEnabled bool
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		CPUCores:             8,
		HeapSize:             1717986918, // ~1.6 GiB
		HeapChunk:            1717986918 / 16,
		MaxThreads:           4096,
		UserStackHint:        1 << 20,
		FileBufferSize:       40 * 1024,
		MutexWaitlistEnabled: true,
	}
}

// FromEnv returns Default() with any MNRT_* environment variables applied on
// top. Malformed values are ignored in favor of the default, since a bad env
// var at bootstrap should not itself be a fatal condition.
func FromEnv() Config {
	c := Default()
	if v, ok := lookupInt("MNRT_CPU_CORES"); ok {
		c.CPUCores = v
	}
	if v, ok := lookupInt64("MNRT_HEAP_SIZE"); ok {
		c.HeapSize = v
		c.HeapChunk = v / 16
	}
	if v, ok := lookupInt("MNRT_MAX_THREADS"); ok {
		c.MaxThreads = v
	}
	if v, ok := lookupBool("MNRT_MUTEX_WAITLIST"); ok {
		c.MutexWaitlistEnabled = v
	}
	return c
}

func lookupInt(name string) (int, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := cast.ToIntE(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupInt64(name string) (int64, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := cast.ToInt64E(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupBool(name string) (bool, bool) {
	s, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	v, err := cast.ToBoolE(s)
	if err != nil {
		return false, false
	}
	return v, true
}

// Pages returns the number of pages covered by the given byte size, rounded
// up.
func Pages(size int64) int {
	return int((size + PageSize - 1) / PageSize)
}
