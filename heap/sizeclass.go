// Package heap implements the managed-region allocator backing the
// ingest surface's Malloc/Calloc/Realloc/Free family: a segregated
// size-class (Kingsley-style) heap with one exclusive sub-region per
// core. A core's entire sub-region is marked owned-by-that-core in the
// arena's owner table and mprotect'd RW once, in bulk, at heap
// construction, so ordinary allocation never needs to CAS an owner or
// fault — only a LATER cross-core access to an already-allocated block
// goes through arena.Ref's migration path.
package heap

// Size classes double from 16B to 4KiB, covering the small fixed records
// (counters, flags, queue nodes) host programs allocate most; larger
// requests fall through to the unmanaged large-object path.
var classSizes = [...]int64{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

const numClasses = len(classSizes)

// classFor returns the smallest size class that fits sz, or ok=false if sz
// exceeds the largest class (the caller must use the large-object path).
func classFor(sz int64) (class int, blockSize int64, ok bool) {
	for i, s := range classSizes {
		if sz <= s {
			return i, s, true
		}
	}
	return 0, 0, false
}
