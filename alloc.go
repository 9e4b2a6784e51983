package mnrt

import (
	"unsafe"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/internal/fatal"
)

// Ptr is an opaque handle to a heap-allocated block, the ingest surface's
// stand-in for a C `void*` returned by malloc/calloc/realloc.
// Dereferencing it is done through arena.Ref's
// Load/Store/With, not through this package, since the page-ownership
// check those perform is independent of which allocator handed the block
// out.
type Ptr = arena.Ref[byte]

// Malloc allocates at least size bytes from t's core's sub-heap and
// returns the allocator's result directly.
func (r *Runtime) Malloc(t *Thread, size int64) (Ptr, error) {
	return r.cohort.Heap.Alloc(t.CurrentCore(), size)
}

// Calloc allocates n*size bytes, zero-filled.
func (r *Runtime) Calloc(t *Thread, n, size int64) (Ptr, error) {
	return r.cohort.Heap.Calloc(t.CurrentCore(), n, size)
}

// Realloc grows or shrinks an existing block.
func (r *Runtime) Realloc(t *Thread, p Ptr, newSize int64) (Ptr, error) {
	return r.cohort.Heap.Realloc(p, newSize)
}

// Free returns a block to its size class.
func (r *Runtime) Free(t *Thread, p Ptr) error {
	return r.cohort.Heap.Free(p)
}

// UsableSize reports the actual capacity backing p, which may exceed the
// size originally requested (it is the size of p's size class).
func (r *Runtime) UsableSize(p Ptr) (int64, bool) {
	return r.cohort.Heap.Size(p)
}

// MallocT allocates space for one T, zero-valued, and returns a typed Ref
// over it — a convenience layered on Malloc for host code that wants to
// treat a heap block as a single structured value (a shared counter, a
// linked-list node) rather than working with raw bytes directly.
func MallocT[T any](r *Runtime, t *Thread) (arena.Ref[T], error) {
	var zero T
	n := int64(unsafe.Sizeof(zero))
	b, err := r.Malloc(t, n)
	if err != nil {
		return arena.Ref[T]{}, err
	}
	typed := arena.RefAt[T](r.cohort.Arena, b.Offset())
	typed.Store(t, zero)
	return typed, nil
}

// Memalign is unsupported and fatal, the one allocator entry point this
// runtime deliberately does not implement rather than approximating.
func (r *Runtime) Memalign(t *Thread, alignment, size int64) Ptr {
	fatal.Abortf(nil, "Memalign is not supported")
	return Ptr{}
}
