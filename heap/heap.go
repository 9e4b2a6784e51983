package heap

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/config"
	"github.com/xlaez/mnrt/spinlock"
)

// headerSize is the width of the inline block header written immediately
// before every block this allocator hands out.
const headerSize = 8

// largeSentinel marks a block allocated on the unmanaged large-object path
// (bigger than the largest size class): such blocks carry no class index
// and cannot be freed or sized through this allocator.
const largeSentinel = int64(-(1 << 62))

// subheapRecord is one core's exclusive sub-region bookkeeping: a bump
// cursor and one free-list head per size class, kept in the arena metadata
// area (always RW, never subject to the page-ownership protocol) rather
// than inside the sub-region itself.
type subheapRecord struct {
	lock       int32
	base       int64
	end        int64
	bump       int64
	freeHeads  [numClasses]int64
}

var subheapRecordSize = int64(unsafe.Sizeof(subheapRecord{}))

// Heap is the per-cohort allocator: one subheapRecord per core, each
// governing its own disjoint, page-aligned slice of the arena's managed
// heap region.
type Heap struct {
	a         *arena.Arena
	coreCount int
	recBase   arena.Offset
}

// New partitions the arena's heap region into coreCount equal, page-aligned
// sub-regions, marks every page in each owned by its core, grants this
// process's mapping RW access to the whole heap region, and reserves the
// per-core bookkeeping array. It must be called exactly once, before any
// core's Scheduler starts running user threads: the batch set-owner step
// an allocator would otherwise perform per bump-allocated block happens
// here once per core's entire sub-region, since sub-region assignment —
// unlike an individual allocation — is known in full at heap construction
// time.
func New(a *arena.Arena, cfg config.Config) (*Heap, error) {
	recBase, err := a.AllocMeta(int64(cfg.CPUCores) * subheapRecordSize)
	if err != nil {
		return nil, errors.Wrap(err, "heap: allocate per-core bookkeeping")
	}

	layout := a.Layout()
	chunk := (layout.HeapSize / int64(cfg.CPUCores)) &^ (config.PageSize - 1)
	if chunk == 0 {
		return nil, errors.New("heap: HeapSize too small for CPUCores sub-regions")
	}

	h := &Heap{a: a, coreCount: cfg.CPUCores, recBase: recBase}

	for c := 0; c < cfg.CPUCores; c++ {
		base := layout.HeapBase + int64(c)*chunk
		r := h.rec(arena.CoreID(c))
		r.base = base
		r.end = base + chunk
		r.bump = base

		// Owner-table page ids are heap-relative (heap page 0 sits at
		// layout.HeapBase), not absolute arena offsets.
		startPage := (base - layout.HeapBase) / config.PageSize
		for page := startPage; page < startPage+chunk/config.PageSize; page++ {
			a.StoreOwner(page, arena.CoreID(c))
			if err := a.ProtectRWPage(page); err != nil {
				return nil, errors.Wrapf(err, "heap: protect core %d page %d", c, page)
			}
		}
	}

	return h, nil
}

func (h *Heap) rec(core arena.CoreID) *subheapRecord {
	off := int64(h.recBase) + int64(core)*subheapRecordSize
	return (*subheapRecord)(unsafe.Pointer(&h.a.Bytes(arena.Offset(off), subheapRecordSize)[0]))
}

func (h *Heap) coreForOffset(off int64) (arena.CoreID, bool) {
	for c := 0; c < h.coreCount; c++ {
		r := h.rec(arena.CoreID(c))
		if off >= r.base && off < r.end {
			return arena.CoreID(c), true
		}
	}
	return arena.Unowned, false
}

func (h *Heap) writeHeader(off int64, v int64) {
	p := (*int64)(unsafe.Pointer(&h.a.Bytes(arena.Offset(off), headerSize)[0]))
	*p = v
}

func (h *Heap) readHeader(off int64) int64 {
	p := (*int64)(unsafe.Pointer(&h.a.Bytes(arena.Offset(off), headerSize)[0]))
	return *p
}

// Alloc returns a Ref to a block of at least size bytes from core's
// sub-region. Allocation never needs to acquire page ownership via CAS:
// every page in core's sub-region was already marked owned by core, in
// bulk, at New time.
func (h *Heap) Alloc(core arena.CoreID, size int64) (arena.Ref[byte], error) {
	if size <= 0 {
		size = 1
	}
	r := h.rec(core)

	if class, blockSize, ok := classFor(size); ok {
		spinlock.Lock(&r.lock)
		if head := r.freeHeads[class]; head != 0 {
			r.freeHeads[class] = h.readHeader(head)
			spinlock.Unlock(&r.lock)
			h.writeHeader(head, int64(-(class + 1)))
			return arena.RefAt[byte](h.a, arena.Offset(head+headerSize)), nil
		}
		total := headerSize + blockSize
		if r.bump+total > r.end {
			spinlock.Unlock(&r.lock)
			return arena.Ref[byte]{}, errors.Errorf("heap: core %d out of memory for class size %d", core, blockSize)
		}
		off := r.bump
		r.bump += total
		spinlock.Unlock(&r.lock)
		h.writeHeader(off, int64(-(class + 1)))
		return arena.RefAt[byte](h.a, arena.Offset(off+headerSize)), nil
	}

	// Large-object path: a plain bump allocation with no free-list entry.
	total := headerSize + size
	spinlock.Lock(&r.lock)
	if r.bump+total > r.end {
		spinlock.Unlock(&r.lock)
		return arena.Ref[byte]{}, errors.Errorf("heap: core %d out of memory for large object size %d", core, size)
	}
	off := r.bump
	r.bump += total
	spinlock.Unlock(&r.lock)
	h.writeHeader(off, largeSentinel)
	return arena.RefAt[byte](h.a, arena.Offset(off+headerSize)), nil
}

// Calloc is Alloc followed by a zero-fill of the returned block.
func (h *Heap) Calloc(core arena.CoreID, n, size int64) (arena.Ref[byte], error) {
	total := n * size
	ref, err := h.Alloc(core, total)
	if err != nil {
		return ref, err
	}
	b := h.a.Bytes(ref.Offset(), total)
	for i := range b {
		b[i] = 0
	}
	return ref, nil
}

// Size reports the usable size of a live block, or ok=false for a large
// (unmanaged) or already-freed block, which a plain 0 return could not
// distinguish from an actually-zero-sized class.
func (h *Heap) Size(ref arena.Ref[byte]) (int64, bool) {
	v := h.readHeader(int64(ref.Offset()) - headerSize)
	if v >= 0 || v == largeSentinel {
		return 0, false
	}
	return classSizes[int(-v)-1], true
}

// Free returns a block to its size class's free list. Freeing a large
// (unmanaged) block, an offset this allocator never
// returned, or a block already on its free list (detected because its
// header no longer carries a negative class tag) is reported as an error
// rather than corrupting the free list.
func (h *Heap) Free(ref arena.Ref[byte]) error {
	dataOff := int64(ref.Offset())
	hdrOff := dataOff - headerSize
	v := h.readHeader(hdrOff)
	if v >= 0 {
		return errors.New("heap: double free or invalid pointer")
	}
	if v == largeSentinel {
		return errors.New("heap: free of large/unmanaged block is not supported")
	}
	class := int(-v) - 1

	core, ok := h.coreForOffset(hdrOff)
	if !ok {
		return errors.New("heap: pointer does not belong to any core's sub-region")
	}
	r := h.rec(core)

	spinlock.Lock(&r.lock)
	h.writeHeader(hdrOff, r.freeHeads[class])
	r.freeHeads[class] = hdrOff
	spinlock.Unlock(&r.lock)
	return nil
}

// Realloc grows or shrinks a block: if newSize still
// fits the block's current size class it is returned unchanged; otherwise
// a fresh block is allocated, the lesser of the old and new sizes is
// copied, and the old block is freed.
func (h *Heap) Realloc(ref arena.Ref[byte], newSize int64) (arena.Ref[byte], error) {
	oldSize, ok := h.Size(ref)
	if !ok {
		return arena.Ref[byte]{}, errors.New("heap: realloc of large/unmanaged or invalid block is not supported")
	}
	if _, newBlockSize, fits := classFor(newSize); fits && newBlockSize == oldSize {
		return ref, nil
	}

	next, err := h.Alloc(mustCoreFor(h, ref), newSize)
	if err != nil {
		return arena.Ref[byte]{}, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(h.a.Bytes(next.Offset(), n), h.a.Bytes(ref.Offset(), n))
	if err := h.Free(ref); err != nil {
		return next, err
	}
	return next, nil
}

func mustCoreFor(h *Heap, ref arena.Ref[byte]) arena.CoreID {
	core, ok := h.coreForOffset(int64(ref.Offset()) - headerSize)
	if !ok {
		return 0
	}
	return core
}
