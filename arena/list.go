package arena

import (
	"unsafe"

	"github.com/xlaez/mnrt/spinlock"
)

// Link is the intrusive doubly linked list node every list-resident record
// (a TCB's queue link, a joinqueue or waitlist entry) embeds as its first
// field. Keeping it at offset 0 of the node's own allocation means a
// node's Offset and its Link's Offset coincide, so list operations only
// ever need one Offset per node — the classic embedded-list-head idiom,
// expressed over arena offsets instead of raw pointers.
type Link struct {
	Prev, Next Offset
}

// listHeader is the list sentinel: a lock plus head/tail offsets. It does
// not itself sit in a list (it has no Link), which is why ready-queue and
// waitlist headers are allocated as their own fixed records rather than
// being degenerate list nodes.
type listHeader struct {
	lock  int32
	head  Offset
	tail  Offset
	count int64
}

func (h *listHeader) init() {
	h.lock = 0
	h.head = Nil
	h.tail = Nil
	h.count = 0
}

func (a *Arena) listHeaderAt(off Offset) *listHeader {
	return (*listHeader)(unsafe.Pointer(&a.data[off]))
}

// LinkAt returns the Link embedded at the start of the node allocated at
// off. The node offset and its Link offset are always identical (see
// Link's doc comment).
func (a *Arena) LinkAt(off Offset) *Link {
	return (*Link)(unsafe.Pointer(&a.data[off]))
}

// List is a handle to one arena-resident list (a ready queue, a waitlist,
// the dead queue, a joinqueue). It is a thin value type: all state lives in
// the arena at Header, so a List is safe to pass by value across goroutines
// and is meaningful in every worker process that maps the same arena.
type List struct {
	a      *Arena
	Header Offset
}

// ListAt wraps an already-initialized list header at off.
func (a *Arena) ListAt(off Offset) List {
	return List{a: a, Header: off}
}

// NewListHeader allocates a fresh list header through the recyclable
// list-header pool and initializes it empty, for callers (tcb.New's
// joinqueue, syncprim's waitlists) that need their own ad hoc list rather
// than one of the bootstrap-reserved ready queues. Unlike a raw AllocMeta
// call, a header handed out this way can be returned via
// Arena.FreeListHeader for reuse by a later NewListHeader, which is what
// lets tcb.Handle.Free reclaim a reaped thread's joinqueue header instead
// of leaking it.
func (a *Arena) NewListHeader() (Offset, List, error) {
	off, err := a.ListHeaderPool().Alloc()
	if err != nil {
		return Nil, List{}, err
	}
	a.listHeaderAt(off).init()
	return off, a.ListAt(off), nil
}

func (l List) hdr() *listHeader {
	return l.a.listHeaderAt(l.Header)
}

// Enqueue appends node to the tail of the list. node's Link must be idle
// (both fields Nil) before calling.
func (l List) Enqueue(node Offset) {
	h := l.hdr()
	spinlock.Lock(&h.lock)
	l.enqueueLocked(node)
	spinlock.Unlock(&h.lock)
}

func (l List) enqueueLocked(node Offset) {
	h := l.hdr()
	link := l.a.LinkAt(node)
	link.Prev = h.tail
	link.Next = Nil
	if h.tail != Nil {
		l.a.LinkAt(h.tail).Next = node
	} else {
		h.head = node
	}
	h.tail = node
	h.count++
}

// Dequeue removes and returns the head of the list, or (Nil, false) if
// empty. The returned node's Link is reset to idle.
func (l List) Dequeue() (Offset, bool) {
	h := l.hdr()
	spinlock.Lock(&h.lock)
	node, ok := l.dequeueLocked()
	spinlock.Unlock(&h.lock)
	return node, ok
}

func (l List) dequeueLocked() (Offset, bool) {
	h := l.hdr()
	if h.head == Nil {
		return Nil, false
	}
	node := h.head
	link := l.a.LinkAt(node)
	h.head = link.Next
	if h.head != Nil {
		l.a.LinkAt(h.head).Prev = Nil
	} else {
		h.tail = Nil
	}
	link.Prev, link.Next = Nil, Nil
	h.count--
	return node, true
}

// Remove detaches an arbitrary node from the list, used when a reaped
// thread's TCB must be pulled out of the dead queue without waiting for it
// to reach the head.
func (l List) Remove(node Offset) {
	h := l.hdr()
	spinlock.Lock(&h.lock)
	link := l.a.LinkAt(node)
	if link.Prev != Nil {
		l.a.LinkAt(link.Prev).Next = link.Next
	} else {
		h.head = link.Next
	}
	if link.Next != Nil {
		l.a.LinkAt(link.Next).Prev = link.Prev
	} else {
		h.tail = link.Prev
	}
	link.Prev, link.Next = Nil, Nil
	h.count--
	spinlock.Unlock(&h.lock)
}

// EnqueueAll splices the entirety of src onto the tail of l, preserving
// src's relative order, and leaves src empty. Condvar Broadcast and
// barrier release use it to move a whole waitlist onto the shared ready
// queue in one step.
func (l List) EnqueueAll(src List) {
	dh := l.hdr()
	sh := src.hdr()

	// Lock order: always the lower arena offset first, to avoid deadlock
	// against a concurrent EnqueueAll running in the opposite direction
	// between the same two lists. This is the one place two list locks
	// are ever held simultaneously; ordering by offset keeps it
	// deadlock-free.
	first, second := &dh.lock, &sh.lock
	if l.Header > src.Header {
		first, second = second, first
	}
	spinlock.Lock(first)
	spinlock.Lock(second)
	defer spinlock.Unlock(second)
	defer spinlock.Unlock(first)

	if sh.head == Nil {
		return
	}
	if dh.tail != Nil {
		l.a.LinkAt(dh.tail).Next = sh.head
		l.a.LinkAt(sh.head).Prev = dh.tail
	} else {
		dh.head = sh.head
	}
	dh.tail = sh.tail
	dh.count += sh.count

	sh.head, sh.tail, sh.count = Nil, Nil, 0
}

// HasWork reports whether the list is non-empty, without acquiring the
// lock (a racy hint only, matching how the scheduler's selection loop uses
// it: a false negative just means it tries the next queue and comes back
// around).
func (l List) HasWork() bool {
	return l.hdr().head != Nil
}

// Len returns the current element count (best-effort, not lock-free
// consistent with concurrent mutation; used by tests and diagnostics only).
func (l List) Len() int {
	return int(l.hdr().count)
}
