package arena

import (
	"sync/atomic"
	"unsafe"
)

// coreEntry is one record of the core->pid map: the OS pid hosting a
// core, and the arena offset of that core's private ready queue.
type coreEntry struct {
	pid         int64
	queueOffset int64
}

func (a *Arena) coreEntryAt(core CoreID) *coreEntry {
	h := a.hdr()
	off := h.corePidMapBase + int64(core)*int64(unsafe.Sizeof(coreEntry{}))
	return (*coreEntry)(unsafe.Pointer(&a.data[off]))
}

// RegisterCore publishes the OS pid hosting core and the offset of its
// private ready queue. Called exactly once per core during bootstrap.
func (a *Arena) RegisterCore(core CoreID, pid int, queueOffset Offset) {
	e := a.coreEntryAt(core)
	atomic.StoreInt64(&e.queueOffset, int64(queueOffset))
	atomic.StoreInt64(&e.pid, int64(pid))
}

// CorePID returns the OS pid bound to core, or 0 if not yet registered.
func (a *Arena) CorePID(core CoreID) int {
	return int(atomic.LoadInt64(&a.coreEntryAt(core).pid))
}

// CorePrivateQueue returns the List handle for core's private ready queue.
// This is derived directly from the static layout (PrivateQueueOffset), not
// from the coreEntry's queueOffset field: a core's Scheduler is constructed
// (and caches this queue) before RegisterCore ever runs for it, so the
// registered copy cannot be the source of truth for where the queue lives,
// only for what RegisterCore publishes in the core->pid map.
func (a *Arena) CorePrivateQueue(core CoreID) List {
	return a.ListAt(a.PrivateQueueOffset(core))
}

// PrivateQueueOffset returns the offset of the privateQueuesBase[core]
// header, computed directly from the header's base (used at bootstrap to
// populate RegisterCore before any core entry has been written yet).
func (a *Arena) PrivateQueueOffset(core CoreID) Offset {
	h := a.hdr()
	qSize := int64(unsafe.Sizeof(listHeader{}))
	return Offset(h.privateQueuesBase + int64(core)*qSize)
}

// SharedQueue returns the List handle for the cohort-wide shared ready
// queue.
func (a *Arena) SharedQueue() List {
	return a.ListAt(Offset(a.hdr().sharedQueueBase))
}

// DeadQueue returns the List handle for the dead-thread queue.
func (a *Arena) DeadQueue() List {
	return a.ListAt(Offset(a.hdr().deadQueueBase))
}

// ThreadTableBase is the offset the tcb package's ThreadTable overlays.
func (a *Arena) ThreadTableBase() Offset {
	return Offset(a.hdr().threadTableBase)
}
