// Package ready names the three flavors of run queue the scheduler
// dispatches from: each core's private queue, the cohort-wide shared
// queue, and the dead queue threads park themselves on at exit. All three
// are the same underlying arena.List; this package exists only to give
// them queue-domain names and a constructor per core.
package ready

import "github.com/xlaez/mnrt/arena"

// Queue is a named handle onto one of a core's or the cohort's ready
// queues.
type Queue struct {
	list arena.List
}

// Wrap adapts an already-initialized arena.List into a Queue.
func Wrap(l arena.List) Queue { return Queue{list: l} }

// Enqueue appends a TCB (by its arena offset) to the tail of the queue.
func (q Queue) Enqueue(tcbOff arena.Offset) { q.list.Enqueue(tcbOff) }

// Dequeue removes and returns the head TCB offset, FIFO.
func (q Queue) Dequeue() (arena.Offset, bool) { return q.list.Dequeue() }

// EnqueueAll splices another queue's entire contents onto this one's
// tail, used when a condvar Broadcast or barrier release moves a whole
// waitlist onto a ready queue in one step.
func (q Queue) EnqueueAll(src Queue) { q.list.EnqueueAll(src.list) }

// HasWork is a racy non-empty check used by the scheduler's selection
// loop to decide which queue to try dequeuing from next.
func (q Queue) HasWork() bool { return q.list.HasWork() }

// Remove detaches tcbOff from this queue without waiting for it to reach
// the head, used by Join to reclaim a joinee's TCB out of the dead queue.
func (q Queue) Remove(tcbOff arena.Offset) { q.list.Remove(tcbOff) }

// Len reports the current queue length (diagnostics/tests only).
func (q Queue) Len() int { return q.list.Len() }

// Private returns core's private ready queue.
func Private(a *arena.Arena, core arena.CoreID) Queue {
	return Wrap(a.CorePrivateQueue(core))
}

// Shared returns the cohort-wide shared ready queue.
func Shared(a *arena.Arena) Queue {
	return Wrap(a.SharedQueue())
}

// Dead returns the dead-thread queue threads enqueue themselves to at
// exit, for a joiner to later remove and reclaim.
func Dead(a *arena.Arena) Queue {
	return Wrap(a.DeadQueue())
}
