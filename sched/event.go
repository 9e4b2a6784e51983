package sched

import (
	"github.com/xlaez/mnrt/arena"
	"github.com/xlaez/mnrt/ready"
)

// Event is the tagged record a yielding user thread leaves for its
// scheduler to act on after the switch. It is a closed sum type — an
// interface with an unexported marker method, the usual Go stand-in —
// dispatched with a type switch in the scheduler loop, never virtual
// dispatch crossing a process boundary: every Event here is created and
// consumed within the same worker process, carried over a plain Go
// channel rather than placed in the arena, since only the goroutine that
// pushed it and the scheduler goroutine that drains it ever need to see
// it.
type Event interface {
	isEvent()
}

// YieldToQueue asks the scheduler to enqueue the yielding thread onto
// Queue once the switch back to the scheduler has completed.
type YieldToQueue struct {
	Queue ready.Queue
	TCB   arena.Offset
}

func (YieldToQueue) isEvent() {}

// ReleaseLock asks the scheduler to release Lock on the yielding thread's
// behalf after the switch, the primitive that prevents a wake-before-park
// race.
type ReleaseLock struct {
	Lock *int32
}

func (ReleaseLock) isEvent() {}
