package mnrt_test

import (
	"testing"
	"time"

	"github.com/xlaez/mnrt"
	"github.com/xlaez/mnrt/config"
)

const (
	pcQueueCapacity = 16
	pcConsumers     = 7
	pcItems         = 1000000
)

// pcQueue is the bounded circular buffer the producer and every consumer
// share, guarded
// entirely by a mutex rather than the page-ownership protocol (every
// access below happens while holding m, so there is never more than one
// core actually touching it at a time).
type pcQueue struct {
	buf        [pcQueueCapacity]int64
	head, tail int32
	count      int32
}

// pcResults records, at the position each item was dequeued (not the
// position it was produced at), the value consumed there. Since every
// dequeue happens under the same mutex that orders the buffer itself, this
// position is the combined consumption order across all seven consumers.
type pcResults = [pcItems]int32

func pcConfig() config.Config {
	cfg := config.Default()
	cfg.CPUCores = pcConsumers + 1
	cfg.HeapSize = 64 << 20
	cfg.MaxThreads = 64
	return cfg
}

// TestProducerConsumerBroadcast runs the producer/consumer-with-broadcast
// scenario: one producer and seven consumers share a
// 16-slot bounded queue; 1,000,000 items flow end to end. Every item is
// consumed exactly once (the consumed counter is incremented exactly once
// per successful dequeue, under the same lock that performs the dequeue),
// and the combined consumption order matches the producer's enqueue order
// (a single mutex-guarded FIFO queue dequeues in enqueue order regardless
// of which consumer performs the call).
func TestProducerConsumerBroadcast(t *testing.T) {
	runWithTimeout(t, 60*time.Second, func() error {
		rt, err := mnrt.New(pcConfig())
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		self := rt.Self()
		m, err := rt.NewMutex()
		if err != nil {
			return err
		}
		notEmpty, err := rt.NewCond()
		if err != nil {
			return err
		}
		notFull, err := rt.NewCond()
		if err != nil {
			return err
		}
		queue, err := mnrt.MallocT[pcQueue](rt, self)
		if err != nil {
			return err
		}
		consumed, err := mnrt.MallocT[int64](rt, self)
		if err != nil {
			return err
		}
		results, err := mnrt.MallocT[pcResults](rt, self)
		if err != nil {
			return err
		}

		consumer := func(th *mnrt.Thread) int64 {
			for {
				rt.Lock(th, m)
				for {
					empty := false
					queue.With(th, func(q *pcQueue) { empty = q.count == 0 })
					if !empty {
						break
					}
					if consumed.Load(th) == int64(pcItems) {
						rt.Unlock(th, m)
						return 0
					}
					rt.Wait(th, notEmpty, m)
				}

				var v int64
				queue.With(th, func(q *pcQueue) {
					v = q.buf[q.head]
					q.head = (q.head + 1) % pcQueueCapacity
					q.count--
				})
				rt.Broadcast(notFull)

				pos := consumed.Load(th)
				consumed.Store(th, pos+1)
				results.With(th, func(r *pcResults) { r[pos] = int32(v) })

				// Wake any consumer parked waiting for "not empty": one of
				// them may actually be waiting to notice that consumed has
				// now reached pcItems and it should exit, not that a new
				// item arrived.
				rt.Broadcast(notEmpty)
				rt.Unlock(th, m)
			}
		}

		children := make([]*mnrt.Thread, 0, pcConsumers)
		for i := 0; i < pcConsumers; i++ {
			child, _, err := rt.Spawn(self, consumer)
			if err != nil {
				return err
			}
			children = append(children, child)
		}

		for i := int64(0); i < pcItems; i++ {
			rt.Lock(self, m)
			for {
				full := false
				queue.With(self, func(q *pcQueue) { full = q.count == pcQueueCapacity })
				if !full {
					break
				}
				rt.Wait(self, notFull, m)
			}
			queue.With(self, func(q *pcQueue) {
				q.buf[q.tail] = i
				q.tail = (q.tail + 1) % pcQueueCapacity
				q.count++
			})
			rt.Broadcast(notEmpty)
			rt.Unlock(self, m)
		}

		for _, c := range children {
			if _, err := rt.Join(self, c); err != nil {
				return err
			}
		}

		if got := consumed.Load(self); got != int64(pcItems) {
			return errMismatch(int64(pcItems), got)
		}
		final := results.Load(self)
		for i, v := range final {
			if v != int32(i) {
				return errMismatchAt(i, int64(i), int64(v))
			}
		}
		return nil
	})
}
