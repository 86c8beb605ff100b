// Package framequeue provides the fixed-capacity frame queue sitting
// between the receive path and the broadcaster. Push never blocks: when
// the queue is full the oldest frame is evicted so the producer always
// runs at the sender's pace and consumers only ever see the freshest
// frames.
package framequeue

import (
	"sync"
	"time"

	"github.com/dgnsrekt/framerelay/internal/assemble"
)

// DefaultCapacity bounds end-to-end latency to a handful of frame
// intervals.
const DefaultCapacity = 5

// Queue is a bounded FIFO of completed frames with a drop-oldest
// overflow policy. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frames  []*assemble.Frame
	cap     int
	dropped uint64
	closed  bool
}

// New creates a Queue holding at most capacity frames.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		frames: make([]*assemble.Frame, 0, capacity),
		cap:    capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a frame, evicting the oldest one first when the queue is
// full. It never blocks and never fails.
func (q *Queue) Push(f *assemble.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if len(q.frames) == q.cap {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:q.cap-1]
		q.dropped++
	}
	q.frames = append(q.frames, f)
	q.cond.Signal()
}

// Pop removes and returns the oldest frame, waiting up to timeout for
// one to arrive. The second return value is false on timeout or after
// Close.
func (q *Queue) Pop(timeout time.Duration) (*assemble.Frame, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.frames) == 0 {
		if q.closed {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		// Cond has no timed wait; wake the waiter when the deadline
		// passes so the loop can re-check.
		t := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		t.Stop()
	}

	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the total number of frames evicted by overflow since
// construction.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes all waiters; subsequent pushes are dropped and pops fail
// immediately once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
