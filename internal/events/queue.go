package events

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/tiplot/config"
)

// Queue is an unbounded multi-producer single-consumer FIFO of events.
//
// Push never blocks and never drops: when the ring is full it doubles.
// Memory is therefore bounded only by how far producers outrun the
// consumer; the consumer bounds its own work per cycle with DrainN.
type Queue struct {
	mu     sync.Mutex
	data   []Event
	head   int // oldest element
	count  int
	closed bool

	notify chan struct{}

	pushCount atomic.Int64
	popCount  atomic.Int64
	growCount atomic.Int64
	highWater atomic.Int64
}

// NewQueue creates a queue with the given initial capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = config.DefaultQueueCapacity
	}
	return &Queue{
		data:   make([]Event, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends an event. Returns false only after Close.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.count == len(q.data) {
		q.grow()
	}
	q.data[(q.head+q.count)%len(q.data)] = ev
	q.count++
	if int64(q.count) > q.highWater.Load() {
		q.highWater.Store(int64(q.count))
	}
	q.mu.Unlock()

	q.pushCount.Add(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// grow doubles the ring, unrolling it so head is at index 0.
// Caller holds mu.
func (q *Queue) grow() {
	next := make([]Event, len(q.data)*2)
	for i := 0; i < q.count; i++ {
		next[i] = q.data[(q.head+i)%len(q.data)]
	}
	q.data = next
	q.head = 0
	q.growCount.Add(1)
}

// pop removes the oldest element. Caller holds mu and has checked count.
func (q *Queue) pop() Event {
	ev := q.data[q.head]
	q.data[q.head] = Event{} // Clear for GC
	q.head = (q.head + 1) % len(q.data)
	q.count--
	return ev
}

// DrainN removes and returns up to n oldest events in FIFO order.
func (q *Queue) DrainN(n int) []Event {
	return q.DrainCounted(n, nil)
}

// DrainCounted removes events in FIFO order until n events for which
// counted returns true have been taken or the queue is empty. Events not
// counted ride along for free. A nil counted counts every event.
func (q *Queue) DrainCounted(n int, counted func(Event) bool) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 || n <= 0 {
		return nil
	}

	var out []Event
	taken := 0
	for q.count > 0 && taken < n {
		ev := q.pop()
		out = append(out, ev)
		if counted == nil || counted(ev) {
			taken++
		}
	}

	q.popCount.Add(int64(len(out)))
	return out
}

// Notify returns a channel that receives a value after a Push. Several
// pushes may coalesce into one signal.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Close rejects further pushes. Events already queued can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Discard drains and releases every queued event. Returns the count.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for q.count > 0 {
		q.pop().Release()
	}
	q.popCount.Add(int64(n))
	return n
}

// Len returns the current number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the current ring capacity.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Stats returns queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Capacity:  len(q.data),
		Count:     q.count,
		HighWater: int(q.highWater.Load()),
		PushCount: q.pushCount.Load(),
		PopCount:  q.popCount.Load(),
		GrowCount: q.growCount.Load(),
	}
}

// QueueStats holds queue statistics.
type QueueStats struct {
	Capacity  int
	Count     int
	HighWater int
	PushCount int64
	PopCount  int64
	GrowCount int64
}
