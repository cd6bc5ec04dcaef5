package logging

import "sync/atomic"

// Queue is the unbounded-enough, non-blocking-at-the-producer-side
// fan-in channel: producers never suspend on logging. Rather than an
// actually-unbounded channel (which Go doesn't offer),
// Queue uses a generously sized buffered channel and drops (counting the
// drop) instead of blocking when that buffer is full — a wedged or slow
// sink degrades logging, it never stalls a worker or the supervisor.
type Queue struct {
	ch      chan *Record
	dropped uint64
}

// NewQueue creates a queue with the given buffer capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *Record, capacity)}
}

// Post enqueues rec without blocking. If the buffer is full the record
// is dropped and the drop counter is incremented.
func (q *Queue) Post(rec *Record) {
	select {
	case q.ch <- rec:
	default:
		atomic.AddUint64(&q.dropped, 1)
	}
}

// Close posts the nil termination sentinel.
func (q *Queue) Close() {
	q.ch <- nil
}

// Dropped returns the number of records dropped so far due to a full
// buffer.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// C exposes the receive side for the sink's run loop.
func (q *Queue) C() <-chan *Record {
	return q.ch
}
