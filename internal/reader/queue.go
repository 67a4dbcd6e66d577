package reader

import "context"

// Queue is a bounded single-producer/single-consumer FIFO of VCDU frames
// decoupling the reader from the demuxer core (spec §4.2). When full, Push
// blocks - frames are never dropped because the link is unrepairable.
type Queue struct {
	ch   chan []byte
	done chan struct{}
}

// NewQueue returns a Queue with the given capacity (spec suggests 256).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		ch:   make(chan []byte, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues a frame, blocking if the queue is full.
func (q *Queue) Push(frame []byte) {
	q.ch <- frame
}

// Pop blocks until a frame is available or the queue is stopped, in which
// case ok is false.
func (q *Queue) Pop(ctx context.Context) (frame []byte, ok bool) {
	select {
	case frame, ok = <-q.ch:
		return frame, ok
	case <-ctx.Done():
		return nil, false
	}
}

// IsEmpty reports whether the queue currently holds no frames. File-input
// mode does not call it: drain is detected by Pop returning ok=false after
// Stop.
func (q *Queue) IsEmpty() bool {
	return len(q.ch) == 0
}

// Stop closes the queue; any blocked or future Pop returns ok=false once
// drained.
func (q *Queue) Stop() {
	close(q.ch)
}
