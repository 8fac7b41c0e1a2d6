package channel

import "sync"

// queue is the outbound FIFO shared by every producer and the single write
// loop. It is bounded: when full, the oldest pending message is dropped so
// producers never block. Requeueing an in-flight message on transport
// failure goes to the front, preserving delivery order across reconnects.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	max    int
	signal chan struct{}
}

func newQueue(max int) *queue {
	return &queue{
		max:    max,
		signal: make(chan struct{}, 1),
	}
}

// push appends a message, reporting whether an older message was dropped to
// make room.
func (q *queue) push(b []byte) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, b)
	q.mu.Unlock()
	q.notify()
	return dropped
}

// pushFront returns an undelivered message to the head of the line.
func (q *queue) pushFront(b []byte) {
	q.mu.Lock()
	q.items = append([][]byte{b}, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wait yields a channel that receives after a push. A stale wakeup is
// possible; consumers re-check pop.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
