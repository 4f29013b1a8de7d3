package relay

import (
	"sync"
)

// outbox is a byte-bounded FIFO of encoded control messages waiting to be
// written to one client.
//
// The session event loop and UDP read loop enqueue without blocking; a single
// writer goroutine drains it into the ControlChannel.
type outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	msgs     [][]byte

	onDrop func(size int)
}

func newOutbox(maxBytes int, onDrop func(size int)) *outbox {
	q := &outbox{maxBytes: maxBytes, onDrop: onDrop}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends msg if it fits within the byte budget. It never blocks.
func (q *outbox) Push(msg []byte) bool {
	q.mu.Lock()
	ok := !q.closed && q.curBytes+len(msg) <= q.maxBytes
	if ok {
		q.msgs = append(q.msgs, msg)
		q.curBytes += len(msg)
		q.notEmpty.Signal()
	}
	q.mu.Unlock()

	if !ok && q.onDrop != nil {
		q.onDrop(len(msg))
	}
	return ok
}

// Pop blocks until a message is available. It returns false once the outbox
// has been discarded.
func (q *outbox) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.msgs) == 0 {
		return nil, false
	}
	msg := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	q.curBytes -= len(msg)
	return msg, true
}

// Discard drops everything still queued and refuses further messages.
func (q *outbox) Discard() {
	q.mu.Lock()
	q.closed = true
	q.msgs = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
