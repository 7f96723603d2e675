package link

import (
	"errors"
	"sync"
)

var (
	ErrSendQExceeded = errors.New("Max SendQ exceeded")
	ErrClosed        = errors.New("link closed")
)

// sendQueue is an unbounded-by-count, bounded-by-bytes line queue. push never
// blocks; it fails once the byte limit would be passed.
type sendQueue struct {
	mu     sync.Mutex
	lines  []string
	bytes  int
	limit  int
	closed bool
	wake   chan struct{}
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{limit: limit, wake: make(chan struct{}, 1)}
}

func (q *sendQueue) push(line string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.limit > 0 && q.bytes+len(line)+2 > q.limit {
		q.mu.Unlock()
		return ErrSendQExceeded
	}
	q.lines = append(q.lines, line)
	q.bytes += len(line) + 2
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// take returns everything queued. The bytes stay accounted until the writer
// reports them with sent. ok is false once the queue is closed and drained.
func (q *sendQueue) take() (lines []string, ok bool) {
	for {
		q.mu.Lock()
		if len(q.lines) > 0 {
			lines = q.lines
			q.lines = nil
			q.mu.Unlock()
			return lines, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *sendQueue) sent(line string) {
	q.mu.Lock()
	q.bytes -= len(line) + 2
	if q.bytes < 0 {
		q.bytes = 0
	}
	q.mu.Unlock()
}

func (q *sendQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// close stops accepting lines. With discard set, pending lines are dropped.
func (q *sendQueue) close(discard bool) {
	q.mu.Lock()
	q.closed = true
	if discard {
		q.lines = nil
		q.bytes = 0
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
