package bridge

import (
	"sync"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

// Queue is the bounded holding area for best-effort traffic while the
// network side is down. Beyond capacity the oldest unprotected entry is
// evicted; protected kinds are never evicted, even under pressure.
type Queue struct {
	mu    sync.Mutex
	cap   int
	items []protocol.Message
}

// NewQueue builds a queue holding up to capacity best-effort messages.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{cap: capacity}
}

// Offer appends msg, evicting the oldest unprotected entry when full.
// It reports false only when msg itself had to be dropped.
func (q *Queue) Offer(msg protocol.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.cap {
		q.items = append(q.items, msg)
		return true
	}
	for i, it := range q.items {
		if !it.Kind.Protected() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append(q.items, msg)
			return true
		}
	}
	if msg.Kind.Protected() {
		// Every queued entry is protected; grow rather than lose one.
		q.items = append(q.items, msg)
		return true
	}
	return false
}

// PopAll removes and returns the queued messages in arrival order.
func (q *Queue) PopAll() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Requeue puts undelivered messages back at the front, preserving their
// order ahead of later arrivals.
func (q *Queue) Requeue(msgs []protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append([]protocol.Message{}, msgs...), q.items...)
	q.mu.Unlock()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
