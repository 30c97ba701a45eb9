package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petervdpas/agora/internal/proto"
)

// Queue is a bounded outbound queue owned by one subscriber (usually one
// gateway connection). Offers never block: a full queue drops the event.
type Queue struct {
	owner string
	ch    chan proto.Event

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

// NewQueue creates a queue for owner (a user id) holding up to size events.
func NewQueue(owner string, size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{owner: owner, ch: make(chan proto.Event, size)}
}

// C is drained by the owner's writer.
func (q *Queue) C() <-chan proto.Event { return q.ch }

func (q *Queue) Owner() string { return q.owner }

// Dropped is the number of events dropped because the queue was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// offer enqueues evt without blocking. It reports false only when the
// queue is full; offers to a closed queue are discarded silently.
func (q *Queue) offer(evt proto.Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return true
	}
	select {
	case q.ch <- evt:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Close closes C. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
}
