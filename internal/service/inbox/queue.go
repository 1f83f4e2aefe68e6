// Package inbox bridges transport callbacks into the single-threaded
// application loop.
package inbox

import (
	"sync"
	"time"

	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
)

// Queue is a multiple-producer, single-consumer FIFO of envelopes. Push never
// blocks. The queue is unbounded unless a limit is configured, in which case
// the oldest pending envelope is dropped to make room.
type Queue struct {
	mu      sync.Mutex
	items   []chat.Envelope
	seq     uint64
	limit   int
	dropped uint64
	notify  chan struct{}
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLimit caps the number of pending envelopes. Zero or negative means unbounded.
func WithLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.limit = n
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push enqueues env, stamping its arrival sequence and time.
func (q *Queue) Push(env chat.Envelope) {
	q.mu.Lock()
	q.seq++
	env.Seq = q.seq
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = q.now().UTC()
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items[0] = chat.Envelope{}
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// DrainAll removes and returns everything queued, in arrival order.
func (q *Queue) DrainAll() []chat.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	drained := q.items
	q.items = make([]chat.Envelope, 0, len(drained))
	return drained
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many envelopes the limit has discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Notify signals that at least one Push happened since the last receive.
// A receive does not drain the queue.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
