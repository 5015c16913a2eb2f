package command

import (
	"sync"
	"time"

	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
)

// Command is one outbound command addressed to a single device.
type Command struct {
	ID       string
	DeviceID string
	Serial   string
	Payload  Payload
	IssuedBy string
}

// QueuedPublish is a command waiting for the broker. It lives in memory only.
type QueuedPublish struct {
	Command    Command
	Topic      string
	Body       []byte
	Attempts   int
	EnqueuedAt time.Time

	// recorded is false when the SENT audit record could not be written.
	recorded bool
}

// queue is a capped FIFO of pending publishes.
//
// The entry being drained is held outside items but still counts towards
// the cap, so a drain that loses the link can put it back at the head.
type queue struct {
	mu       sync.Mutex
	items    []*QueuedPublish
	inflight *QueuedPublish
	max      int
	policy   string
}

func newQueue(cfg config.CommandQueueConfig) *queue {
	policy := cfg.Overflow
	if policy == "" {
		policy = config.OverflowRejectNewest
	}
	return &queue{max: cfg.MaxDepth, policy: policy}
}

// push appends item. When full it either rejects item with ErrQueueFull or
// evicts and returns the oldest waiting entry, depending on the policy.
func (q *queue) push(item *QueuedPublish) (evicted *QueuedPublish, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.max > 0 && q.lenLocked() >= q.max {
		if q.policy != config.OverflowDropOldest || len(q.items) == 0 {
			return nil, ErrQueueFull
		}
		evicted = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
	return evicted, nil
}

// pop moves the head into flight. It returns nil when the queue is empty.
func (q *queue) pop() *QueuedPublish {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.inflight = item
	return item
}

// requeue puts the in-flight entry back at the head.
func (q *queue) requeue(item *QueuedPublish) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight == item {
		q.inflight = nil
	}
	q.items = append([]*QueuedPublish{item}, q.items...)
}

// finish releases the in-flight entry.
func (q *queue) finish(item *QueuedPublish) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight == item {
		q.inflight = nil
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *queue) lenLocked() int {
	n := len(q.items)
	if q.inflight != nil {
		n++
	}
	return n
}
