package flowcontrol

import (
	"sync"
	"time"

	"github.com/gnutd/gnutd/wire"
)

// Queue is a bounded outbound message queue with burst based congestion
// control.
//
// AddMessage always succeeds: when the queue is full the oldest message is
// evicted. RemoveMessage returns at most burstSize messages between calls to
// InitNewMessageBurst, and discards messages older than msgTimeout instead
// of returning them. Evictions and discards are both counted as drops.
type Queue struct {
	lock sync.Mutex

	// buffer is a ring. head is the index of the oldest message.
	buffer []wire.Message
	head   int
	count  int

	policy     OrderingPolicy
	burstSize  int
	burstCount int
	msgTimeout time.Duration
	dropCount  uint64

	now func() time.Time
}

// NewQueue returns an empty queue. A msgTimeout of zero disables expiry.
func NewQueue(capacity int, burstSize int, msgTimeout time.Duration, policy OrderingPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buffer:     make([]wire.Message, capacity),
		policy:     policy,
		burstSize:  burstSize,
		msgTimeout: msgTimeout,
		now:        time.Now,
	}
}

// AddMessage queues msg, evicting the oldest message if the queue is full.
func (q *Queue) AddMessage(msg wire.Message) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.count == len(q.buffer) {
		evicted := q.buffer[q.head]
		q.buffer[q.head] = msg
		q.head = (q.head + 1) % len(q.buffer)
		q.dropCount++
		log.Tracef("Queue full, evicted %s", evicted.Header())
		return
	}
	q.buffer[(q.head+q.count)%len(q.buffer)] = msg
	q.count++
}

// RemoveMessage returns the next message to send in the current burst, or
// nil if the queue is empty or the burst is exhausted.
func (q *Queue) RemoveMessage() wire.Message {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.burstCount >= q.burstSize {
		return nil
	}
	for q.count > 0 {
		msg := q.pop()
		if q.isExpired(msg) {
			q.dropCount++
			log.Tracef("Dropped expired %s", msg.Header())
			continue
		}
		q.burstCount++
		return msg
	}
	return nil
}

func (q *Queue) pop() wire.Message {
	var index int
	if q.policy == LIFO {
		index = (q.head + q.count - 1) % len(q.buffer)
	} else {
		index = q.head
		q.head = (q.head + 1) % len(q.buffer)
	}
	msg := q.buffer[index]
	q.buffer[index] = nil
	q.count--
	return msg
}

func (q *Queue) isExpired(msg wire.Message) bool {
	if q.msgTimeout <= 0 {
		return false
	}
	return q.now().Sub(msg.Header().Timestamp) > q.msgTimeout
}

// InitNewMessageBurst resets the per-burst counter. The sender calls it
// between bursts.
func (q *Queue) InitNewMessageBurst() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.burstCount = 0
}

// Len returns the number of queued messages, expired ones included.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.count
}

// DropCount returns the number of messages evicted or expired so far.
func (q *Queue) DropCount() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.dropCount
}

// Policy returns the ordering policy of the queue.
func (q *Queue) Policy() OrderingPolicy {
	return q.policy
}
