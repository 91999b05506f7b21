package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// errLockLost reports that a message's processing lock expired or was taken
// over before the operation ran.
var errLockLost = errors.New("queue: processing lock lost")

type memoryMessage struct {
	id        string
	body      []byte
	visibleAt time.Time
	lockToken string
	lockedAt  time.Time
	attempts  int
}

// MemoryQueue is an in-process DelayQueue used by tests and local
// development. Semantics match the Redis implementation: messages remain
// peekable while locked, and an expired lock makes a message receivable
// again.
type MemoryQueue struct {
	mu      sync.Mutex
	queues  map[string][]*memoryMessage
	lockTTL time.Duration
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:  make(map[string][]*memoryMessage),
		lockTTL: lockTTL,
		now:     time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queueName string, body []byte, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[queueName] = append(q.queues[queueName], &memoryMessage{
		id:        uuid.New().String(),
		body:      body,
		visibleAt: q.now().Add(delay),
	})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, queueName string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, m := range q.queues[queueName] {
		if m.visibleAt.After(now) {
			continue
		}
		if m.lockToken != "" && now.Sub(m.lockedAt) < q.lockTTL {
			continue
		}
		m.lockToken = uuid.New().String()
		m.lockedAt = now
		m.attempts++
		return &Message{
			ID:        m.id,
			Queue:     queueName,
			Body:      m.body,
			LockToken: m.lockToken,
			Attempts:  m.attempts,
		}, nil
	}
	return nil, nil
}

func (q *MemoryQueue) find(queueName, msgID string) (int, *memoryMessage) {
	for i, m := range q.queues[queueName] {
		if m.id == msgID {
			return i, m
		}
	}
	return -1, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, m := q.find(msg.Queue, msg.ID)
	if m == nil || m.lockToken != msg.LockToken {
		return errLockLost
	}
	q.queues[msg.Queue] = append(q.queues[msg.Queue][:i], q.queues[msg.Queue][i+1:]...)
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, m := q.find(msg.Queue, msg.ID)
	if m == nil || m.lockToken != msg.LockToken {
		return errLockLost
	}
	q.queues[msg.Queue] = append(q.queues[msg.Queue][:i], q.queues[msg.Queue][i+1:]...)
	dlq := DeadLetterQueueName(msg.Queue)
	q.queues[dlq] = append(q.queues[dlq], &memoryMessage{
		id:        m.id,
		body:      m.body,
		visibleAt: q.now(),
	})
	return nil
}

func (q *MemoryQueue) RenewLock(ctx context.Context, msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, m := q.find(msg.Queue, msg.ID)
	if m == nil || m.lockToken != msg.LockToken {
		return false
	}
	m.lockedAt = q.now()
	return true
}

func (q *MemoryQueue) PeekAll(ctx context.Context, queueName string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.queues[queueName]
	bodies := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		bodies = append(bodies, m.body)
	}
	return bodies, nil
}

// Len reports the number of messages in a queue, for tests.
func (q *MemoryQueue) Len(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queueName])
}

// ExpireLocks forces all processing locks to lapse, for tests simulating
// redelivery.
func (q *MemoryQueue) ExpireLocks() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, msgs := range q.queues {
		for _, m := range msgs {
			m.lockToken = ""
		}
	}
}
