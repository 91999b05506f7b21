package queue

import (
	"context"
	"time"
)

// Message is a received delay-queue message, locked for processing by the
// receiver until Complete, DeadLetter, or lock expiry.
type Message struct {
	ID        string
	Queue     string
	Body      []byte
	LockToken string
	// Attempts is the delivery count including this delivery.
	Attempts int
}

// DelayQueue is the scheduled-delivery transport the lifecycle engine runs
// on. Delivery is at-least-once: a message whose lock expires without being
// completed becomes visible again. The engine never relies on transactional
// guarantees across queue operations.
type DelayQueue interface {
	// Enqueue schedules a message to become visible after delay.
	Enqueue(ctx context.Context, queueName string, body []byte, delay time.Duration) error

	// Receive returns the next visible message, locked, or (nil, nil) when
	// none is due.
	Receive(ctx context.Context, queueName string) (*Message, error)

	// Complete removes a locked message from its queue.
	Complete(ctx context.Context, msg *Message) error

	// DeadLetter moves a locked message to the queue's dead-letter sub-queue.
	DeadLetter(ctx context.Context, msg *Message) error

	// RenewLock extends the processing lock, reporting whether it was still
	// held. A false return means the transport may already have redelivered
	// the message; the holder must abandon its in-progress transition.
	RenewLock(ctx context.Context, msg *Message) bool

	// PeekAll returns the bodies of every message in a queue, including
	// in-flight and delayed ones, without consuming them.
	PeekAll(ctx context.Context, queueName string) ([][]byte, error)
}

// DeadLetterQueueName returns the dead-letter sub-queue for a queue.
func DeadLetterQueueName(queueName string) string {
	return queueName + "-dead-letter"
}
