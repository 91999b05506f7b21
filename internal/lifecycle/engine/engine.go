// Package engine drives the feed lifecycle state machine over the delay
// queue. Each received message is one state transition; the handler computes
// an outcome and the engine commits it under a single shared discipline:
// re-check the processing lock, acknowledge the current message, then enqueue
// the follow-ups. The ordering is deliberate — with no transaction spanning
// the two queue operations, a crash in between loses the follow-up and
// stalls the feed, which the reconciler repairs, rather than ever producing
// a duplicate branch of the state machine.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/queue"
)

// Followup is a message to schedule after the current one is acknowledged.
type Followup struct {
	Queue string
	State *domain.FeedState
	Delay time.Duration
}

// Outcome is a handler's verdict on one message. Exactly one of Drop,
// DeadLetter, or Followups applies; an empty outcome acknowledges with no
// successor, permanently stopping the feed.
type Outcome struct {
	Drop       bool
	DeadLetter bool
	Followups  []Followup
}

// DropOutcome acknowledges the message and schedules nothing.
func DropOutcome() Outcome { return Outcome{Drop: true} }

// DeadLetterOutcome moves the message to the dead-letter sub-queue.
func DeadLetterOutcome() Outcome { return Outcome{DeadLetter: true} }

// Continue schedules one follow-up message.
func Continue(queueName string, state *domain.FeedState, delay time.Duration) Outcome {
	return Outcome{Followups: []Followup{{Queue: queueName, State: state, Delay: delay}}}
}

// Handler performs one lifecycle state transition.
type Handler interface {
	Process(ctx context.Context, state *domain.FeedState) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, state *domain.FeedState) Outcome

func (f HandlerFunc) Process(ctx context.Context, state *domain.FeedState) Outcome {
	return f(ctx, state)
}

// Engine receives messages from the registered queues and dispatches them.
type Engine struct {
	queue    queue.DelayQueue
	handlers map[string]Handler
	// idleWait is how long a consumer sleeps when its queue has nothing due.
	idleWait time.Duration
	// maxInFlight bounds concurrent handler invocations per queue. Messages
	// for different feeds run in parallel; same-feed exclusivity comes from
	// the per-message processing lock, not from the consumer loop.
	maxInFlight int
	log         *slog.Logger
}

func New(q queue.DelayQueue, log *slog.Logger) *Engine {
	return &Engine{
		queue:       q,
		handlers:    make(map[string]Handler),
		idleWait:    500 * time.Millisecond,
		maxInFlight: 16,
		log:         log,
	}
}

// Register binds a handler to a queue. Must be called before Start.
func (e *Engine) Register(queueName string, h Handler) {
	e.handlers[queueName] = h
}

// Start launches one consumer goroutine per registered queue and returns.
// Consumers stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for queueName := range e.handlers {
		go e.consume(ctx, queueName)
	}
}

func (e *Engine) consume(ctx context.Context, queueName string) {
	// One slow origin must not stall every other feed on the queue, so each
	// message is handled on its own goroutine, bounded by a semaphore.
	sem := make(chan struct{}, e.maxInFlight)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := e.queue.Receive(ctx, queueName)
		if err != nil {
			e.log.Error("Receive failed", "queue", queueName, "error", err)
			e.sleep(ctx)
			continue
		}
		if msg == nil {
			e.sleep(ctx)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(msg *queue.Message) {
			defer func() { <-sem }()
			e.handle(ctx, msg)
		}(msg)
	}
}

func (e *Engine) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(e.idleWait):
	}
}

func (e *Engine) handle(ctx context.Context, msg *queue.Message) {
	state, err := domain.DecodeFeedState(msg.Body)
	if err != nil {
		// An undecodable payload can never succeed on redelivery.
		e.log.Error("Dropping undecodable message", "queue", msg.Queue, "error", err)
		if err := e.queue.Complete(ctx, msg); err != nil {
			e.log.Error("Complete failed for undecodable message", "queue", msg.Queue, "error", err)
		}
		return
	}

	outcome := e.handlers[msg.Queue].Process(ctx, state)
	e.Commit(ctx, msg, outcome)
}

// Commit finalizes a transition. If the processing lock can no longer be
// renewed the transition is abandoned without acknowledging or enqueuing:
// the transport will redeliver, and finishing anyway could fork a second
// in-flight message for the same feed.
func (e *Engine) Commit(ctx context.Context, msg *queue.Message, outcome Outcome) {
	if outcome.DeadLetter {
		if err := e.queue.DeadLetter(ctx, msg); err != nil {
			e.log.Error("DeadLetter failed", "queue", msg.Queue, "error", err)
		}
		return
	}

	if !e.queue.RenewLock(ctx, msg) {
		e.log.Warn("Lock lost, abandoning transition", "queue", msg.Queue, "message", msg.ID)
		return
	}

	if err := e.queue.Complete(ctx, msg); err != nil {
		e.log.Error("Complete failed", "queue", msg.Queue, "error", err)
		return
	}

	for _, f := range outcome.Followups {
		body, err := f.State.Encode()
		if err != nil {
			e.log.Error("Encode follow-up failed", "feed", f.State.Name, "error", err)
			continue
		}
		if err := e.queue.Enqueue(ctx, f.Queue, body, f.Delay); err != nil {
			// The current message is already acknowledged; the feed stalls
			// here and the reconciler restarts it.
			e.log.Error("Enqueue follow-up failed", "feed", f.State.Name, "queue", f.Queue, "error", err)
		}
	}
}
