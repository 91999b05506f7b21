// Package purge drains a dead feed's cached items in bounded batches, then
// hands the feed back to registration for a fresh start.
package purge

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/config"
	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
	"github.com/feedmirror/feedmirror/internal/lifecycle/engine"
	"github.com/feedmirror/feedmirror/internal/metrics"
)

// Delay between full batches, so a purge never monopolizes the store.
const interBatchDelay = time.Second

// Cap on the purge retry backoff.
const maxRetryDelay = time.Hour

// Worker processes one purge-queue message per invocation, deleting at most
// one batch of cached items.
type Worker struct {
	items     storage.ItemRepository
	batchSize int

	clearCache func() bool
	now        func() time.Time
	log        *slog.Logger
}

func NewWorker(items storage.ItemRepository, batchSize int, log *slog.Logger) *Worker {
	return &Worker{
		items:      items,
		batchSize:  batchSize,
		clearCache: config.ClearProxyCache,
		now:        time.Now,
		log:        log,
	}
}

// Process deletes one batch. A short batch means the source is drained:
// counters reset, the purge cycle is recorded, and the feed re-registers.
func (w *Worker) Process(ctx context.Context, state *domain.FeedState) engine.Outcome {
	state.ModifiedAt = w.now().UTC()

	deleted, err := w.items.DeleteBatch(ctx, state.Name, w.batchSize)
	if err != nil {
		// Purges must eventually complete no matter what, so failures back
		// off exponentially but are never dead-lettered or dropped.
		state.PurgeRetries++
		delay := time.Duration(math.Pow(2, float64(state.PurgeRetries))) * time.Second
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		w.log.Warn("Purge batch failed, retrying",
			"feed", state.Name, "attempt", state.PurgeRetries, "delay", delay, "error", err)
		return engine.Continue(domain.QueuePurge, state, delay)
	}

	state.PurgeRetries = 0
	state.PurgedItems += deleted
	metrics.PurgedItems.WithLabelValues(state.Name).Add(float64(deleted))

	if deleted >= int64(w.batchSize) {
		return engine.Continue(domain.QueuePurge, state, interBatchDelay)
	}

	w.log.Info("Purge complete", "feed", state.Name, "purged", state.PurgedItems)

	// While the operator flag is up, purged feeds stay purged: dropping here
	// instead of re-registering is what makes the cache clear stick.
	if w.clearCache() {
		w.log.Warn("Cache clear active, feed will not re-register", "feed", state.Name)
		return engine.DropOutcome()
	}

	state.ResetCounters()
	state.PurgeCycleCount++
	return engine.Continue(domain.QueueRegistration, state, time.Second)
}
