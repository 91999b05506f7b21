// Package resync repairs feeds whose queue messages were lost. The engine's
// commit ordering guarantees a crash never duplicates a feed's message, but it
// can lose one; a registered feed with no in-flight message would otherwise
// stall forever.
package resync

import (
	"context"
	"log/slog"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/config"
	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/queue"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
	"github.com/feedmirror/feedmirror/internal/metrics"
)

// Reconciler periodically compares registered feeds against in-flight queue
// messages and re-injects any feed with no message anywhere.
type Reconciler struct {
	feeds storage.FeedRepository
	queue queue.DelayQueue
	cfg   config.ResyncConfig

	clearCache func() bool
	sleep      func(ctx context.Context, d time.Duration)
	log        *slog.Logger
}

func New(feeds storage.FeedRepository, q queue.DelayQueue, cfg config.ResyncConfig, log *slog.Logger) *Reconciler {
	return &Reconciler{
		feeds:      feeds,
		queue:      q,
		cfg:        cfg,
		clearCache: config.ClearProxyCache,
		sleep:      sleepCtx,
		log:        log,
	}
}

// Run sweeps on a fixed period until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("Resync sweep failed", "error", err)
			}
		}
	}
}

// Sweep peeks every queue several times, a few seconds apart, and re-injects
// any registered feed never seen in flight. The repeated samples bridge the
// commit gap between Complete and Enqueue, during which a healthy feed is
// momentarily absent from every queue.
func (r *Reconciler) Sweep(ctx context.Context) error {
	// During a cache clear messages are being drained on purpose.
	if r.clearCache() {
		return nil
	}

	seen := make(map[string]bool)
	for sample := 0; sample < r.cfg.Samples; sample++ {
		if sample > 0 {
			r.sleep(ctx, r.cfg.SampleGap)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		for _, queueName := range domain.AllQueues {
			bodies, err := r.queue.PeekAll(ctx, queueName)
			if err != nil {
				return err
			}
			for _, body := range bodies {
				if state, err := domain.DecodeFeedState(body); err == nil {
					seen[state.Name] = true
				}
			}
		}
	}

	registered, err := r.feeds.List(ctx)
	if err != nil {
		return err
	}

	for _, feed := range registered {
		if seen[feed.Source] {
			continue
		}
		if err := r.inject(ctx, feed); err != nil {
			r.log.Error("Failed to re-inject orphaned feed", "feed", feed.Source, "error", err)
			continue
		}
		metrics.ResyncOrphans.Inc()
		r.log.Warn("Re-injected orphaned feed", "feed", feed.Source)
	}
	return nil
}

// inject enqueues exactly one purge message for an orphan. Starting at purge
// rather than poll discards whatever partial progress the lost message held
// and rebuilds the feed from a clean registration.
func (r *Reconciler) inject(ctx context.Context, feed *domain.RegisteredFeed) error {
	state := feed.InitialState
	if state == nil {
		state = domain.NewFeedState(feed.Source, feed.URL, feed.DatasetURL)
	}
	fresh := *state
	body, err := fresh.Encode()
	if err != nil {
		return err
	}
	return r.queue.Enqueue(ctx, domain.QueuePurge, body, 0)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
