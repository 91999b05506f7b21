package purge

import (
	"context"
	"log/slog"

	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/lifecycle/engine"
)

// DeadLetterHandler consumes the poll dead-letter queue. A dead-lettered feed
// is beyond retry: its cache is purged, and the purge completion decides
// whether it re-registers.
func DeadLetterHandler(log *slog.Logger) engine.HandlerFunc {
	return func(ctx context.Context, state *domain.FeedState) engine.Outcome {
		log.Warn("Dead-lettered feed entering purge",
			"feed", state.Name, "lastError", state.LastError, "errors", state.ErrorCount)
		state.ResetCounters()
		return engine.Continue(domain.QueuePurge, state, 0)
	}
}
