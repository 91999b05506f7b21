// Package register validates a feed before it enters the poll cycle: the
// origin must serve a parsable page under the required open license, and no
// other in-flight message may already own the feed's name.
package register

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/config"
	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/fetch"
	"github.com/feedmirror/feedmirror/internal/infra/queue"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
	"github.com/feedmirror/feedmirror/internal/lifecycle/engine"
	"github.com/feedmirror/feedmirror/internal/metrics"
)

// Attempts before an unreachable origin is given up on and its registration
// record removed.
const maxAttempts = 3

const retryDelay = 30 * time.Second

// Worker processes one registration-queue message per invocation.
type Worker struct {
	fetcher fetch.Fetcher
	feeds   storage.FeedRepository
	queue   queue.DelayQueue

	clearCache func() bool
	now        func() time.Time
	log        *slog.Logger
}

func NewWorker(fetcher fetch.Fetcher, feeds storage.FeedRepository, q queue.DelayQueue, log *slog.Logger) *Worker {
	return &Worker{
		fetcher:    fetcher,
		feeds:      feeds,
		queue:      q,
		clearCache: config.ClearProxyCache,
		now:        time.Now,
		log:        log,
	}
}

// Process validates the origin and, on success, snapshots the feed record and
// starts the poll cycle at the source URL.
func (w *Worker) Process(ctx context.Context, state *domain.FeedState) engine.Outcome {
	if w.clearCache() {
		w.log.Warn("Cache clear requested, dropping registration", "feed", state.Name)
		return engine.DropOutcome()
	}

	state.ModifiedAt = w.now().UTC()

	if outcome, conflicted := w.checkConflicts(ctx, state); conflicted {
		return outcome
	}

	result, err := w.fetcher.Fetch(ctx, state.SourceURL)
	if err != nil {
		return w.retryOrGiveUp(ctx, state, fmt.Errorf("fetch %s: %w", state.SourceURL, err))
	}

	if result.StatusCode == http.StatusUnauthorized {
		// The origin revoked access: remove the record so the feed does not
		// resurrect through resync, then drop.
		w.log.Warn("Origin returned 401 at registration, removing feed", "feed", state.Name)
		if err := w.feeds.Delete(ctx, state.Name); err != nil {
			w.log.Error("Failed to remove feed record", "feed", state.Name, "error", err)
		}
		return engine.DropOutcome()
	}

	if err := validatePage(result.Page); err != nil {
		return w.retryOrGiveUp(ctx, state, err)
	}

	state.CursorURL = state.SourceURL
	state.ResetCounters()

	// The stored snapshot is what resync re-injects if every message for this
	// feed is ever lost, so it must be the clean post-registration state.
	snapshot := *state
	if err := w.feeds.Save(ctx, &domain.RegisteredFeed{
		Source:       state.Name,
		URL:          state.SourceURL,
		DatasetURL:   state.DatasetURL,
		InitialState: &snapshot,
	}); err != nil {
		return w.retryOrGiveUp(ctx, state, fmt.Errorf("save feed record: %w", err))
	}

	metrics.Registrations.WithLabelValues(state.Name).Inc()
	w.log.Info("Feed registered", "feed", state.Name, "url", state.SourceURL)
	return engine.Continue(domain.QueuePoll, state, 0)
}

// checkConflicts peeks every queue for another in-flight message that already
// owns this feed name. The instance id distinguishes a true second owner from
// a duplicate delivery of this same registration.
func (w *Worker) checkConflicts(ctx context.Context, state *domain.FeedState) (engine.Outcome, bool) {
	for _, queueName := range domain.AllQueues {
		bodies, err := w.queue.PeekAll(ctx, queueName)
		if err != nil {
			w.log.Warn("Conflict peek failed", "queue", queueName, "error", err)
			continue
		}
		for _, body := range bodies {
			other, err := domain.DecodeFeedState(body)
			if err != nil || other.Name != state.Name || other.InstanceID == state.InstanceID {
				continue
			}
			if other.SourceURL != state.SourceURL {
				w.log.Warn("Feed name already registered for a different origin, dropping",
					"feed", state.Name, "url", state.SourceURL, "existing", other.SourceURL)
			} else {
				w.log.Warn("Feed already in flight, dropping duplicate registration",
					"feed", state.Name, "url", state.SourceURL)
			}
			return engine.DropOutcome(), true
		}
	}
	return engine.Outcome{}, false
}

// retryOrGiveUp re-enqueues a failed registration a few times, then removes
// the feed record and drops.
func (w *Worker) retryOrGiveUp(ctx context.Context, state *domain.FeedState, cause error) engine.Outcome {
	if state.RegistrationRetries >= maxAttempts {
		w.log.Error("Registration failed permanently, removing feed",
			"feed", state.Name, "attempts", state.RegistrationRetries, "error", cause)
		if err := w.feeds.Delete(ctx, state.Name); err != nil {
			w.log.Error("Failed to remove feed record", "feed", state.Name, "error", err)
		}
		return engine.DropOutcome()
	}

	state.RegistrationRetries++
	state.ErrorCount++
	state.LastError = cause.Error()
	w.log.Warn("Registration failed, retrying",
		"feed", state.Name, "attempt", state.RegistrationRetries, "error", cause)
	return engine.Continue(domain.QueueRegistration, state, retryDelay)
}

func validatePage(page *domain.Page) error {
	switch {
	case page == nil:
		return fmt.Errorf("origin did not serve a feed page")
	case page.License != domain.CCByLicense:
		return fmt.Errorf("license %q does not match required open license", page.License)
	case page.Next == nil:
		return fmt.Errorf("feed page has no next link")
	case !page.HasItems():
		return fmt.Errorf("feed page has no items list")
	}
	return nil
}
