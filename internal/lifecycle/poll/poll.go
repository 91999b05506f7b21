// Package poll implements the main lifecycle transition: fetch one page of a
// registered feed, cache its items, and schedule the next poll.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/config"
	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/fetch"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
	"github.com/feedmirror/feedmirror/internal/lifecycle/classify"
	"github.com/feedmirror/feedmirror/internal/lifecycle/engine"
	"github.com/feedmirror/feedmirror/internal/lifecycle/expiry"
	"github.com/feedmirror/feedmirror/internal/metrics"
)

// Worker processes one poll-queue message per invocation.
type Worker struct {
	fetcher    fetch.Fetcher
	items      storage.ItemRepository
	classifier *classify.Classifier
	estimator  *expiry.Estimator

	// defaultInterval is the re-poll delay for a last page when the origin
	// gave no caching signal.
	defaultInterval time.Duration

	clearCache func() bool
	now        func() time.Time
	log        *slog.Logger
}

func NewWorker(
	fetcher fetch.Fetcher,
	items storage.ItemRepository,
	classifier *classify.Classifier,
	estimator *expiry.Estimator,
	defaultInterval time.Duration,
	log *slog.Logger,
) *Worker {
	return &Worker{
		fetcher:         fetcher,
		items:           items,
		classifier:      classifier,
		estimator:       estimator,
		defaultInterval: defaultInterval,
		clearCache:      config.ClearProxyCache,
		now:             time.Now,
		log:             log,
	}
}

// Process performs one poll transition.
func (w *Worker) Process(ctx context.Context, state *domain.FeedState) engine.Outcome {
	// The operator flag routes everything to the dead-letter path, which
	// cascades into a purge, without touching the origin.
	if w.clearCache() {
		w.log.Warn("Cache clear requested, dead-lettering poll message", "feed", state.Name)
		return engine.DeadLetterOutcome()
	}

	state.PollAttempts++
	state.ModifiedAt = w.now().UTC()

	started := w.now()
	result, err := w.fetcher.Fetch(ctx, state.CursorURL)
	if err != nil {
		return w.fail(state, fmt.Errorf("%w: %v", classify.ErrFetch, err))
	}
	metrics.FetchLatency.WithLabelValues(state.Name).Observe(w.now().Sub(started).Seconds())

	if result.StatusCode == http.StatusUnauthorized {
		w.log.Warn("Feed returned 401 and will be dropped", "feed", state.Name)
		return w.fail(state, classify.ErrUnauthorized)
	}

	page := result.Page
	if err := validatePage(page); err != nil {
		return w.fail(state, err)
	}

	cacheItems, err := convertItems(state, page.Items, w.now().UTC())
	if err != nil {
		return w.fail(state, fmt.Errorf("%w: %v", classify.ErrInvalidPage, err))
	}

	// A page is the last page iff it is empty and points back at the cursor
	// just fetched: the origin is signaling "no new data, same cursor".
	isLastPage := len(cacheItems) == 0 && *page.Next == state.CursorURL

	adjustedExpires := w.estimator.Adjust(result.Signals.Expires, result.Signals.Date, result.Signals.RecommendedInterval, result.ReceivedAt)

	// The sentinel is written on the first last-page observation of a streak
	// only; consecutive empty reads would otherwise rewrite an identical row
	// on every poll.
	if isLastPage && state.LastPageReads == 0 {
		sentinel, err := buildSentinel(state.Name, adjustedExpires, result.Signals)
		if err != nil {
			return w.fail(state, fmt.Errorf("%w: %v", classify.ErrInvalidPage, err))
		}
		cacheItems = append(cacheItems, sentinel)
	}

	if len(cacheItems) > 0 {
		affected, err := w.items.UpsertBatch(ctx, cacheItems)
		if err != nil {
			if errors.Is(err, storage.ErrTransientOverload) {
				return w.fail(state, err)
			}
			return w.fail(state, fmt.Errorf("%w: %v", classify.ErrStoreWrite, err))
		}
		// Zero rows affected despite non-empty input means another delivery
		// of this same message already did the work.
		if affected == 0 && !isLastPage {
			w.log.Warn("Duplicate message dropped", "feed", state.Name, "instance", state.InstanceID)
			return w.fail(state, classify.ErrDuplicateWrite)
		}
		metrics.ItemsWritten.WithLabelValues(state.Name).Add(float64(len(cacheItems)))
	}

	// Counters and cursor advance only after the store write succeeded, so a
	// failed write never skips a page.
	if isLastPage {
		state.LastPageReads++
	} else {
		state.LastPageReads = 0
		state.PagesRead++
		state.ItemsRead += int64(len(cacheItems))
		state.CursorURL = *page.Next
		metrics.PagesRead.WithLabelValues(state.Name).Inc()
	}
	state.Retry = nil
	state.LastError = ""

	return engine.Continue(domain.QueuePoll, state, w.nextDelay(isLastPage, adjustedExpires, result.Signals))
}

// nextDelay picks the re-poll delay: immediate unless this was a last page,
// in which case the adjusted Expires wins, then max-age, then the default.
func (w *Worker) nextDelay(isLastPage bool, adjustedExpires *time.Time, signals fetch.CacheSignals) time.Duration {
	if !isLastPage {
		return 0
	}
	if adjustedExpires != nil {
		return adjustedExpires.Sub(w.now())
	}
	if signals.MaxAge != nil {
		return *signals.MaxAge
	}
	return w.defaultInterval
}

// fail converts a classified failure into the next scheduled message.
func (w *Worker) fail(state *domain.FeedState, err error) engine.Outcome {
	decision := w.classifier.Classify(err, state.Retry)
	metrics.PollErrors.WithLabelValues(state.Name, string(decision.Category)).Inc()

	switch {
	case decision.Drop:
		w.log.Warn("Dropping poll message", "feed", state.Name, "category", decision.Category, "error", err)
		return engine.DropOutcome()

	case decision.DeadLetter:
		w.log.Error("Dead-lettering feed", "feed", state.Name, "category", decision.Category, "error", err)
		metrics.DeadLetters.WithLabelValues(state.Name).Inc()
		return engine.DeadLetterOutcome()

	default:
		// Store overload is not the feed's fault and stays out of its error count.
		if decision.Category != classify.StoreTransient {
			state.ErrorCount++
		}
		state.Retry = decision.RetryState()
		state.LastError = err.Error()
		w.log.Warn("Poll failed, retrying",
			"feed", state.Name, "category", decision.Category,
			"attempt", decision.RetryCount, "delay", decision.Delay, "error", err)
		return engine.Continue(domain.QueuePoll, state, decision.Delay)
	}
}

// validatePage checks the RPDE base properties: matching open license,
// present next link, present items list.
func validatePage(page *domain.Page) error {
	switch {
	case page == nil:
		return fmt.Errorf("%w: body is not a feed page", classify.ErrInvalidPage)
	case page.License != domain.CCByLicense:
		return fmt.Errorf("%w: license %q does not match required open license", classify.ErrInvalidPage, page.License)
	case page.Next == nil:
		return fmt.Errorf("%w: missing next link", classify.ErrInvalidPage)
	case !page.HasItems():
		return fmt.Errorf("%w: missing items list", classify.ErrInvalidPage)
	}
	return nil
}

// convertItems resolves each item id to its canonical string form and builds
// the cache rows. Deleted items get a store expiry for tombstone pruning.
func convertItems(state *domain.FeedState, items []domain.PageItem, now time.Time) ([]domain.CachedItem, error) {
	rows := make([]domain.CachedItem, 0, len(items))
	for _, item := range items {
		deleted := item.State == domain.ItemStateDeleted

		var itemExpiry *time.Time
		if deleted {
			t := now.AddDate(0, 0, state.DeletedItemRetentionDays)
			itemExpiry = &t
		}

		// Re-serialize with the canonical id so the cached payload matches
		// the key it is stored under.
		canonical := item
		canonical.ID = domain.ItemID{Text: item.ID.Canonical()}
		data, err := json.Marshal(canonical)
		if err != nil {
			return nil, fmt.Errorf("serialize item %s: %v", item.ID.Canonical(), err)
		}

		rows = append(rows, domain.CachedItem{
			Source:   state.Name,
			ID:       item.ID.Canonical(),
			Modified: item.Modified,
			Kind:     item.Kind,
			Deleted:  deleted,
			Data:     data,
			Expiry:   itemExpiry,
		})
	}
	return rows, nil
}

func buildSentinel(source string, adjustedExpires *time.Time, signals fetch.CacheSignals) (domain.CachedItem, error) {
	payload := domain.SentinelPayload{
		Expires:             adjustedExpires,
		RecommendedInterval: signals.RecommendedInterval,
	}
	if signals.MaxAge != nil {
		secs := int64(signals.MaxAge.Seconds())
		payload.MaxAgeSeconds = &secs
	}
	return domain.NewSentinelItem(source, payload)
}
