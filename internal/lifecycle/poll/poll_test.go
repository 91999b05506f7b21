package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/fetch"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
	"github.com/feedmirror/feedmirror/internal/infra/storage/memory"
	"github.com/feedmirror/feedmirror/internal/lifecycle/classify"
	"github.com/feedmirror/feedmirror/internal/lifecycle/engine"
	"github.com/feedmirror/feedmirror/internal/lifecycle/expiry"
)

type stubFetcher struct {
	result  *fetch.Result
	err     error
	lastURL string
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*fetch.Result, error) {
	s.lastURL = url
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type failingItemRepo struct {
	*memory.ItemRepo
	upsertErr error
}

func (r *failingItemRepo) UpsertBatch(ctx context.Context, items []domain.CachedItem) (int64, error) {
	return 0, r.upsertErr
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestWorker(f fetch.Fetcher, items storage.ItemRepository) *Worker {
	classifier := classify.New(classify.Config{DeadLetterThreshold: 15, StoreRetryAfter: 10 * time.Second})
	estimator := expiry.New(5*time.Second, time.Hour)
	estimator.Now = func() time.Time { return testNow }

	w := NewWorker(f, items, classifier, estimator, 8*time.Second, slog.New(slog.DiscardHandler))
	w.clearCache = func() bool { return false }
	w.now = func() time.Time { return testNow }
	return w
}

func pageResult(status int, next string, pageItems ...domain.PageItem) *fetch.Result {
	// A real empty page decodes "items": [] to a non-nil empty slice; the
	// helper must match or validation sees a missing items list.
	items := append([]domain.PageItem{}, pageItems...)
	return &fetch.Result{
		StatusCode: status,
		Page:       &domain.Page{Next: &next, Items: items, License: domain.CCByLicense},
		ReceivedAt: testNow,
	}
}

func numericItem(id, modified int64) domain.PageItem {
	return domain.PageItem{
		ID:       domain.ItemID{Numeric: id, IsNumeric: true},
		Modified: modified,
		Kind:     "Event",
		State:    "updated",
		Data:     json.RawMessage(`{"name":"x"}`),
	}
}

func testState() *domain.FeedState {
	s := domain.NewFeedState("parks", "https://origin.example/feed", "")
	return s
}

func TestProcessStoresPageAndAdvancesCursor(t *testing.T) {
	store := memory.NewMemoryStorage()
	items := memory.NewItemRepo(store)
	fetcher := &stubFetcher{result: pageResult(200, "https://origin.example/feed?after=2",
		numericItem(1, 100), numericItem(2, 200))}

	w := newTestWorker(fetcher, items)
	state := testState()
	out := w.Process(context.Background(), state)

	if out.Drop || out.DeadLetter {
		t.Fatalf("expected follow-up, got %+v", out)
	}
	if len(out.Followups) != 1 || out.Followups[0].Queue != domain.QueuePoll {
		t.Fatalf("expected one poll follow-up, got %+v", out.Followups)
	}
	if out.Followups[0].Delay != 0 {
		t.Errorf("mid-feed pages must re-poll immediately, got delay %v", out.Followups[0].Delay)
	}
	if state.CursorURL != "https://origin.example/feed?after=2" {
		t.Errorf("cursor not advanced: %s", state.CursorURL)
	}
	if state.PagesRead != 1 || state.ItemsRead != 2 || state.PollAttempts != 1 {
		t.Errorf("counters wrong: pages=%d items=%d attempts=%d", state.PagesRead, state.ItemsRead, state.PollAttempts)
	}
	if items.Count("parks") != 2 {
		t.Errorf("expected 2 cached items, got %d", items.Count("parks"))
	}

	cached, ok := items.Get("parks", fmt.Sprintf("%020d", 1))
	if !ok {
		t.Fatal("item 1 not cached under canonical id")
	}
	if cached.Deleted || cached.Expiry != nil {
		t.Errorf("updated item must not carry tombstone fields: %+v", cached)
	}
}

func TestProcessDeletedItemGetsRetentionExpiry(t *testing.T) {
	store := memory.NewMemoryStorage()
	items := memory.NewItemRepo(store)

	deleted := numericItem(7, 300)
	deleted.State = domain.ItemStateDeleted
	fetcher := &stubFetcher{result: pageResult(200, "https://origin.example/feed?after=7", deleted)}

	w := newTestWorker(fetcher, items)
	w.Process(context.Background(), testState())

	cached, ok := items.Get("parks", fmt.Sprintf("%020d", 7))
	if !ok {
		t.Fatal("tombstone not cached")
	}
	if !cached.Deleted {
		t.Error("tombstone not marked deleted")
	}
	want := testNow.AddDate(0, 0, 7)
	if cached.Expiry == nil || !cached.Expiry.Equal(want) {
		t.Errorf("tombstone expiry = %v, want %v", cached.Expiry, want)
	}
}

func TestProcessLastPageWritesSentinelOnce(t *testing.T) {
	store := memory.NewMemoryStorage()
	items := memory.NewItemRepo(store)
	state := testState()
	fetcher := &stubFetcher{result: pageResult(200, state.CursorURL)}

	w := newTestWorker(fetcher, items)
	out := w.Process(context.Background(), state)

	if state.LastPageReads != 1 {
		t.Fatalf("LastPageReads = %d, want 1", state.LastPageReads)
	}
	if state.PagesRead != 0 {
		t.Errorf("empty last page must not count as a page read")
	}
	sentinel, ok := items.Get("parks", domain.SentinelItemID)
	if !ok {
		t.Fatal("sentinel not written")
	}
	if sentinel.Modified != int64(domain.SentinelItemModified) {
		t.Errorf("sentinel modified = %d", sentinel.Modified)
	}
	if out.Followups[0].Delay != 8*time.Second {
		t.Errorf("no signals: delay = %v, want default 8s", out.Followups[0].Delay)
	}

	// Second empty read of the same streak must not rewrite the sentinel.
	before := items.Count("parks")
	w.Process(context.Background(), state)
	if state.LastPageReads != 2 {
		t.Errorf("LastPageReads = %d, want 2", state.LastPageReads)
	}
	if items.Count("parks") != before {
		t.Error("sentinel rewritten on repeat last-page read")
	}
}

func TestProcessSentinelRefreshedEachStreak(t *testing.T) {
	store := memory.NewMemoryStorage()
	items := memory.NewItemRepo(store)
	state := testState()
	fetcher := &stubFetcher{}
	w := newTestWorker(fetcher, items)

	shortMaxAge := 45 * time.Second
	longMaxAge := 300 * time.Second

	// First empty-page streak advertises a 45s max-age.
	result := pageResult(200, state.CursorURL)
	result.Signals = fetch.CacheSignals{MaxAge: &shortMaxAge}
	fetcher.result = result
	w.Process(context.Background(), state)

	// An item page ends the streak and advances the cursor.
	fetcher.result = pageResult(200, "https://origin.example/feed?after=5", numericItem(5, 500))
	w.Process(context.Background(), state)

	// The next streak advertises 300s; its sentinel write must stick even
	// though the sentinel's modified value can never increase.
	result = pageResult(200, state.CursorURL)
	result.Signals = fetch.CacheSignals{MaxAge: &longMaxAge}
	fetcher.result = result
	w.Process(context.Background(), state)

	sentinel, ok := items.Get("parks", domain.SentinelItemID)
	if !ok {
		t.Fatal("sentinel not written")
	}
	var payload domain.SentinelPayload
	if err := json.Unmarshal(sentinel.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.MaxAgeSeconds == nil || *payload.MaxAgeSeconds != 300 {
		t.Errorf("sentinel payload stale: MaxAgeSeconds = %v, want 300", payload.MaxAgeSeconds)
	}
}

func TestProcessLastPageDelaySelection(t *testing.T) {
	expires := testNow.Add(90 * time.Second)
	date := testNow
	maxAge := 45 * time.Second

	tests := []struct {
		name    string
		signals fetch.CacheSignals
		want    time.Duration
	}{
		{"expires wins", fetch.CacheSignals{Expires: &expires, Date: &date, MaxAge: &maxAge}, 90 * time.Second},
		{"max-age fallback", fetch.CacheSignals{MaxAge: &maxAge}, 45 * time.Second},
		{"default fallback", fetch.CacheSignals{}, 8 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewMemoryStorage()
			state := testState()
			result := pageResult(200, state.CursorURL)
			result.Signals = tt.signals
			w := newTestWorker(&stubFetcher{result: result}, memory.NewItemRepo(store))

			out := w.Process(context.Background(), state)
			if got := out.Followups[0].Delay; got != tt.want {
				t.Errorf("delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcessDuplicateDeliveryDropped(t *testing.T) {
	store := memory.NewMemoryStorage()
	items := memory.NewItemRepo(store)
	fetcher := &stubFetcher{result: pageResult(200, "https://origin.example/feed?after=2",
		numericItem(1, 100), numericItem(2, 200))}

	w := newTestWorker(fetcher, items)

	first := testState()
	w.Process(context.Background(), first)

	// A second delivery of the same message finds every row already written.
	second := testState()
	out := w.Process(context.Background(), second)

	if !out.Drop {
		t.Fatalf("duplicate delivery must be dropped, got %+v", out)
	}
	if second.PagesRead != 0 || second.ItemsRead != 0 {
		t.Errorf("dropped duplicate must not mutate read counters: %+v", second)
	}
}

func TestProcessUnauthorizedDropped(t *testing.T) {
	store := memory.NewMemoryStorage()
	fetcher := &stubFetcher{result: &fetch.Result{StatusCode: http.StatusUnauthorized}}

	w := newTestWorker(fetcher, memory.NewItemRepo(store))
	out := w.Process(context.Background(), testState())

	if !out.Drop {
		t.Fatalf("401 must drop the message, got %+v", out)
	}
}

func TestProcessInvalidPageRetries(t *testing.T) {
	next := "https://origin.example/feed?after=2"
	tests := []struct {
		name   string
		page   *domain.Page
		reason string
	}{
		{"unparsable body", nil, "not a feed page"},
		{"wrong license", &domain.Page{Next: &next, Items: []domain.PageItem{}, License: "https://example.com/proprietary"}, "license"},
		{"missing next", &domain.Page{Items: []domain.PageItem{}, License: domain.CCByLicense}, "next"},
		{"missing items", &domain.Page{Next: &next, License: domain.CCByLicense}, "items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewMemoryStorage()
			fetcher := &stubFetcher{result: &fetch.Result{StatusCode: 200, Page: tt.page}}

			w := newTestWorker(fetcher, memory.NewItemRepo(store))
			state := testState()
			out := w.Process(context.Background(), state)

			if out.Drop || out.DeadLetter || len(out.Followups) != 1 {
				t.Fatalf("invalid page must retry, got %+v", out)
			}
			if out.Followups[0].Delay != time.Second {
				t.Errorf("first retry delay = %v, want 1s", out.Followups[0].Delay)
			}
			if state.Retry == nil || state.Retry.Category != string(classify.InvalidPage) {
				t.Errorf("retry state = %+v", state.Retry)
			}
			if state.ErrorCount != 1 {
				t.Errorf("ErrorCount = %d, want 1", state.ErrorCount)
			}
			if !strings.Contains(state.LastError, tt.reason) {
				t.Errorf("LastError %q should mention %q", state.LastError, tt.reason)
			}
		})
	}
}

func TestProcessFetchErrorBacksOff(t *testing.T) {
	store := memory.NewMemoryStorage()
	fetcher := &stubFetcher{err: errors.New("connection refused")}

	w := newTestWorker(fetcher, memory.NewItemRepo(store))
	state := testState()
	state.Retry = &domain.RetryState{Category: string(classify.FetchError), Count: 3}

	out := w.Process(context.Background(), state)
	if got := out.Followups[0].Delay; got != 16*time.Second {
		t.Errorf("fifth consecutive fetch error: delay = %v, want 16s", got)
	}
	if state.Retry.Count != 4 {
		t.Errorf("retry count = %d, want 4", state.Retry.Count)
	}
}

func TestProcessTransientStoreOverload(t *testing.T) {
	items := &failingItemRepo{
		ItemRepo:  memory.NewItemRepo(memory.NewMemoryStorage()),
		upsertErr: fmt.Errorf("upsert: %w", storage.ErrTransientOverload),
	}
	fetcher := &stubFetcher{result: pageResult(200, "https://origin.example/feed?after=2", numericItem(1, 100))}

	w := newTestWorker(fetcher, items)
	state := testState()
	out := w.Process(context.Background(), state)

	if got := out.Followups[0].Delay; got != 10*time.Second {
		t.Errorf("transient overload delay = %v, want fixed 10s", got)
	}
	if state.ErrorCount != 0 {
		t.Errorf("transient overload must not count as a feed error, got %d", state.ErrorCount)
	}
	if state.CursorURL != state.SourceURL {
		t.Error("cursor must not advance on a failed write")
	}
}

func TestProcessCacheClearDeadLetters(t *testing.T) {
	store := memory.NewMemoryStorage()
	fetcher := &stubFetcher{result: pageResult(200, "https://origin.example/feed?after=2")}

	w := newTestWorker(fetcher, memory.NewItemRepo(store))
	w.clearCache = func() bool { return true }

	out := w.Process(context.Background(), testState())
	if !out.DeadLetter {
		t.Fatalf("cache clear must dead-letter, got %+v", out)
	}
	if fetcher.lastURL != "" {
		t.Error("cache clear must not hit the origin")
	}
}

func TestProcessClearsRetryStateOnSuccess(t *testing.T) {
	store := memory.NewMemoryStorage()
	fetcher := &stubFetcher{result: pageResult(200, "https://origin.example/feed?after=9", numericItem(9, 900))}

	w := newTestWorker(fetcher, memory.NewItemRepo(store))
	state := testState()
	state.Retry = &domain.RetryState{Category: string(classify.FetchError), Count: 6}
	state.LastError = "connection refused"

	out := w.Process(context.Background(), state)
	if len(out.Followups) != 1 {
		t.Fatalf("expected follow-up, got %+v", out)
	}
	if state.Retry != nil || state.LastError != "" {
		t.Errorf("success must clear retry state: %+v %q", state.Retry, state.LastError)
	}
}

var _ engine.Handler = (*Worker)(nil)
