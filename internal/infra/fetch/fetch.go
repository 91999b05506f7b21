package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/domain"
)

// RecommendedPollIntervalHeader is the custom header an origin may use to
// suggest how often it should be polled, in seconds.
const RecommendedPollIntervalHeader = "X-Recommended-Poll-Interval"

const maxBodyBytes = 32 << 20 // 32 MiB

// CacheSignals are the re-poll hints extracted from an origin response.
type CacheSignals struct {
	Expires             *time.Time
	Date                *time.Time
	MaxAge              *time.Duration
	RecommendedInterval *int // seconds
}

// Result is one fetched origin page. Page is nil when the body could not be
// parsed; StatusCode is always set.
type Result struct {
	StatusCode int
	Page       *domain.Page
	Signals    CacheSignals
	ReceivedAt time.Time
}

// Fetcher retrieves origin feed pages.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}

// HTTPFetcher implements Fetcher with a shared http.Client.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Fetch performs one GET and parses the body as an RPDE page. A non-2xx
// status or an unparsable body is not an error here; the caller classifies
// the result. Only transport failures return an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	result := &Result{
		StatusCode: resp.StatusCode,
		Signals:    parseSignals(resp.Header),
		ReceivedAt: time.Now().UTC(),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}

	var page domain.Page
	if err := json.Unmarshal(body, &page); err == nil {
		result.Page = &page
	}
	return result, nil
}

func parseSignals(h http.Header) CacheSignals {
	var s CacheSignals

	if v := h.Get("Expires"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			s.Expires = &t
		}
	}
	if v := h.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			s.Date = &t
		}
	}
	if maxAge, ok := parseMaxAge(h.Get("Cache-Control")); ok {
		s.MaxAge = &maxAge
	}
	if v := h.Get(RecommendedPollIntervalHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.RecommendedInterval = &n
		}
	}
	return s
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if rest, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(rest); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	return 0, false
}
