package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/config"
	"github.com/feedmirror/feedmirror/internal/core/domain"
)

// rpdeOrigin serves a two-page feed: one page with items, then the empty
// last page pointing back at itself.
func rpdeOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.RawQuery {
		case "":
			fmt.Fprintf(w, `{
				"next": %q,
				"items": [
					{"id": 1, "modified": 100, "kind": "Event", "state": "updated", "data": {"name": "a"}},
					{"id": 2, "modified": 200, "kind": "Event", "state": "updated", "data": {"name": "b"}}
				],
				"license": %q
			}`, srv.URL+"/feed?after=2", domain.CCByLicense)
		default:
			fmt.Fprintf(w, `{"next": %q, "items": [], "license": %q}`,
				srv.URL+"/feed?"+r.URL.RawQuery, domain.CCByLicense)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() config.AppConfig {
	return config.AppConfig{
		Server: config.ServerConfig{Port: 0, BaseURL: "http://localhost"},
		Poll: config.PollConfig{
			DefaultInterval:     8 * time.Second,
			MinInterval:         5 * time.Second,
			MaxInterval:         time.Hour,
			StoreRetryAfter:     10 * time.Second,
			DeadLetterThreshold: 15,
			FetchTimeout:        5 * time.Second,
			UserAgent:           "feedmirror-test",
		},
		Purge:  config.PurgeConfig{BatchSize: 1000},
		Resync: config.ResyncConfig{Period: time.Minute, Samples: 2, SampleGap: time.Millisecond},
		Prune:  config.PruneConfig{Interval: time.Minute},
	}
}

// Drives a registration through the whole pipeline with in-memory storage
// and queue: API register -> purge -> registration -> poll -> served page.
func TestRegistrationToServedFeed(t *testing.T) {
	origin := rpdeOrigin(t)

	app, err := NewApp(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	router := app.server.Router()

	body := fmt.Sprintf(`{"name":"parks","url":%q}`, origin.URL+"/feed")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("register status = %d: %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.engine.Start(ctx)

	// purge (empty) -> 1s handoff -> registration -> poll pages. Allow for
	// consumer idle waits along the way.
	deadline := time.Now().Add(15 * time.Second)
	for {
		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feeds/parks", nil))
		if w.Code == http.StatusOK {
			var page struct {
				Items   []json.RawMessage `json:"items"`
				License string            `json:"license"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
				t.Fatal(err)
			}
			if len(page.Items) == 2 {
				if page.License != domain.CCByLicense {
					t.Errorf("license = %s", page.License)
				}
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("feed never served, last status %d: %s", w.Code, w.Body.String())
		}
		time.Sleep(100 * time.Millisecond)
	}
}
