package api

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/feedmirror/feedmirror/internal/core/domain"
)

// Feed names become URL path segments and store keys, so they are restricted
// to a slug alphabet.
var feedNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

type registerRequest struct {
	Name       string `json:"name" binding:"required"`
	URL        string `json:"url" binding:"required"`
	DatasetURL string `json:"datasetUrl"`
}

// handleRegister validates a new feed and injects it into the lifecycle. The
// injected message starts on the purge queue so any residue from a previous
// feed of the same name is cleared before the first poll.
func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := validateRegistration(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	existing, err := s.feeds.List(c.Request.Context())
	if err != nil {
		s.log.Error("Feed lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	for _, feed := range existing {
		if feed.Source != req.Name {
			continue
		}
		if feed.URL != req.URL {
			c.JSON(http.StatusConflict, gin.H{
				"error": fmt.Sprintf("feed %q is already registered for a different url", req.Name),
			})
			return
		}
		// Same name, same origin: already registered, nothing to do.
		c.JSON(http.StatusOK, gin.H{"status": "already registered", "name": req.Name})
		return
	}

	// Check the origin up front so an obviously broken registration fails
	// at the API boundary instead of cycling through the retry queue.
	result, err := s.fetcher.Fetch(c.Request.Context(), req.URL)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("origin unreachable: %v", err)})
		return
	}
	if result.StatusCode != http.StatusOK {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("origin returned status %d", result.StatusCode)})
		return
	}
	if result.Page == nil || result.Page.License != domain.CCByLicense {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "origin does not serve an open-licensed feed page"})
		return
	}

	state := domain.NewFeedState(req.Name, req.URL, req.DatasetURL)
	body, err := state.Encode()
	if err != nil {
		s.log.Error("Encode feed state failed", "feed", req.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if err := s.queue.Enqueue(c.Request.Context(), domain.QueuePurge, body, 0); err != nil {
		s.log.Error("Enqueue registration failed", "feed", req.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	s.log.Info("Feed registration accepted", "feed", req.Name, "url", req.URL)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "name": req.Name})
}

func validateRegistration(req registerRequest) error {
	if !feedNamePattern.MatchString(req.Name) {
		return fmt.Errorf("name must be a lowercase slug")
	}
	for field, raw := range map[string]string{"url": req.URL, "datasetUrl": req.DatasetURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) url", field)
		}
	}
	return nil
}

type statusEntry struct {
	Queue string            `json:"queue"`
	State *domain.FeedState `json:"state"`
}

// handleStatus peeks every queue without consuming anything, giving a live
// picture of where each feed sits in its lifecycle.
func (s *Server) handleStatus(c *gin.Context) {
	nameFilter := c.Query("name")

	var entries []statusEntry
	for _, queueName := range domain.AllQueues {
		bodies, err := s.queue.PeekAll(c.Request.Context(), queueName)
		if err != nil {
			s.log.Error("Status peek failed", "queue", queueName, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		for _, body := range bodies {
			state, err := domain.DecodeFeedState(body)
			if err != nil {
				continue
			}
			if nameFilter != "" && state.Name != nameFilter {
				continue
			}
			entries = append(entries, statusEntry{Queue: queueName, State: state})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].State.Name != entries[j].State.Name {
			return entries[i].State.Name < entries[j].State.Name
		}
		return entries[i].Queue < entries[j].Queue
	})

	c.JSON(http.StatusOK, gin.H{"feeds": entries, "count": len(entries)})
}
