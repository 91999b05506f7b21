package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
)

// Cache lifetimes. A full page's contents can never change (items only move
// forward in the feed), so it is cacheable for a long time; a partial or last
// page is still growing.
const (
	fullPageMaxAge = time.Hour
	lastPageMaxAge = 10 * time.Second
)

type feedCursor struct {
	modified int64
	id       string
	present  bool
}

// handleFeedPage serves one cached feed page in RPDE form.
func (s *Server) handleFeedPage(c *gin.Context) {
	source := c.Param("source")

	cursor, err := parseCursor(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// One extra row for the cursor itself (the query is inclusive) and one
	// beyond the page so a full page can be told apart from a final one.
	rows, err := s.items.Page(c.Request.Context(), source, cursor.modified, cursor.id, pageSize+2)
	if err != nil {
		if errors.Is(err, storage.ErrTransientOverload) {
			c.Header("Retry-After", "10")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "store overloaded, retry shortly"})
			return
		}
		s.log.Error("Feed page query failed", "source", source, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// A polled feed always holds at least its sentinel row, so an empty
	// result means the source is unknown (or not yet polled).
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("feed %q not found", source)})
		return
	}

	// Drop the cursor row itself when the caller supplied a cursor.
	if cursor.present && rows[0].Modified == cursor.modified && rows[0].ID == cursor.id {
		rows = rows[1:]
	}

	var sentinel *domain.CachedItem
	if n := len(rows); n > 0 && rows[n-1].IsSentinel() {
		sentinel = &rows[n-1]
		rows = rows[:n-1]
	}

	full := len(rows) > pageSize
	if full {
		rows = rows[:pageSize]
	}

	items := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, json.RawMessage(row.Data))
	}

	next := cursor
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		next = feedCursor{modified: last.Modified, id: last.ID, present: true}
	}

	if full {
		c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(fullPageMaxAge.Seconds())))
	} else {
		c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(lastPageMaxAge.Seconds())))
		if len(rows) == 0 && sentinel != nil {
			s.setExpiresFromSentinel(c, sentinel)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"next":    s.pageURL(source, next),
		"items":   items,
		"license": domain.CCByLicense,
	})
}

// setExpiresFromSentinel turns the stored last-page signals into an Expires
// header, projecting a stale expiry forward to the next poll boundary.
func (s *Server) setExpiresFromSentinel(c *gin.Context, sentinel *domain.CachedItem) {
	var payload domain.SentinelPayload
	if err := json.Unmarshal(sentinel.Data, &payload); err != nil || payload.Expires == nil {
		return
	}
	interval := s.defaultInterval
	if payload.RecommendedInterval != nil {
		interval = time.Duration(*payload.RecommendedInterval) * time.Second
	}
	expires := s.estimator.ProjectForward(*payload.Expires, interval)
	c.Header("Expires", expires.UTC().Format(http.TimeFormat))
}

func (s *Server) pageURL(source string, cursor feedCursor) string {
	base := strings.TrimSuffix(s.cfg.BaseURL, "/")
	if !cursor.present {
		return fmt.Sprintf("%s/api/feeds/%s", base, source)
	}
	return fmt.Sprintf("%s/api/feeds/%s?afterTimestamp=%d&afterId=%s",
		base, source, cursor.modified, url.QueryEscape(cursor.id))
}

func parseCursor(c *gin.Context) (feedCursor, error) {
	ts := c.Query("afterTimestamp")
	id := c.Query("afterId")
	if ts == "" && id == "" {
		return feedCursor{}, nil
	}
	if ts == "" {
		return feedCursor{}, fmt.Errorf("afterId requires afterTimestamp")
	}
	modified, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return feedCursor{}, fmt.Errorf("afterTimestamp must be an integer")
	}
	return feedCursor{modified: modified, id: id, present: true}, nil
}

// handleCatalog lists registered dataset URLs as a schema.org DataCatalog.
func (s *Server) handleCatalog(c *gin.Context) {
	urls, err := s.feeds.ListDatasetURLs(c.Request.Context())
	if err != nil {
		s.log.Error("Catalog query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"@context": "https://schema.org",
		"@type":    "DataCatalog",
		"publisher": gin.H{
			"@type": "Organization",
			"name":  s.cfg.OrganizationName,
			"url":   s.cfg.OrganizationURL,
		},
		"dataset": urls,
	})
}
