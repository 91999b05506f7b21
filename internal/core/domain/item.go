package domain

import (
	"encoding/json"
	"math"
	"time"
)

// Sentinel item written once per feed when an empty last page is first
// observed. It sorts after every real item and carries the origin's re-poll
// signals so the read path does not need a second store round trip.
const (
	SentinelItemID       = "!last-page"
	SentinelItemModified = math.MaxInt64
)

// CachedItem is one row in the items table, keyed by (source, id).
type CachedItem struct {
	Source   string
	ID       string
	Modified int64
	Kind     string
	Deleted  bool
	Data     []byte
	// Expiry is set only for deleted items, to allow tombstone pruning.
	Expiry *time.Time
}

// IsSentinel reports whether the row is a feed's last-page sentinel.
func (c *CachedItem) IsSentinel() bool {
	return c.ID == SentinelItemID && c.Modified == SentinelItemModified
}

// SentinelPayload is the data carried by the sentinel item.
type SentinelPayload struct {
	Expires             *time.Time `json:"expires,omitempty"`
	MaxAgeSeconds       *int64     `json:"maxAge,omitempty"`
	RecommendedInterval *int       `json:"recommendedPollInterval,omitempty"`
}

// NewSentinelItem builds the sentinel row for a source.
func NewSentinelItem(source string, payload SentinelPayload) (CachedItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return CachedItem{}, err
	}
	return CachedItem{
		Source:   source,
		ID:       SentinelItemID,
		Modified: SentinelItemModified,
		Data:     data,
	}, nil
}
