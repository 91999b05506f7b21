package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RetryState carries the error-recovery context of the previous attempt so
// the classifier can detect whether a failure category is continuing.
type RetryState struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// FeedState is the payload of every queue message. It holds all per-feed
// progress; no feed state lives in process memory between invocations.
type FeedState struct {
	Name       string    `json:"name"`
	SourceURL  string    `json:"url"`
	CursorURL  string    `json:"nextUrl"`
	DatasetURL string    `json:"datasetUrl,omitempty"`
	CreatedAt  time.Time `json:"dateCreated"`
	ModifiedAt time.Time `json:"dateModified"`

	PagesRead     int64 `json:"totalPagesRead"`
	ItemsRead     int64 `json:"totalItemsRead"`
	PollAttempts  int64 `json:"totalPollRequests"`
	ErrorCount    int64 `json:"totalErrors"`
	LastPageReads int64 `json:"lastPageReads"`

	RegistrationRetries int   `json:"registrationRetries"`
	PurgeRetries        int   `json:"purgeRetries"`
	PurgedItems         int64 `json:"purgedItems"`
	PurgeCycleCount     int64 `json:"totalPurgeCount"`

	// 7 days is the RPDE spec recommendation for deleted item retention.
	DeletedItemRetentionDays int `json:"deletedItemDaysToLive"`

	Retry     *RetryState `json:"retryState,omitempty"`
	LastError string      `json:"lastError,omitempty"`

	// InstanceID disambiguates duplicate in-flight messages for the same feed.
	InstanceID string `json:"id"`
}

// NewFeedState creates the state for a feed being registered for the first
// time. The cursor starts at the source URL.
func NewFeedState(name, sourceURL, datasetURL string) *FeedState {
	now := time.Now().UTC()
	return &FeedState{
		Name:                     name,
		SourceURL:                sourceURL,
		CursorURL:                sourceURL,
		DatasetURL:               datasetURL,
		CreatedAt:                now,
		ModifiedAt:               now,
		PurgeCycleCount:          -1,
		DeletedItemRetentionDays: 7,
		InstanceID:               uuid.New().String(),
	}
}

// ResetCounters zeroes all per-cycle counters. Called on (re)registration and
// on purge completion. PurgeCycleCount survives resets.
func (s *FeedState) ResetCounters() {
	s.PagesRead = 0
	s.ItemsRead = 0
	s.PollAttempts = 0
	s.ErrorCount = 0
	s.LastPageReads = 0
	s.RegistrationRetries = 0
	s.PurgeRetries = 0
	s.PurgedItems = 0
	s.Retry = nil
	s.LastError = ""
}

// Encode serializes the state for a queue message body.
func (s *FeedState) Encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode feed state %q: %w", s.Name, err)
	}
	return b, nil
}

// DecodeFeedState deserializes a queue message body.
func DecodeFeedState(body []byte) (*FeedState, error) {
	var s FeedState
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode feed state: %w", err)
	}
	return &s, nil
}
