package storage

import (
	"context"
	"errors"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/domain"
)

var (
	// ErrTransientOverload is returned when the store reports throttling or
	// resource exhaustion; callers retry after a fixed delay.
	ErrTransientOverload = errors.New("store transient overload")
)

// ItemRepository handles cached item storage operations
type ItemRepository interface {
	// UpsertBatch writes a batch of items for one source in a single logical
	// call and returns the number of rows actually affected. Rows whose
	// stored modified sequence is already at or past the incoming value are
	// not counted, so a redelivered page reports zero rows affected.
	UpsertBatch(ctx context.Context, items []domain.CachedItem) (int64, error)

	// DeleteBatch deletes up to limit items for a source and returns the
	// number deleted.
	DeleteBatch(ctx context.Context, source string, limit int) (int64, error)

	// PruneExpired removes deleted-item tombstones whose expiry has passed.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)

	// Page reads up to limit items for a source ordered by (modified, id),
	// starting at the given cursor inclusive of the cursor row itself (the
	// extra row lets callers distinguish an unknown source from a last page).
	Page(ctx context.Context, source string, afterModified int64, afterID string, limit int) ([]domain.CachedItem, error)
}

// FeedRepository handles durable registered-feed records
type FeedRepository interface {
	// Save persists a registration record, replacing any previous record for
	// the same source.
	Save(ctx context.Context, feed *domain.RegisteredFeed) error

	// Delete removes the record for a source.
	Delete(ctx context.Context, source string) error

	// List returns all registration records.
	List(ctx context.Context) ([]*domain.RegisteredFeed, error)

	// ListDatasetURLs returns the distinct dataset URLs of registered feeds.
	ListDatasetURLs(ctx context.Context) ([]string, error)
}
