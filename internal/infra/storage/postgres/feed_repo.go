package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/feedmirror/feedmirror/internal/core/domain"
)

// FeedRepo implements storage.FeedRepository using PostgreSQL.
type FeedRepo struct {
	db *DB
}

// NewFeedRepo creates a new PostgreSQL feed repository.
func NewFeedRepo(db *DB) *FeedRepo {
	return &FeedRepo{db: db}
}

func (r *FeedRepo) Save(ctx context.Context, feed *domain.RegisteredFeed) error {
	initialState, err := json.Marshal(feed.InitialState)
	if err != nil {
		return fmt.Errorf("failed to encode initial feed state: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO feeds (source, url, dataset_url, initial_feed_state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source) DO UPDATE SET
			url = EXCLUDED.url,
			dataset_url = EXCLUDED.dataset_url,
			initial_feed_state = EXCLUDED.initial_feed_state
	`, feed.Source, feed.URL, feed.DatasetURL, initialState)
	if err != nil {
		return fmt.Errorf("failed to save feed %s: %w", feed.Source, classifyErr(err))
	}
	return nil
}

func (r *FeedRepo) Delete(ctx context.Context, source string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE source = $1`, source)
	if err != nil {
		return fmt.Errorf("failed to delete feed %s: %w", source, classifyErr(err))
	}
	return nil
}

func (r *FeedRepo) List(ctx context.Context) ([]*domain.RegisteredFeed, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source, url, dataset_url, initial_feed_state FROM feeds ORDER BY source
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", classifyErr(err))
	}
	defer rows.Close()

	var feeds []*domain.RegisteredFeed
	for rows.Next() {
		var f domain.RegisteredFeed
		var initialState []byte
		if err := rows.Scan(&f.Source, &f.URL, &f.DatasetURL, &initialState); err != nil {
			return nil, fmt.Errorf("failed to scan feed row: %w", err)
		}
		if len(initialState) > 0 {
			state, err := domain.DecodeFeedState(initialState)
			if err != nil {
				return nil, fmt.Errorf("corrupt initial state for %s: %w", f.Source, err)
			}
			f.InitialState = state
		}
		feeds = append(feeds, &f)
	}
	return feeds, rows.Err()
}

func (r *FeedRepo) ListDatasetURLs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT dataset_url FROM feeds WHERE dataset_url <> '' ORDER BY dataset_url
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset urls: %w", classifyErr(err))
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}
