package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/domain"
)

// MemoryStorage is an in-memory store used by tests and local development.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]map[string]domain.CachedItem // source -> id -> item
	feeds map[string]*domain.RegisteredFeed
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items: make(map[string]map[string]domain.CachedItem),
		feeds: make(map[string]*domain.RegisteredFeed),
	}
}

// -----------------------------------------------------------------------------
// Item Repository
// -----------------------------------------------------------------------------

type ItemRepo struct {
	store *MemoryStorage
}

func NewItemRepo(store *MemoryStorage) *ItemRepo {
	return &ItemRepo{store: store}
}

func (r *ItemRepo) UpsertBatch(ctx context.Context, items []domain.CachedItem) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var affected int64
	for _, item := range items {
		bySource, ok := r.store.items[item.Source]
		if !ok {
			bySource = make(map[string]domain.CachedItem)
			r.store.items[item.Source] = bySource
		}
		// The sentinel always carries the maximum modified value, so the
		// sequence guard would freeze its payload after the first streak;
		// it is overwritten unconditionally instead.
		existing, exists := bySource[item.ID]
		if exists && existing.Modified >= item.Modified && !item.IsSentinel() {
			continue
		}
		bySource[item.ID] = item
		affected++
	}
	return affected, nil
}

func (r *ItemRepo) DeleteBatch(ctx context.Context, source string, limit int) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	bySource := r.store.items[source]
	var deleted int64
	for id := range bySource {
		if deleted >= int64(limit) {
			break
		}
		delete(bySource, id)
		deleted++
	}
	return deleted, nil
}

func (r *ItemRepo) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var pruned int64
	for _, bySource := range r.store.items {
		for id, item := range bySource {
			if item.Deleted && item.Expiry != nil && item.Expiry.Before(now) {
				delete(bySource, id)
				pruned++
			}
		}
	}
	return pruned, nil
}

func (r *ItemRepo) Page(ctx context.Context, source string, afterModified int64, afterID string, limit int) ([]domain.CachedItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	bySource := r.store.items[source]
	all := make([]domain.CachedItem, 0, len(bySource))
	for _, item := range bySource {
		all = append(all, item)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Modified != all[j].Modified {
			return all[i].Modified < all[j].Modified
		}
		return all[i].ID < all[j].ID
	})

	page := make([]domain.CachedItem, 0, limit)
	for _, item := range all {
		if item.Modified < afterModified {
			continue
		}
		if item.Modified == afterModified && item.ID < afterID {
			continue
		}
		page = append(page, item)
		if len(page) >= limit {
			break
		}
	}
	return page, nil
}

// Count returns the number of cached items for a source, for tests.
func (r *ItemRepo) Count(source string) int {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.items[source])
}

// Get returns one cached item for tests.
func (r *ItemRepo) Get(source, id string) (domain.CachedItem, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	item, ok := r.store.items[source][id]
	return item, ok
}

// Seed inserts items directly, bypassing the modified-sequence guard.
func (r *ItemRepo) Seed(items ...domain.CachedItem) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, item := range items {
		bySource, ok := r.store.items[item.Source]
		if !ok {
			bySource = make(map[string]domain.CachedItem)
			r.store.items[item.Source] = bySource
		}
		bySource[item.ID] = item
	}
}

// -----------------------------------------------------------------------------
// Feed Repository
// -----------------------------------------------------------------------------

type FeedRepo struct {
	store *MemoryStorage
}

func NewFeedRepo(store *MemoryStorage) *FeedRepo {
	return &FeedRepo{store: store}
}

func (r *FeedRepo) Save(ctx context.Context, feed *domain.RegisteredFeed) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	copied := *feed
	r.store.feeds[feed.Source] = &copied
	return nil
}

func (r *FeedRepo) Delete(ctx context.Context, source string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.feeds, source)
	return nil
}

func (r *FeedRepo) List(ctx context.Context) ([]*domain.RegisteredFeed, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	feeds := make([]*domain.RegisteredFeed, 0, len(r.store.feeds))
	for _, f := range r.store.feeds {
		copied := *f
		feeds = append(feeds, &copied)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Source < feeds[j].Source })
	return feeds, nil
}

func (r *FeedRepo) ListDatasetURLs(ctx context.Context) ([]string, error) {
	feeds, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(feeds))
	for _, f := range feeds {
		if f.DatasetURL != "" {
			urls = append(urls, f.DatasetURL)
		}
	}
	return urls, nil
}
