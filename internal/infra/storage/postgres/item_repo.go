package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/domain"
)

// ItemRepo implements storage.ItemRepository using PostgreSQL.
type ItemRepo struct {
	db *DB
}

// NewItemRepo creates a new PostgreSQL item repository.
func NewItemRepo(db *DB) *ItemRepo {
	return &ItemRepo{db: db}
}

// UpsertBatch writes all items in one transaction. The conflict guard only
// updates rows whose stored modified value is behind the incoming one, so a
// redelivered page affects zero rows and the caller can detect the duplicate.
// The sentinel row always carries the maximum modified value and would
// otherwise freeze after its first write, so it bypasses the guard: each
// empty-page streak refreshes its re-poll signals.
func (r *ItemRepo) UpsertBatch(ctx context.Context, items []domain.CachedItem) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyErr(err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO items (source, id, modified, kind, deleted, data, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source, id) DO UPDATE SET
			modified = EXCLUDED.modified,
			kind = EXCLUDED.kind,
			deleted = EXCLUDED.deleted,
			data = EXCLUDED.data,
			expiry = EXCLUDED.expiry
		WHERE items.modified < EXCLUDED.modified
	`

	const sentinelQuery = `
		INSERT INTO items (source, id, modified, kind, deleted, data, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source, id) DO UPDATE SET
			modified = EXCLUDED.modified,
			kind = EXCLUDED.kind,
			deleted = EXCLUDED.deleted,
			data = EXCLUDED.data,
			expiry = EXCLUDED.expiry
	`

	var affected int64
	for _, item := range items {
		q := query
		if item.IsSentinel() {
			q = sentinelQuery
		}
		res, err := tx.ExecContext(ctx, q,
			item.Source, item.ID, item.Modified, item.Kind, item.Deleted, item.Data, item.Expiry)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert item %s/%s: %w", item.Source, item.ID, classifyErr(err))
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += rows
	}

	if err := tx.Commit(); err != nil {
		return 0, classifyErr(err)
	}
	return affected, nil
}

// DeleteBatch deletes up to limit rows for a source.
func (r *ItemRepo) DeleteBatch(ctx context.Context, source string, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM items
		WHERE ctid IN (SELECT ctid FROM items WHERE source = $1 LIMIT $2)
	`, source, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete items for %s: %w", source, classifyErr(err))
	}
	return res.RowsAffected()
}

// PruneExpired removes deleted-item tombstones past their expiry.
func (r *ItemRepo) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM items WHERE deleted = true AND expiry IS NOT NULL AND expiry < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired items: %w", classifyErr(err))
	}
	return res.RowsAffected()
}

// Page reads one read-API page ordered by (modified, id), starting at the
// cursor row inclusive.
func (r *ItemRepo) Page(ctx context.Context, source string, afterModified int64, afterID string, limit int) ([]domain.CachedItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source, id, modified, kind, deleted, data, expiry
		FROM items
		WHERE source = $1
		  AND (modified > $2 OR (modified = $2 AND id >= $3))
		ORDER BY modified, id
		LIMIT $4
	`, source, afterModified, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read page for %s: %w", source, classifyErr(err))
	}
	defer rows.Close()

	var items []domain.CachedItem
	for rows.Next() {
		var item domain.CachedItem
		if err := rows.Scan(&item.Source, &item.ID, &item.Modified, &item.Kind, &item.Deleted, &item.Data, &item.Expiry); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
