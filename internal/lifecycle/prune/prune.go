// Package prune removes deleted-item tombstones whose retention window has
// passed. Tombstones must be served for a while so consumers learn about the
// deletion, but not forever.
package prune

import (
	"context"
	"log/slog"
	"time"

	"github.com/feedmirror/feedmirror/internal/infra/storage"
	"github.com/feedmirror/feedmirror/internal/metrics"
)

// Pruner periodically deletes expired tombstones.
type Pruner struct {
	items    storage.ItemRepository
	interval time.Duration

	now func() time.Time
	log *slog.Logger
}

func New(items storage.ItemRepository, interval time.Duration, log *slog.Logger) *Pruner {
	return &Pruner{
		items:    items,
		interval: interval,
		now:      time.Now,
		log:      log,
	}
}

// Run prunes on a fixed interval until the context is canceled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PruneOnce(ctx); err != nil {
				p.log.Error("Tombstone prune failed", "error", err)
			}
		}
	}
}

// PruneOnce deletes every tombstone past its expiry.
func (p *Pruner) PruneOnce(ctx context.Context) error {
	pruned, err := p.items.PruneExpired(ctx, p.now().UTC())
	if err != nil {
		return err
	}
	if pruned > 0 {
		metrics.PrunedTombstones.Add(float64(pruned))
		p.log.Info("Pruned expired tombstones", "count", pruned)
	}
	return nil
}
