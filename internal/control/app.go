// Package control assembles the proxy: storage, queue transport, lifecycle
// workers, reconciler, pruner, and the HTTP API.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/feedmirror/feedmirror/internal/api"
	"github.com/feedmirror/feedmirror/internal/core/config"
	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/fetch"
	"github.com/feedmirror/feedmirror/internal/infra/queue"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
	"github.com/feedmirror/feedmirror/internal/infra/storage/memory"
	"github.com/feedmirror/feedmirror/internal/infra/storage/postgres"
	"github.com/feedmirror/feedmirror/internal/lifecycle/classify"
	"github.com/feedmirror/feedmirror/internal/lifecycle/engine"
	"github.com/feedmirror/feedmirror/internal/lifecycle/expiry"
	"github.com/feedmirror/feedmirror/internal/lifecycle/poll"
	"github.com/feedmirror/feedmirror/internal/lifecycle/prune"
	"github.com/feedmirror/feedmirror/internal/lifecycle/purge"
	"github.com/feedmirror/feedmirror/internal/lifecycle/register"
	"github.com/feedmirror/feedmirror/internal/lifecycle/resync"
)

// App is the assembled application.
type App struct {
	cfg config.AppConfig

	engine     *engine.Engine
	reconciler *resync.Reconciler
	pruner     *prune.Pruner
	server     *api.Server

	db         *postgres.DB
	redisQueue *queue.RedisQueue

	log    *slog.Logger
	cancel context.CancelFunc
}

// NewApp initializes every dependency. Without a database or Redis URL the
// in-memory implementations are used, which is only suitable for local runs.
func NewApp(cfg config.AppConfig) (*App, error) {
	log := slog.Default()

	app := &App{cfg: cfg, log: log}

	// 1. Storage
	var itemRepo storage.ItemRepository
	var feedRepo storage.FeedRepository

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), postgres.Config{
			URL:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		app.db = db
		itemRepo = postgres.NewItemRepo(db)
		feedRepo = postgres.NewFeedRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		itemRepo = memory.NewItemRepo(store)
		feedRepo = memory.NewFeedRepo(store)
		log.Warn("Using in-memory storage, cached items will not survive restarts")
	}

	// 2. Queue transport
	var q queue.DelayQueue
	if cfg.Redis.URL != "" {
		rq, err := queue.NewRedisQueue(queue.Config{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init redis queue: %w", err)
		}
		app.redisQueue = rq
		q = rq
		log.Info("Using Redis delay queue")
	} else {
		q = queue.NewMemoryQueue()
		log.Warn("Using in-memory queue, in-flight feeds will not survive restarts")
	}

	// 3. Lifecycle workers
	fetcher := fetch.NewHTTPFetcher(cfg.Poll.FetchTimeout, cfg.Poll.UserAgent)
	classifier := classify.New(classify.Config{
		DeadLetterThreshold: cfg.Poll.DeadLetterThreshold,
		StoreRetryAfter:     cfg.Poll.StoreRetryAfter,
	})
	estimator := expiry.New(cfg.Poll.MinInterval, cfg.Poll.MaxInterval)

	app.engine = engine.New(q, log)
	app.engine.Register(domain.QueuePoll,
		poll.NewWorker(fetcher, itemRepo, classifier, estimator, cfg.Poll.DefaultInterval, log))
	app.engine.Register(domain.QueuePurge,
		purge.NewWorker(itemRepo, cfg.Purge.BatchSize, log))
	app.engine.Register(domain.QueueRegistration,
		register.NewWorker(fetcher, feedRepo, q, log))
	app.engine.Register(domain.QueuePollDeadLetter, purge.DeadLetterHandler(log))

	// 4. Background maintenance
	app.reconciler = resync.New(feedRepo, q, cfg.Resync, log)
	app.pruner = prune.New(itemRepo, cfg.Prune.Interval, log)

	// 5. HTTP API
	app.server = api.NewServer(cfg.Server, itemRepo, feedRepo, q, fetcher, estimator,
		cfg.Poll.DefaultInterval, log)

	return app, nil
}

// Start launches the queue consumers, the background workers, and the API
// server, then returns.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.engine.Start(ctx)
	go a.reconciler.Run(ctx)
	go a.pruner.Run(ctx)

	go func() {
		if err := a.server.Start(); err != nil {
			a.log.Error("API server stopped", "error", err)
		}
	}()

	a.log.Info("Feed mirror started", "queues", domain.AllQueues)
	return nil
}

// Stop shuts the application down, draining in-flight HTTP requests first.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Error("API shutdown failed", "error", err)
	}
	if a.redisQueue != nil {
		if err := a.redisQueue.Close(); err != nil {
			a.log.Error("Redis close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("Database close failed", "error", err)
		}
	}
	return nil
}
