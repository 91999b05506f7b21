// Package api exposes the proxy's HTTP surface: the public cached-feed pages
// plus the operator endpoints for registration and queue status.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feedmirror/feedmirror/internal/core/config"
	"github.com/feedmirror/feedmirror/internal/infra/fetch"
	"github.com/feedmirror/feedmirror/internal/infra/queue"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
	"github.com/feedmirror/feedmirror/internal/lifecycle/expiry"
)

// Items served per feed page.
const pageSize = 500

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	cfg       config.ServerConfig
	items     storage.ItemRepository
	feeds     storage.FeedRepository
	queue     queue.DelayQueue
	fetcher   fetch.Fetcher
	estimator *expiry.Estimator

	// defaultInterval projects a stale sentinel expiry forward when the
	// origin gave no recommended poll interval.
	defaultInterval time.Duration

	log  *slog.Logger
	http *http.Server
}

func NewServer(
	cfg config.ServerConfig,
	items storage.ItemRepository,
	feeds storage.FeedRepository,
	q queue.DelayQueue,
	fetcher fetch.Fetcher,
	estimator *expiry.Estimator,
	defaultInterval time.Duration,
	log *slog.Logger,
) *Server {
	return &Server{
		cfg:             cfg,
		items:           items,
		feeds:           feeds,
		queue:           q,
		fetcher:         fetcher,
		estimator:       estimator,
		defaultInterval: defaultInterval,
		log:             log,
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/feeds/:source", s.handleFeedPage)
		api.GET("/catalog", s.handleCatalog)

		admin := api.Group("", s.requireAPIKey())
		admin.POST("/register", s.handleRegister)
		admin.GET("/status", s.handleStatus)
	}
	return r
}

// Start runs the HTTP server until ListenAndServe returns.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}
	s.log.Info("API server listening", "port", s.cfg.Port)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requireAPIKey guards operator endpoints when a key is configured.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Api-Key") != s.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}
