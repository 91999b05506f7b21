package config

import (
	"os"
	"time"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Poll     PollConfig     `yaml:"poll"`
	Purge    PurgeConfig    `yaml:"purge"`
	Resync   ResyncConfig   `yaml:"resync"`
	Prune    PruneConfig    `yaml:"prune"`
}

// ServerConfig holds the public API server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
	// BaseURL is the externally visible root used to build next-page links,
	// e.g. "https://proxy.example.org/".
	BaseURL string `yaml:"base_url"`
	// APIKey guards the registration and status endpoints when set.
	APIKey           string `yaml:"api_key"`
	OrganizationName string `yaml:"organization_name"`
	OrganizationURL  string `yaml:"organization_url"`
}

// RedisConfig holds queue transport connection settings.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// PollConfig tunes the poll worker and expiry estimator.
type PollConfig struct {
	// DefaultInterval is used for re-polling a last page when the origin
	// provides no caching signal.
	DefaultInterval time.Duration `yaml:"default_interval"`
	// MinInterval and MaxInterval bound the adjusted origin expiry.
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	// StoreRetryAfter is the fixed delay applied on transient store overload.
	StoreRetryAfter time.Duration `yaml:"store_retry_after"`
	// DeadLetterThreshold is the number of consecutive same-category retries
	// after which a feed is dead-lettered.
	DeadLetterThreshold int           `yaml:"dead_letter_threshold"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	UserAgent           string        `yaml:"user_agent"`
}

// PurgeConfig tunes the purge worker.
type PurgeConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// ResyncConfig tunes the orphaned-feed reconciler.
type ResyncConfig struct {
	Period    time.Duration `yaml:"period"`
	Samples   int           `yaml:"samples"`
	SampleGap time.Duration `yaml:"sample_gap"`
}

// PruneConfig tunes the deleted-item tombstone pruner.
type PruneConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ClearProxyCache reports whether the operator clear-cache flag is set. It is
// re-read from the environment at the start of every worker invocation, never
// cached, since each invocation may run in a different process.
func ClearProxyCache() bool {
	return os.Getenv("CLEAR_PROXY_CACHE") == "true"
}
