package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Poll.DefaultInterval == 0 {
		cfg.Poll.DefaultInterval = 8 * time.Second
	}
	if cfg.Poll.MinInterval == 0 {
		cfg.Poll.MinInterval = 5 * time.Second
	}
	if cfg.Poll.MaxInterval == 0 {
		cfg.Poll.MaxInterval = time.Hour
	}
	if cfg.Poll.StoreRetryAfter == 0 {
		cfg.Poll.StoreRetryAfter = 10 * time.Second
	}
	if cfg.Poll.DeadLetterThreshold == 0 {
		cfg.Poll.DeadLetterThreshold = 15
	}
	if cfg.Poll.FetchTimeout == 0 {
		cfg.Poll.FetchTimeout = 30 * time.Second
	}
	if cfg.Poll.UserAgent == "" {
		cfg.Poll.UserAgent = "feedmirror"
	}
	if cfg.Purge.BatchSize == 0 {
		cfg.Purge.BatchSize = 1000
	}
	if cfg.Resync.Period == 0 {
		cfg.Resync.Period = 10 * time.Second
	}
	if cfg.Resync.Samples == 0 {
		cfg.Resync.Samples = 8
	}
	if cfg.Resync.SampleGap == 0 {
		cfg.Resync.SampleGap = 2 * time.Second
	}
	if cfg.Prune.Interval == 0 {
		cfg.Prune.Interval = 5 * time.Minute
	}
}
