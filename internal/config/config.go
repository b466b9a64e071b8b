// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package config loads and validates the service configuration from layered
// sources: built-in defaults, an optional YAML file, and ROOMCAST_*
// environment variables, in increasing precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the service.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Sync       SyncConfig       `koanf:"sync"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Logging    LoggingConfig    `koanf:"logging"`
	SSE        SSEConfig        `koanf:"sse"`
	FeedCache  FeedCacheConfig  `koanf:"feed_cache"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DatabaseConfig configures the DuckDB event cache.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// SyncConfig configures the background sync scheduler.
type SyncConfig struct {
	// ScanInterval is how often the scheduler looks for calendars due to
	// sync.
	ScanInterval time.Duration `koanf:"scan_interval"`
	// DefaultIntervalSeconds applies to calendars created without an
	// explicit interval.
	DefaultIntervalSeconds int `koanf:"default_interval_seconds" validate:"min=30,max=86400"`
	DefaultCachePastDays   int `koanf:"default_cache_past_days" validate:"min=0"`
	DefaultCacheFutureDays int `koanf:"default_cache_future_days" validate:"min=1"`
	// MaxConcurrent bounds how many calendars sync at once.
	MaxConcurrent int `koanf:"max_concurrent" validate:"min=1"`
}

// EncryptionConfig carries the credential-encryption secret.
type EncryptionConfig struct {
	// Secret derives the AES key for stored calendar credentials. Changing
	// it invalidates every stored credential.
	Secret string `koanf:"secret" validate:"required,min=16"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// SSEConfig configures the display event stream.
type SSEConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// FeedCacheConfig configures the on-disk ICS feed cache.
type FeedCacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// defaultConfig returns the built-in defaults, overridden by file and env
// layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/roomcast.duckdb",
			MaxMemory: "512MB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Sync: SyncConfig{
			ScanInterval:           15 * time.Second,
			DefaultIntervalSeconds: 300,
			DefaultCachePastDays:   1,
			DefaultCacheFutureDays: 30,
			MaxConcurrent:          4,
		},
		Encryption: EncryptionConfig{
			Secret: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		SSE: SSEConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		FeedCache: FeedCacheConfig{
			Enabled: true,
			Path:    "/data/feedcache",
		},
	}
}

var configValidator = validator.New()

// Validate checks the loaded configuration for values that would fail later
// and for obvious misconfiguration.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %v", c.Server.Timeout)
	}
	if c.Sync.ScanInterval < time.Second {
		return fmt.Errorf("sync.scan_interval must be at least 1s, got %v", c.Sync.ScanInterval)
	}
	if c.SSE.HeartbeatInterval < time.Second {
		return fmt.Errorf("sse.heartbeat_interval must be at least 1s, got %v", c.SSE.HeartbeatInterval)
	}
	if c.FeedCache.Enabled && c.FeedCache.Path == "" {
		return fmt.Errorf("feed_cache.path is required when feed_cache.enabled is true")
	}
	return nil
}
