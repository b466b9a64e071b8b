// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package database wraps the DuckDB event cache: calendar configuration,
// the normalized event rows produced by sync runs, and display
// configurations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/logging"
)

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the database at cfg.Path and initializes the
// schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	if dbDir := filepath.Dir(cfg.Path); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	params := url.Values{}
	params.Set("threads", fmt.Sprintf("%d", numThreads))
	if cfg.MaxMemory != "" {
		params.Set("max_memory", cfg.MaxMemory)
	}
	connStr := cfg.Path + "?" + params.Encode()

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	recovered, err := db.RecoverInterruptedSyncs(context.Background())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if recovered > 0 {
		logging.Warn().Int64("calendars", recovered).Msg("recovered calendars left syncing by previous run")
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("database opened")
	return db, nil
}

// NewMemory opens an in-memory database, used by tests.
func NewMemory() (*DB, error) {
	conn, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the store is reachable, for health checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the schema. Statements are idempotent so reopening an
// existing file is a no-op.
func (db *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calendars (
			id VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL,
			provider VARCHAR NOT NULL,
			credential_blob BLOB NOT NULL,
			color VARCHAR NOT NULL DEFAULT '#3b82f6',
			sync_interval_seconds INTEGER NOT NULL,
			sync_status VARCHAR NOT NULL DEFAULT 'idle',
			last_sync_at TIMESTAMP,
			last_error VARCHAR NOT NULL DEFAULT '',
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			next_sync_at TIMESTAMP NOT NULL,
			cache_past_days INTEGER NOT NULL,
			cache_future_days INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS calendar_events (
			id VARCHAR PRIMARY KEY,
			calendar_id VARCHAR NOT NULL,
			external_id VARCHAR NOT NULL,
			title VARCHAR NOT NULL,
			description VARCHAR,
			location VARCHAR,
			organizer VARCHAR,
			attendee_count INTEGER,
			start_at TIMESTAMP NOT NULL,
			end_at TIMESTAMP NOT NULL,
			is_all_day BOOLEAN NOT NULL,
			is_recurring BOOLEAN NOT NULL,
			recurrence_id VARCHAR,
			raw_data VARCHAR NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (calendar_id, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_calendar_range
			ON calendar_events (calendar_id, start_at, end_at)`,
		`CREATE TABLE IF NOT EXISTS display_configs (
			display_id VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL DEFAULT '',
			calendar_ids VARCHAR NOT NULL DEFAULT '[]',
			timezone VARCHAR NOT NULL DEFAULT 'UTC',
			layout VARCHAR NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
