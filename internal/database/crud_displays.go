// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
)

// Display errors
var (
	ErrDisplayNotFound = errors.New("display config not found")
)

// UpsertDisplayConfig creates or replaces the configuration for one display.
func (db *DB) UpsertDisplayConfig(ctx context.Context, cfg *models.DisplayConfig) error {
	calendarIDs, err := json.Marshal(cfg.CalendarIDs)
	if err != nil {
		return fmt.Errorf("failed to encode calendar ids: %w", err)
	}
	layout, err := json.Marshal(cfg.Layout)
	if err != nil {
		return fmt.Errorf("failed to encode layout: %w", err)
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	query := `INSERT INTO display_configs
		(display_id, name, calendar_ids, timezone, layout, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (display_id) DO UPDATE SET
			name = excluded.name,
			calendar_ids = excluded.calendar_ids,
			timezone = excluded.timezone,
			layout = excluded.layout,
			updated_at = excluded.updated_at`

	started := time.Now()
	_, err = db.conn.ExecContext(ctx, query,
		cfg.DisplayID, cfg.Name, string(calendarIDs), cfg.Timezone, string(layout), time.Now().UTC())
	metrics.RecordDBQuery("upsert", "display_configs", time.Since(started), err)
	if err != nil {
		return fmt.Errorf("failed to upsert display config: %w", err)
	}
	return nil
}

// GetDisplayConfig retrieves one display's configuration.
func (db *DB) GetDisplayConfig(ctx context.Context, displayID string) (*models.DisplayConfig, error) {
	query := `SELECT display_id, name, calendar_ids, timezone, layout
		FROM display_configs WHERE display_id = ?`

	started := time.Now()
	row := db.conn.QueryRowContext(ctx, query, displayID)

	var cfg models.DisplayConfig
	var calendarIDs, layout string
	err := row.Scan(&cfg.DisplayID, &cfg.Name, &calendarIDs, &cfg.Timezone, &layout)
	metrics.RecordDBQuery("select", "display_configs", time.Since(started), err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisplayNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan display config: %w", err)
	}
	if err := json.Unmarshal([]byte(calendarIDs), &cfg.CalendarIDs); err != nil {
		return nil, fmt.Errorf("failed to decode calendar ids: %w", err)
	}
	if err := json.Unmarshal([]byte(layout), &cfg.Layout); err != nil {
		return nil, fmt.Errorf("failed to decode layout: %w", err)
	}
	return &cfg, nil
}

// ListDisplayConfigs retrieves all display configurations.
func (db *DB) ListDisplayConfigs(ctx context.Context) ([]models.DisplayConfig, error) {
	query := `SELECT display_id, name, calendar_ids, timezone, layout
		FROM display_configs ORDER BY display_id`

	started := time.Now()
	rows, err := db.conn.QueryContext(ctx, query)
	metrics.RecordDBQuery("select", "display_configs", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list display configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.DisplayConfig
	for rows.Next() {
		var cfg models.DisplayConfig
		var calendarIDs, layout string
		if err := rows.Scan(&cfg.DisplayID, &cfg.Name, &calendarIDs, &cfg.Timezone, &layout); err != nil {
			return nil, fmt.Errorf("failed to scan display config row: %w", err)
		}
		if err := json.Unmarshal([]byte(calendarIDs), &cfg.CalendarIDs); err != nil {
			return nil, fmt.Errorf("failed to decode calendar ids: %w", err)
		}
		if err := json.Unmarshal([]byte(layout), &cfg.Layout); err != nil {
			return nil, fmt.Errorf("failed to decode layout: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// DeleteDisplayConfig removes a display's configuration.
func (db *DB) DeleteDisplayConfig(ctx context.Context, displayID string) error {
	started := time.Now()
	res, err := db.conn.ExecContext(ctx, `DELETE FROM display_configs WHERE display_id = ?`, displayID)
	metrics.RecordDBQuery("delete", "display_configs", time.Since(started), err)
	if err != nil {
		return fmt.Errorf("failed to delete display config: %w", err)
	}
	return requireRowAffected(res, ErrDisplayNotFound)
}
