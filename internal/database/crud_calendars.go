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

	"github.com/google/uuid"

	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
)

// Calendar errors
var (
	ErrCalendarNotFound = errors.New("calendar not found")
)

const calendarColumns = `id, name, provider, credential_blob, color,
	sync_interval_seconds, sync_status, last_sync_at, last_error,
	consecutive_errors, next_sync_at, cache_past_days, cache_future_days,
	created_at, updated_at`

// CreateCalendar inserts a new calendar. The credential blob must already be
// encrypted.
func (db *DB) CreateCalendar(ctx context.Context, cal *models.Calendar) error {
	if cal.ID == "" {
		cal.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cal.CreatedAt.IsZero() {
		cal.CreatedAt = now
	}
	cal.UpdatedAt = cal.CreatedAt
	if cal.SyncStatus == "" {
		cal.SyncStatus = models.SyncStatusIdle
	}
	if cal.NextSyncAt.IsZero() {
		cal.NextSyncAt = now
	}

	query := `INSERT INTO calendars (` + calendarColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	started := time.Now()
	_, err := db.conn.ExecContext(ctx, query,
		cal.ID, cal.Name, cal.Provider, cal.CredentialBlob, cal.Color,
		cal.SyncIntervalSeconds, cal.SyncStatus, cal.LastSyncAt, cal.LastError,
		cal.ConsecutiveErrors, cal.NextSyncAt, cal.CachePastDays, cal.CacheFutureDays,
		cal.CreatedAt, cal.UpdatedAt,
	)
	metrics.RecordDBQuery("insert", "calendars", time.Since(started), err)
	if err != nil {
		return fmt.Errorf("failed to create calendar: %w", err)
	}
	return nil
}

// GetCalendar retrieves a calendar by ID.
func (db *DB) GetCalendar(ctx context.Context, id string) (*models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars WHERE id = ?`

	started := time.Now()
	row := db.conn.QueryRowContext(ctx, query, id)
	cal, err := scanCalendar(row)
	metrics.RecordDBQuery("select", "calendars", time.Since(started), err)
	return cal, err
}

// ListCalendars retrieves all calendars ordered by creation time.
func (db *DB) ListCalendars(ctx context.Context) ([]models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars ORDER BY created_at`

	started := time.Now()
	rows, err := db.conn.QueryContext(ctx, query)
	metrics.RecordDBQuery("select", "calendars", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Calendar
	for rows.Next() {
		cal, err := scanCalendarRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cal)
	}
	return out, rows.Err()
}

// ListDueCalendars returns calendars whose next_sync_at has passed and that
// are not currently syncing.
func (db *DB) ListDueCalendars(ctx context.Context, now time.Time) ([]models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars
		WHERE next_sync_at <= ? AND sync_status != ?
		ORDER BY next_sync_at`

	started := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, now.UTC(), models.SyncStatusSyncing)
	metrics.RecordDBQuery("select", "calendars", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list due calendars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Calendar
	for rows.Next() {
		cal, err := scanCalendarRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cal)
	}
	return out, rows.Err()
}

// UpdateCalendar updates the operator-editable fields.
func (db *DB) UpdateCalendar(ctx context.Context, cal *models.Calendar) error {
	cal.UpdatedAt = time.Now().UTC()

	query := `UPDATE calendars SET
		name = ?, color = ?, credential_blob = ?, sync_interval_seconds = ?,
		cache_past_days = ?, cache_future_days = ?, updated_at = ?
		WHERE id = ?`

	started := time.Now()
	res, err := db.conn.ExecContext(ctx, query,
		cal.Name, cal.Color, cal.CredentialBlob, cal.SyncIntervalSeconds,
		cal.CachePastDays, cal.CacheFutureDays, cal.UpdatedAt, cal.ID,
	)
	metrics.RecordDBQuery("update", "calendars", time.Since(started), err)
	if err != nil {
		return fmt.Errorf("failed to update calendar: %w", err)
	}
	return requireRowAffected(res, ErrCalendarNotFound)
}

// ClaimForSync transitions an idle or errored calendar to SYNCING. It
// returns false without error when the calendar is already syncing, which
// makes concurrent triggers a no-op.
func (db *DB) ClaimForSync(ctx context.Context, id string) (bool, error) {
	query := `UPDATE calendars SET sync_status = ?, updated_at = ?
		WHERE id = ? AND sync_status != ?`

	started := time.Now()
	res, err := db.conn.ExecContext(ctx, query,
		models.SyncStatusSyncing, time.Now().UTC(), id, models.SyncStatusSyncing)
	metrics.RecordDBQuery("update", "calendars", time.Since(started), err)
	if err != nil {
		return false, fmt.Errorf("failed to claim calendar for sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// RecoverInterruptedSyncs resets calendars left in SYNCING by a crashed or
// killed process. A stale syncing row is never listed as due and never
// claimable, so without this reset the calendar would stop syncing until an
// operator intervened. Recovered calendars become due immediately.
func (db *DB) RecoverInterruptedSyncs(ctx context.Context) (int64, error) {
	query := `UPDATE calendars SET
		sync_status = ?, last_error = ?, next_sync_at = ?, updated_at = ?
		WHERE sync_status = ?`

	now := time.Now().UTC()
	started := time.Now()
	res, err := db.conn.ExecContext(ctx, query,
		models.SyncStatusError, "sync interrupted by restart", now, now,
		models.SyncStatusSyncing,
	)
	metrics.RecordDBQuery("update", "calendars", time.Since(started), err)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted syncs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// UpdateSyncState writes back the bookkeeping fields after a sync run.
func (db *DB) UpdateSyncState(ctx context.Context, id string, state *models.SyncState) error {
	query := `UPDATE calendars SET
		sync_status = ?, last_sync_at = ?, last_error = ?,
		consecutive_errors = ?, next_sync_at = ?, updated_at = ?
		WHERE id = ?`

	started := time.Now()
	res, err := db.conn.ExecContext(ctx, query,
		state.Status, state.LastSyncAt, state.LastError,
		state.ConsecutiveErrors, state.NextSyncAt, time.Now().UTC(), id,
	)
	metrics.RecordDBQuery("update", "calendars", time.Since(started), err)
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	metrics.SyncConsecutiveErrors.WithLabelValues(id).Set(float64(state.ConsecutiveErrors))
	return requireRowAffected(res, ErrCalendarNotFound)
}

// DeleteCalendar removes a calendar and all its cached events.
func (db *DB) DeleteCalendar(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	started := time.Now()
	if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE calendar_id = ?`, id); err != nil {
		metrics.RecordDBQuery("delete", "calendar_events", time.Since(started), err)
		return fmt.Errorf("failed to delete calendar events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id)
	metrics.RecordDBQuery("delete", "calendars", time.Since(started), err)
	if err != nil {
		return fmt.Errorf("failed to delete calendar: %w", err)
	}
	if err := requireRowAffected(res, ErrCalendarNotFound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	metrics.CachedEvents.DeleteLabelValues(id)
	metrics.SyncConsecutiveErrors.DeleteLabelValues(id)
	return nil
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func scanCalendar(row *sql.Row) (*models.Calendar, error) {
	var cal models.Calendar
	var lastSyncAt sql.NullTime
	err := row.Scan(
		&cal.ID, &cal.Name, &cal.Provider, &cal.CredentialBlob, &cal.Color,
		&cal.SyncIntervalSeconds, &cal.SyncStatus, &lastSyncAt, &cal.LastError,
		&cal.ConsecutiveErrors, &cal.NextSyncAt, &cal.CachePastDays, &cal.CacheFutureDays,
		&cal.CreatedAt, &cal.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCalendarNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar: %w", err)
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		cal.LastSyncAt = &t
	}
	return &cal, nil
}

func scanCalendarRows(rows *sql.Rows) (*models.Calendar, error) {
	var cal models.Calendar
	var lastSyncAt sql.NullTime
	err := rows.Scan(
		&cal.ID, &cal.Name, &cal.Provider, &cal.CredentialBlob, &cal.Color,
		&cal.SyncIntervalSeconds, &cal.SyncStatus, &lastSyncAt, &cal.LastError,
		&cal.ConsecutiveErrors, &cal.NextSyncAt, &cal.CachePastDays, &cal.CacheFutureDays,
		&cal.CreatedAt, &cal.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan calendar row: %w", err)
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		cal.LastSyncAt = &t
	}
	return &cal, nil
}
