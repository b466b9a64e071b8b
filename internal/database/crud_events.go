// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
)

// EventDiff is the outcome of reconciling a provider snapshot against the
// cache, applied atomically by ApplyDiff.
type EventDiff struct {
	Creates []models.CalendarEvent
	Updates []models.CalendarEvent
	// DeleteIDs are cache row IDs no longer present upstream.
	DeleteIDs []string
}

// Empty reports whether the diff changes nothing.
func (d *EventDiff) Empty() bool {
	return len(d.Creates) == 0 && len(d.Updates) == 0 && len(d.DeleteIDs) == 0
}

const eventColumns = `id, calendar_id, external_id, title, description,
	location, organizer, attendee_count, start_at, end_at, is_all_day,
	is_recurring, recurrence_id, raw_data, created_at, updated_at`

// GetEventsByCalendar returns every cached event row for one calendar,
// keyed by external ID. Used by the reconciler to diff a fresh snapshot.
func (db *DB) GetEventsByCalendar(ctx context.Context, calendarID string) (map[string]models.CalendarEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE calendar_id = ?`

	started := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, calendarID)
	metrics.RecordDBQuery("select", "calendar_events", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]models.CalendarEvent)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out[ev.ExternalID] = *ev
	}
	return out, rows.Err()
}

// GetEventsInRange returns events from the given calendars intersecting
// [start, end], ordered by start time. An empty calendarIDs slice returns
// events from all calendars.
func (db *DB) GetEventsInRange(ctx context.Context, calendarIDs []string, start, end time.Time) ([]models.CalendarEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events
		WHERE end_at >= ? AND start_at <= ?`
	args := []any{start.UTC(), end.UTC()}

	if len(calendarIDs) > 0 {
		query += ` AND calendar_id IN (`
		for i, id := range calendarIDs {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, id)
		}
		query += `)`
	}
	query += ` ORDER BY start_at, id`

	started := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("select", "calendar_events", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query events in range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// ApplyDiff applies creates, updates, and deletes in one transaction so
// readers never observe a half-applied sync.
func (db *DB) ApplyDiff(ctx context.Context, calendarID string, diff *EventDiff) error {
	if diff.Empty() {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin diff transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	started := time.Now()

	for i := range diff.Creates {
		ev := &diff.Creates[i]
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		ev.CalendarID = calendarID
		ev.CreatedAt = now
		ev.UpdatedAt = now
		_, err := tx.ExecContext(ctx,
			`INSERT INTO calendar_events (`+eventColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.CalendarID, ev.ExternalID, ev.Title, ev.Description,
			ev.Location, ev.Organizer, ev.AttendeeCount, ev.Start.UTC(), ev.End.UTC(),
			ev.IsAllDay, ev.IsRecurring, ev.RecurrenceID, ev.RawData, ev.CreatedAt, ev.UpdatedAt,
		)
		if err != nil {
			metrics.RecordDBQuery("insert", "calendar_events", time.Since(started), err)
			return fmt.Errorf("failed to insert event %s: %w", ev.ExternalID, err)
		}
	}

	for i := range diff.Updates {
		ev := &diff.Updates[i]
		ev.UpdatedAt = now
		_, err := tx.ExecContext(ctx,
			`UPDATE calendar_events SET
				title = ?, description = ?, location = ?, organizer = ?,
				attendee_count = ?, start_at = ?, end_at = ?, is_all_day = ?,
				is_recurring = ?, recurrence_id = ?, raw_data = ?, updated_at = ?
			 WHERE id = ?`,
			ev.Title, ev.Description, ev.Location, ev.Organizer,
			ev.AttendeeCount, ev.Start.UTC(), ev.End.UTC(), ev.IsAllDay,
			ev.IsRecurring, ev.RecurrenceID, ev.RawData, ev.UpdatedAt,
			ev.ID,
		)
		if err != nil {
			metrics.RecordDBQuery("update", "calendar_events", time.Since(started), err)
			return fmt.Errorf("failed to update event %s: %w", ev.ExternalID, err)
		}
	}

	for _, id := range diff.DeleteIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id); err != nil {
			metrics.RecordDBQuery("delete", "calendar_events", time.Since(started), err)
			return fmt.Errorf("failed to delete event %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.RecordDBQuery("apply_diff", "calendar_events", time.Since(started), err)
		return fmt.Errorf("failed to commit diff: %w", err)
	}
	metrics.RecordDBQuery("apply_diff", "calendar_events", time.Since(started), nil)

	metrics.EventChanges.WithLabelValues("create").Add(float64(len(diff.Creates)))
	metrics.EventChanges.WithLabelValues("update").Add(float64(len(diff.Updates)))
	metrics.EventChanges.WithLabelValues("delete").Add(float64(len(diff.DeleteIDs)))
	return nil
}

// CountEvents returns the number of cached events per calendar.
func (db *DB) CountEvents(ctx context.Context) (map[string]int, error) {
	query := `SELECT calendar_id, COUNT(*) FROM calendar_events GROUP BY calendar_id`

	started := time.Now()
	rows, err := db.conn.QueryContext(ctx, query)
	metrics.RecordDBQuery("select", "calendar_events", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// PruneEventsOutsideWindow removes rows that drifted outside the calendar's
// retention window.
func (db *DB) PruneEventsOutsideWindow(ctx context.Context, calendarID string, start, end time.Time) (int64, error) {
	query := `DELETE FROM calendar_events
		WHERE calendar_id = ? AND (end_at < ? OR start_at > ?)`

	started := time.Now()
	res, err := db.conn.ExecContext(ctx, query, calendarID, start.UTC(), end.UTC())
	metrics.RecordDBQuery("delete", "calendar_events", time.Since(started), err)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvent(rows *sql.Rows) (*models.CalendarEvent, error) {
	var ev models.CalendarEvent
	var description, location, organizer, recurrenceID sql.NullString
	var attendeeCount sql.NullInt64

	err := rows.Scan(
		&ev.ID, &ev.CalendarID, &ev.ExternalID, &ev.Title, &description,
		&location, &organizer, &attendeeCount, &ev.Start, &ev.End, &ev.IsAllDay,
		&ev.IsRecurring, &recurrenceID, &ev.RawData, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}
	if description.Valid {
		ev.Description = &description.String
	}
	if location.Valid {
		ev.Location = &location.String
	}
	if organizer.Valid {
		ev.Organizer = &organizer.String
	}
	if attendeeCount.Valid {
		n := int(attendeeCount.Int64)
		ev.AttendeeCount = &n
	}
	if recurrenceID.Valid {
		ev.RecurrenceID = &recurrenceID.String
	}
	return &ev, nil
}
