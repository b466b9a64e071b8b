// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package sync reconciles provider calendars against the local event cache:
// it fetches fresh snapshots through the provider adapters, diffs them
// against cached rows, applies the changes atomically, and maintains the
// per-calendar sync state machine with exponential backoff on failure.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/roomcast/roomcast/internal/database"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
	"github.com/roomcast/roomcast/internal/provider"
)

// Backoff bounds for failing calendars.
const (
	backoffBase = time.Minute
	backoffCap  = 30 * time.Minute
)

// Store is the database surface the reconciler needs. *database.DB
// implements it; tests substitute a fake.
type Store interface {
	GetCalendar(ctx context.Context, id string) (*models.Calendar, error)
	ListDueCalendars(ctx context.Context, now time.Time) ([]models.Calendar, error)
	ClaimForSync(ctx context.Context, id string) (bool, error)
	UpdateSyncState(ctx context.Context, id string, state *models.SyncState) error
	GetEventsByCalendar(ctx context.Context, calendarID string) (map[string]models.CalendarEvent, error)
	GetEventsInRange(ctx context.Context, calendarIDs []string, start, end time.Time) ([]models.CalendarEvent, error)
	ApplyDiff(ctx context.Context, calendarID string, diff *database.EventDiff) error
	PruneEventsOutsideWindow(ctx context.Context, calendarID string, start, end time.Time) (int64, error)
}

// Ensure the real database satisfies the Store surface
var _ Store = (*database.DB)(nil)

// Decryptor recovers credentials from a stored blob.
type Decryptor interface {
	Decrypt(blob []byte) (*models.Credentials, error)
}

// AdapterFactory resolves the adapter for a provider kind. Production wiring
// uses provider.New with shared options.
type AdapterFactory func(kind models.ProviderKind) (provider.Adapter, error)

// Notifier receives the post-sync snapshot for connected displays. The
// registry implements it.
type Notifier interface {
	NotifyCalendarUpdate(calendarID string, events []models.CalendarEvent)
}

// Reconciler runs individual calendar syncs.
type Reconciler struct {
	store    Store
	codec    Decryptor
	adapters AdapterFactory
	notifier Notifier

	// now is injectable for tests.
	now func() time.Time
}

// NewReconciler wires a reconciler. notifier may be nil when nothing
// consumes updates (tests, CLI).
func NewReconciler(store Store, codec Decryptor, adapters AdapterFactory, notifier Notifier) *Reconciler {
	return &Reconciler{
		store:    store,
		codec:    codec,
		adapters: adapters,
		notifier: notifier,
		now:      time.Now,
	}
}

// Run performs one full sync of the calendar. A calendar already syncing is
// skipped without error; concurrent triggers are therefore harmless. The
// returned error reflects the sync outcome after state bookkeeping has been
// written back.
func (r *Reconciler) Run(ctx context.Context, calendarID string) error {
	claimed, err := r.store.ClaimForSync(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("claim calendar %s: %w", calendarID, err)
	}
	if !claimed {
		logging.Debug().Str("calendar_id", calendarID).Msg("sync already in progress, skipping")
		metrics.SyncRunsTotal.WithLabelValues("unknown", "skipped").Inc()
		return nil
	}

	cal, err := r.store.GetCalendar(ctx, calendarID)
	if err != nil {
		r.releaseClaim(ctx, calendarID, err)
		return fmt.Errorf("load calendar %s: %w", calendarID, err)
	}

	started := r.now()
	syncErr := r.sync(ctx, cal)
	metrics.SyncDuration.WithLabelValues(string(cal.Provider)).Observe(r.now().Sub(started).Seconds())

	state := r.nextState(cal, syncErr)
	if err := r.store.UpdateSyncState(ctx, cal.ID, state); err != nil {
		return fmt.Errorf("write sync state for %s: %w", cal.ID, err)
	}

	if syncErr != nil {
		metrics.SyncRunsTotal.WithLabelValues(string(cal.Provider), string(provider.KindOf(syncErr))).Inc()
		logging.Warn().Err(syncErr).
			Str("calendar_id", cal.ID).
			Str("provider", string(cal.Provider)).
			Int("consecutive_errors", state.ConsecutiveErrors).
			Time("next_sync_at", state.NextSyncAt).
			Msg("calendar sync failed")
		return syncErr
	}

	metrics.SyncRunsTotal.WithLabelValues(string(cal.Provider), "success").Inc()
	logging.Info().
		Str("calendar_id", cal.ID).
		Str("provider", string(cal.Provider)).
		Dur("duration", r.now().Sub(started)).
		Msg("calendar sync completed")
	return nil
}

// releaseClaim writes an ERROR state when a run fails after the claim but
// before normal bookkeeping, so the calendar does not stay SYNCING. Database
// startup recovery covers the remaining case of a process crash mid-claim.
func (r *Reconciler) releaseClaim(ctx context.Context, calendarID string, cause error) {
	state := &models.SyncState{
		Status:            models.SyncStatusError,
		LastError:         cause.Error(),
		ConsecutiveErrors: 1,
		NextSyncAt:        r.now().UTC().Add(backoffBase),
	}
	if err := r.store.UpdateSyncState(ctx, calendarID, state); err != nil {
		logging.Error().Err(err).Str("calendar_id", calendarID).Msg("failed to release sync claim")
	}
}

// sync fetches, diffs, and applies one snapshot.
func (r *Reconciler) sync(ctx context.Context, cal *models.Calendar) error {
	creds, err := r.codec.Decrypt(cal.CredentialBlob)
	if err != nil {
		return &provider.Error{Kind: provider.KindAuth, Op: "decrypt credentials", Err: err}
	}

	adapter, err := r.adapters(cal.Provider)
	if err != nil {
		return err
	}

	start, end := cal.CacheWindow(r.now())
	fetched, err := adapter.FetchEvents(ctx, creds, start, end)
	if err != nil {
		return err
	}

	cached, err := r.store.GetEventsByCalendar(ctx, cal.ID)
	if err != nil {
		return err
	}

	diff := buildDiff(cached, fetched)
	if !diff.Empty() {
		if err := r.store.ApplyDiff(ctx, cal.ID, diff); err != nil {
			return err
		}
	}
	pruned, err := r.store.PruneEventsOutsideWindow(ctx, cal.ID, start, end)
	if err != nil {
		return err
	}

	metrics.CachedEvents.WithLabelValues(cal.ID).Set(float64(len(fetched)))
	logging.Debug().
		Str("calendar_id", cal.ID).
		Int("fetched", len(fetched)).
		Int("creates", len(diff.Creates)).
		Int("updates", len(diff.Updates)).
		Int("deletes", len(diff.DeleteIDs)).
		Msg("snapshot reconciled")

	// Displays only hear about net changes; a run that altered nothing has
	// nothing new to show them.
	if r.notifier != nil && (!diff.Empty() || pruned > 0) {
		snapshot, err := r.store.GetEventsInRange(ctx, []string{cal.ID}, start, end)
		if err != nil {
			return err
		}
		r.notifier.NotifyCalendarUpdate(cal.ID, snapshot)
	}
	return nil
}

// nextState computes the bookkeeping written back after a run.
func (r *Reconciler) nextState(cal *models.Calendar, syncErr error) *models.SyncState {
	now := r.now().UTC()

	if syncErr == nil {
		return &models.SyncState{
			Status:            models.SyncStatusIdle,
			LastSyncAt:        &now,
			LastError:         "",
			ConsecutiveErrors: 0,
			NextSyncAt:        now.Add(time.Duration(cal.SyncIntervalSeconds) * time.Second),
		}
	}

	consecutive := cal.ConsecutiveErrors + 1
	delay := backoffDelay(consecutive)
	// A rate-limited provider dictates its own minimum delay.
	if retryAfter := provider.RetryAfterOf(syncErr); retryAfter > delay {
		delay = retryAfter
	}

	return &models.SyncState{
		Status:            models.SyncStatusError,
		LastSyncAt:        cal.LastSyncAt,
		LastError:         syncErr.Error(),
		ConsecutiveErrors: consecutive,
		NextSyncAt:        now.Add(delay),
	}
}

// backoffDelay doubles per consecutive failure: 1m, 2m, 4m, ... capped at
// 30m.
func backoffDelay(consecutiveErrors int) time.Duration {
	if consecutiveErrors < 1 {
		consecutiveErrors = 1
	}
	shift := consecutiveErrors - 1
	if shift > 10 {
		shift = 10
	}
	delay := backoffBase << shift
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// buildDiff compares the fetched snapshot against cached rows by external
// ID: new events become creates, changed events become updates, and cached
// rows missing upstream become deletes.
func buildDiff(cached map[string]models.CalendarEvent, fetched []models.ExternalEvent) *database.EventDiff {
	diff := &database.EventDiff{}
	seen := make(map[string]struct{}, len(fetched))

	for i := range fetched {
		ext := &fetched[i]
		if _, dup := seen[ext.ExternalID]; dup {
			continue
		}
		seen[ext.ExternalID] = struct{}{}

		existing, ok := cached[ext.ExternalID]
		if !ok {
			var ev models.CalendarEvent
			ev.FromExternal(ext)
			diff.Creates = append(diff.Creates, ev)
			continue
		}
		if !existing.ContentEquals(ext) {
			existing.FromExternal(ext)
			diff.Updates = append(diff.Updates, existing)
		}
	}

	for externalID, ev := range cached {
		if _, ok := seen[externalID]; !ok {
			diff.DeleteIDs = append(diff.DeleteIDs, ev.ID)
		}
	}
	return diff
}
