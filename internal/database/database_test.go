// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package database

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCalendar(name string) *models.Calendar {
	return &models.Calendar{
		Name:                name,
		Provider:            models.ProviderICS,
		CredentialBlob:      []byte{0x01, 0x02, 0x03},
		Color:               "#10b981",
		SyncIntervalSeconds: 300,
		CachePastDays:       1,
		CacheFutureDays:     30,
	}
}

func testEvent(externalID string, start time.Time) models.CalendarEvent {
	return models.CalendarEvent{
		ExternalID: externalID,
		Title:      "Event " + externalID,
		Start:      start,
		End:        start.Add(time.Hour),
	}
}

func TestCalendarRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cal := testCalendar("Boardroom")
	if err := db.CreateCalendar(ctx, cal); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	if cal.ID == "" {
		t.Fatal("CreateCalendar did not assign an ID")
	}

	got, err := db.GetCalendar(ctx, cal.ID)
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if got.Name != "Boardroom" || got.Provider != models.ProviderICS {
		t.Errorf("calendar = %q/%q", got.Name, got.Provider)
	}
	if got.SyncStatus != models.SyncStatusIdle {
		t.Errorf("sync status = %q, want idle", got.SyncStatus)
	}
	if got.LastSyncAt != nil {
		t.Errorf("last sync at = %v, want nil before first sync", got.LastSyncAt)
	}
	if len(got.CredentialBlob) != 3 {
		t.Errorf("credential blob length = %d", len(got.CredentialBlob))
	}

	list, err := db.ListCalendars(ctx)
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1", len(list))
	}
}

func TestGetCalendarNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetCalendar(context.Background(), "missing"); !errors.Is(err, ErrCalendarNotFound) {
		t.Fatalf("GetCalendar(missing) = %v, want ErrCalendarNotFound", err)
	}
}

func TestClaimForSync(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cal := testCalendar("Claimed")
	if err := db.CreateCalendar(ctx, cal); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}

	claimed, err := db.ClaimForSync(ctx, cal.ID)
	if err != nil {
		t.Fatalf("ClaimForSync: %v", err)
	}
	if !claimed {
		t.Fatal("first claim refused")
	}

	// A second claim while syncing is a no-op.
	claimed, err = db.ClaimForSync(ctx, cal.ID)
	if err != nil {
		t.Fatalf("ClaimForSync (second): %v", err)
	}
	if claimed {
		t.Fatal("second claim succeeded while already syncing")
	}

	// Writing back the final state releases the claim.
	now := time.Now().UTC()
	state := &models.SyncState{
		Status:     models.SyncStatusIdle,
		LastSyncAt: &now,
		NextSyncAt: now.Add(5 * time.Minute),
	}
	if err := db.UpdateSyncState(ctx, cal.ID, state); err != nil {
		t.Fatalf("UpdateSyncState: %v", err)
	}

	claimed, err = db.ClaimForSync(ctx, cal.ID)
	if err != nil {
		t.Fatalf("ClaimForSync (after release): %v", err)
	}
	if !claimed {
		t.Fatal("claim refused after release")
	}
}

func TestRecoverInterruptedSyncs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cal := testCalendar("Interrupted")
	if err := db.CreateCalendar(ctx, cal); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	if _, err := db.ClaimForSync(ctx, cal.ID); err != nil {
		t.Fatalf("ClaimForSync: %v", err)
	}

	// A claim with no state write-back (process died mid-sync) leaves the
	// calendar invisible to the scheduler and unclaimable.
	due, err := db.ListDueCalendars(ctx, time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListDueCalendars: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due calendars = %d, want 0 while stuck syncing", len(due))
	}
	if claimed, err := db.ClaimForSync(ctx, cal.ID); err != nil || claimed {
		t.Fatalf("ClaimForSync while stuck = (%v, %v), want (false, nil)", claimed, err)
	}

	recovered, err := db.RecoverInterruptedSyncs(ctx)
	if err != nil {
		t.Fatalf("RecoverInterruptedSyncs: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	got, err := db.GetCalendar(ctx, cal.ID)
	if err != nil {
		t.Fatalf("GetCalendar: %v", err)
	}
	if got.SyncStatus != models.SyncStatusError {
		t.Errorf("sync status = %q, want error after recovery", got.SyncStatus)
	}
	if got.LastError == "" {
		t.Error("last error empty, want the interruption message")
	}

	due, err = db.ListDueCalendars(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListDueCalendars (after recovery): %v", err)
	}
	if len(due) != 1 || due[0].ID != cal.ID {
		t.Fatalf("due calendars = %d, want the recovered calendar", len(due))
	}
	if claimed, err := db.ClaimForSync(ctx, cal.ID); err != nil || !claimed {
		t.Fatalf("ClaimForSync after recovery = (%v, %v), want (true, nil)", claimed, err)
	}

	// The claim above re-entered syncing, so recovery resets exactly one row.
	if recovered, err := db.RecoverInterruptedSyncs(ctx); err != nil || recovered != 1 {
		t.Fatalf("second recovery = (%d, %v), want (1, nil)", recovered, err)
	}
}

func TestListDueCalendars(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := testCalendar("Due")
	due.NextSyncAt = now.Add(-time.Minute)
	if err := db.CreateCalendar(ctx, due); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}

	future := testCalendar("Future")
	future.NextSyncAt = now.Add(time.Hour)
	if err := db.CreateCalendar(ctx, future); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}

	syncing := testCalendar("Syncing")
	syncing.NextSyncAt = now.Add(-time.Minute)
	if err := db.CreateCalendar(ctx, syncing); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	if _, err := db.ClaimForSync(ctx, syncing.ID); err != nil {
		t.Fatalf("ClaimForSync: %v", err)
	}

	got, err := db.ListDueCalendars(ctx, now)
	if err != nil {
		t.Fatalf("ListDueCalendars: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("due calendars = %d, want only %q", len(got), due.Name)
	}
}

func TestApplyDiffAndRangeQuery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cal := testCalendar("Events")
	if err := db.CreateCalendar(ctx, cal); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}

	base := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	diff := &EventDiff{
		Creates: []models.CalendarEvent{
			testEvent("a", base),
			testEvent("b", base.Add(2*time.Hour)),
			testEvent("c", base.Add(48*time.Hour)),
		},
	}
	if err := db.ApplyDiff(ctx, cal.ID, diff); err != nil {
		t.Fatalf("ApplyDiff (creates): %v", err)
	}

	cached, err := db.GetEventsByCalendar(ctx, cal.ID)
	if err != nil {
		t.Fatalf("GetEventsByCalendar: %v", err)
	}
	if len(cached) != 3 {
		t.Fatalf("cached events = %d, want 3", len(cached))
	}

	// Update one, delete one.
	updated := cached["a"]
	updated.Title = "Renamed"
	if err := db.ApplyDiff(ctx, cal.ID, &EventDiff{
		Updates:   []models.CalendarEvent{updated},
		DeleteIDs: []string{cached["b"].ID},
	}); err != nil {
		t.Fatalf("ApplyDiff (update+delete): %v", err)
	}

	inRange, err := db.GetEventsInRange(ctx, []string{cal.ID}, base.Add(-time.Hour), base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("GetEventsInRange: %v", err)
	}
	// "b" deleted, "c" outside window.
	if len(inRange) != 1 {
		t.Fatalf("events in range = %d, want 1", len(inRange))
	}
	if inRange[0].ExternalID != "a" || inRange[0].Title != "Renamed" {
		t.Errorf("event = %q/%q", inRange[0].ExternalID, inRange[0].Title)
	}

	counts, err := db.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if counts[cal.ID] != 2 {
		t.Errorf("count = %d, want 2", counts[cal.ID])
	}
}

func TestGetEventsInRangeFiltersCalendars(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	calA := testCalendar("A")
	calB := testCalendar("B")
	for _, cal := range []*models.Calendar{calA, calB} {
		if err := db.CreateCalendar(ctx, cal); err != nil {
			t.Fatalf("CreateCalendar: %v", err)
		}
		if err := db.ApplyDiff(ctx, cal.ID, &EventDiff{
			Creates: []models.CalendarEvent{testEvent("ev-"+cal.Name, base)},
		}); err != nil {
			t.Fatalf("ApplyDiff: %v", err)
		}
	}

	onlyA, err := db.GetEventsInRange(ctx, []string{calA.ID}, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetEventsInRange: %v", err)
	}
	if len(onlyA) != 1 || onlyA[0].CalendarID != calA.ID {
		t.Fatalf("filtered query returned %d events", len(onlyA))
	}

	all, err := db.GetEventsInRange(ctx, nil, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetEventsInRange (all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered query returned %d events, want 2", len(all))
	}
}

func TestDeleteCalendarCascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cal := testCalendar("Doomed")
	if err := db.CreateCalendar(ctx, cal); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	if err := db.ApplyDiff(ctx, cal.ID, &EventDiff{
		Creates: []models.CalendarEvent{testEvent("x", time.Now().UTC())},
	}); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}

	if err := db.DeleteCalendar(ctx, cal.ID); err != nil {
		t.Fatalf("DeleteCalendar: %v", err)
	}

	if _, err := db.GetCalendar(ctx, cal.ID); !errors.Is(err, ErrCalendarNotFound) {
		t.Errorf("GetCalendar after delete = %v, want not found", err)
	}
	events, err := db.GetEventsByCalendar(ctx, cal.ID)
	if err != nil {
		t.Fatalf("GetEventsByCalendar: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events after cascade delete = %d, want 0", len(events))
	}

	if err := db.DeleteCalendar(ctx, cal.ID); !errors.Is(err, ErrCalendarNotFound) {
		t.Errorf("second delete = %v, want not found", err)
	}
}

func TestPruneEventsOutsideWindow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	cal := testCalendar("Pruned")
	if err := db.CreateCalendar(ctx, cal); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	if err := db.ApplyDiff(ctx, cal.ID, &EventDiff{
		Creates: []models.CalendarEvent{
			testEvent("old", base.AddDate(0, 0, -10)),
			testEvent("kept", base),
			testEvent("far", base.AddDate(0, 0, 60)),
		},
	}); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}

	pruned, err := db.PruneEventsOutsideWindow(ctx, cal.ID, base.AddDate(0, 0, -1), base.AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("PruneEventsOutsideWindow: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}

	remaining, err := db.GetEventsByCalendar(ctx, cal.ID)
	if err != nil {
		t.Fatalf("GetEventsByCalendar: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("remaining = %d, want 1", len(remaining))
	}
	if _, ok := remaining["kept"]; !ok {
		t.Error("wrong event survived pruning")
	}
}

func TestDisplayConfigRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cfg := &models.DisplayConfig{
		DisplayID:   "lobby-1",
		Name:        "Lobby",
		CalendarIDs: []string{"cal-1", "cal-2"},
		Timezone:    "Europe/Berlin",
		Layout:      map[string]any{"columns": float64(2)},
	}
	if err := db.UpsertDisplayConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertDisplayConfig: %v", err)
	}

	got, err := db.GetDisplayConfig(ctx, "lobby-1")
	if err != nil {
		t.Fatalf("GetDisplayConfig: %v", err)
	}
	if got.Name != "Lobby" || got.Timezone != "Europe/Berlin" {
		t.Errorf("config = %+v", got)
	}
	if len(got.CalendarIDs) != 2 || got.CalendarIDs[1] != "cal-2" {
		t.Errorf("calendar ids = %v", got.CalendarIDs)
	}
	if got.Layout["columns"] != float64(2) {
		t.Errorf("layout = %v", got.Layout)
	}

	// Upsert replaces.
	cfg.CalendarIDs = []string{"cal-3"}
	if err := db.UpsertDisplayConfig(ctx, cfg); err != nil {
		t.Fatalf("UpsertDisplayConfig (replace): %v", err)
	}
	got, err = db.GetDisplayConfig(ctx, "lobby-1")
	if err != nil {
		t.Fatalf("GetDisplayConfig (replaced): %v", err)
	}
	if len(got.CalendarIDs) != 1 || got.CalendarIDs[0] != "cal-3" {
		t.Errorf("replaced calendar ids = %v", got.CalendarIDs)
	}

	if err := db.DeleteDisplayConfig(ctx, "lobby-1"); err != nil {
		t.Fatalf("DeleteDisplayConfig: %v", err)
	}
	if _, err := db.GetDisplayConfig(ctx, "lobby-1"); !errors.Is(err, ErrDisplayNotFound) {
		t.Errorf("GetDisplayConfig after delete = %v, want not found", err)
	}
}
