// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package sync

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/roomcast/roomcast/internal/database"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/models"
	"github.com/roomcast/roomcast/internal/provider"
)

//nolint:gochecknoinits
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

// fakeStore implements Store in memory with the same claim semantics as the
// real database: a claim succeeds only when the calendar is not syncing.
type fakeStore struct {
	mu       sync.Mutex
	calendar models.Calendar
	cached   map[string]models.CalendarEvent
	snapshot []models.CalendarEvent

	claimErr error
	getErr   error
	// stateCh, when set, receives every state written back.
	stateCh chan *models.SyncState

	appliedDiff *database.EventDiff
	state       *models.SyncState
	pruned      int64
	pruneCalls  int
	pruneStart  time.Time
	pruneEnd    time.Time
}

func (s *fakeStore) GetCalendar(_ context.Context, id string) (*models.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	if id != s.calendar.ID {
		return nil, database.ErrCalendarNotFound
	}
	cal := s.calendar
	return &cal, nil
}

func (s *fakeStore) ListDueCalendars(_ context.Context, now time.Time) ([]models.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calendar.NextSyncAt.After(now) || s.calendar.SyncStatus == models.SyncStatusSyncing {
		return nil, nil
	}
	return []models.Calendar{s.calendar}, nil
}

func (s *fakeStore) ClaimForSync(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	if id != s.calendar.ID || s.calendar.SyncStatus == models.SyncStatusSyncing {
		return false, nil
	}
	s.calendar.SyncStatus = models.SyncStatusSyncing
	return true, nil
}

func (s *fakeStore) UpdateSyncState(_ context.Context, _ string, state *models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.calendar.SyncStatus = state.Status
	s.calendar.LastSyncAt = state.LastSyncAt
	s.calendar.LastError = state.LastError
	s.calendar.ConsecutiveErrors = state.ConsecutiveErrors
	s.calendar.NextSyncAt = state.NextSyncAt
	if s.stateCh != nil {
		s.stateCh <- state
	}
	return nil
}

func (s *fakeStore) GetEventsByCalendar(_ context.Context, _ string) (map[string]models.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.CalendarEvent, len(s.cached))
	for k, v := range s.cached {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) GetEventsInRange(_ context.Context, _ []string, _, _ time.Time) ([]models.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

func (s *fakeStore) ApplyDiff(_ context.Context, _ string, diff *database.EventDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliedDiff = diff
	return nil
}

func (s *fakeStore) PruneEventsOutsideWindow(_ context.Context, _ string, start, end time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneCalls++
	s.pruneStart = start
	s.pruneEnd = end
	return s.pruned, nil
}

type fakeDecryptor struct {
	creds *models.Credentials
	err   error
}

func (d *fakeDecryptor) Decrypt(_ []byte) (*models.Credentials, error) {
	return d.creds, d.err
}

type fakeAdapter struct {
	mu         sync.Mutex
	events     []models.ExternalEvent
	err        error
	fetchCalls int
}

func (a *fakeAdapter) TestConnection(_ context.Context, _ *models.Credentials) error {
	return a.err
}

func (a *fakeAdapter) FetchEvents(_ context.Context, _ *models.Credentials, _, _ time.Time) ([]models.ExternalEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	return a.events, a.err
}

func (a *fakeAdapter) ListCalendars(_ context.Context, _ *models.Credentials) ([]provider.CalendarRef, error) {
	return nil, a.err
}

type fakeNotifier struct {
	mu         sync.Mutex
	calendarID string
	events     []models.CalendarEvent
	calls      int
}

func (n *fakeNotifier) NotifyCalendarUpdate(calendarID string, events []models.CalendarEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calendarID = calendarID
	n.events = events
	n.calls++
}

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testCalendar() models.Calendar {
	return models.Calendar{
		ID:                  "cal-1",
		Name:                "Boardroom",
		Provider:            models.ProviderICS,
		CredentialBlob:      []byte("blob"),
		SyncIntervalSeconds: 300,
		SyncStatus:          models.SyncStatusIdle,
		NextSyncAt:          testNow.Add(-time.Minute),
		CachePastDays:       1,
		CacheFutureDays:     30,
	}
}

func strp(s string) *string { return &s }

func newTestReconciler(store *fakeStore, adapter provider.Adapter, notifier Notifier) *Reconciler {
	codec := &fakeDecryptor{creds: &models.Credentials{
		Kind: models.ProviderICS,
		ICS:  &models.ICSCredentials{URL: "https://feeds.example.com/boardroom.ics"},
	}}
	r := NewReconciler(store, codec, func(models.ProviderKind) (provider.Adapter, error) {
		return adapter, nil
	}, notifier)
	r.now = func() time.Time { return testNow }
	return r
}

func TestRunAppliesDiffAndResetsState(t *testing.T) {
	store := &fakeStore{
		calendar: testCalendar(),
		cached: map[string]models.CalendarEvent{
			"keep":   {ID: "row-keep", ExternalID: "keep", Title: "Standup", Start: testNow, End: testNow.Add(time.Hour)},
			"stale":  {ID: "row-stale", ExternalID: "stale", Title: "Old title", Start: testNow, End: testNow.Add(time.Hour)},
			"orphan": {ID: "row-orphan", ExternalID: "orphan", Title: "Gone upstream", Start: testNow, End: testNow.Add(time.Hour)},
		},
		snapshot: []models.CalendarEvent{{ID: "row-keep", ExternalID: "keep"}},
	}
	adapter := &fakeAdapter{events: []models.ExternalEvent{
		{ExternalID: "keep", Title: "Standup", Start: testNow, End: testNow.Add(time.Hour)},
		{ExternalID: "stale", Title: "New title", Start: testNow, End: testNow.Add(time.Hour)},
		{ExternalID: "fresh", Title: "Planning", Start: testNow.Add(2 * time.Hour), End: testNow.Add(3 * time.Hour)},
	}}
	notifier := &fakeNotifier{}

	r := newTestReconciler(store, adapter, notifier)
	if err := r.Run(context.Background(), "cal-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	diff := store.appliedDiff
	if diff == nil {
		t.Fatal("expected a diff to be applied")
	}
	if len(diff.Creates) != 1 || diff.Creates[0].ExternalID != "fresh" {
		t.Errorf("creates = %+v, want one create for fresh", diff.Creates)
	}
	if len(diff.Updates) != 1 || diff.Updates[0].ID != "row-stale" || diff.Updates[0].Title != "New title" {
		t.Errorf("updates = %+v, want row-stale renamed", diff.Updates)
	}
	if len(diff.DeleteIDs) != 1 || diff.DeleteIDs[0] != "row-orphan" {
		t.Errorf("deletes = %v, want [row-orphan]", diff.DeleteIDs)
	}

	state := store.state
	if state == nil {
		t.Fatal("expected sync state to be written")
	}
	if state.Status != models.SyncStatusIdle {
		t.Errorf("status = %q, want idle", state.Status)
	}
	if state.ConsecutiveErrors != 0 || state.LastError != "" {
		t.Errorf("error bookkeeping not reset: %+v", state)
	}
	if state.LastSyncAt == nil || !state.LastSyncAt.Equal(testNow) {
		t.Errorf("last_sync_at = %v, want %v", state.LastSyncAt, testNow)
	}
	if want := testNow.Add(300 * time.Second); !state.NextSyncAt.Equal(want) {
		t.Errorf("next_sync_at = %v, want %v", state.NextSyncAt, want)
	}

	if store.pruneCalls != 1 {
		t.Errorf("prune calls = %d, want 1", store.pruneCalls)
	}
	wantStart, wantEnd := store.calendar.CacheWindow(testNow)
	if !store.pruneStart.Equal(wantStart) || !store.pruneEnd.Equal(wantEnd) {
		t.Errorf("prune window = [%v, %v], want [%v, %v]", store.pruneStart, store.pruneEnd, wantStart, wantEnd)
	}

	if notifier.calls != 1 || notifier.calendarID != "cal-1" {
		t.Errorf("notifier calls = %d for %q, want 1 for cal-1", notifier.calls, notifier.calendarID)
	}
	if len(notifier.events) != 1 || notifier.events[0].ExternalID != "keep" {
		t.Errorf("notifier snapshot = %+v, want the stored range snapshot", notifier.events)
	}
}

func TestRunNoChangesSkipsApply(t *testing.T) {
	start := testNow
	store := &fakeStore{
		calendar: testCalendar(),
		cached: map[string]models.CalendarEvent{
			"keep": {ID: "row-keep", ExternalID: "keep", Title: "Standup", Start: start, End: start.Add(time.Hour)},
		},
	}
	adapter := &fakeAdapter{events: []models.ExternalEvent{
		{ExternalID: "keep", Title: "Standup", Start: start, End: start.Add(time.Hour)},
	}}
	notifier := &fakeNotifier{}

	r := newTestReconciler(store, adapter, notifier)
	if err := r.Run(context.Background(), "cal-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.appliedDiff != nil {
		t.Errorf("ApplyDiff called with %+v, want no call for identical snapshot", store.appliedDiff)
	}
	if store.state == nil || store.state.Status != models.SyncStatusIdle {
		t.Errorf("state = %+v, want idle", store.state)
	}
	if notifier.calls != 0 {
		t.Errorf("notifier calls = %d, want 0 when nothing changed", notifier.calls)
	}
}

func TestRunPrunedEventsTriggerNotify(t *testing.T) {
	start := testNow
	store := &fakeStore{
		calendar: testCalendar(),
		cached: map[string]models.CalendarEvent{
			"keep": {ID: "row-keep", ExternalID: "keep", Title: "Standup", Start: start, End: start.Add(time.Hour)},
		},
		snapshot: []models.CalendarEvent{{ID: "row-keep", ExternalID: "keep"}},
		pruned:   2,
	}
	adapter := &fakeAdapter{events: []models.ExternalEvent{
		{ExternalID: "keep", Title: "Standup", Start: start, End: start.Add(time.Hour)},
	}}
	notifier := &fakeNotifier{}

	r := newTestReconciler(store, adapter, notifier)
	if err := r.Run(context.Background(), "cal-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.appliedDiff != nil {
		t.Errorf("ApplyDiff called with %+v, want no call for identical snapshot", store.appliedDiff)
	}
	// The visible window shrank, so displays still need a fresh snapshot.
	if notifier.calls != 1 {
		t.Errorf("notifier calls = %d, want 1 after pruning", notifier.calls)
	}
}

func TestRunLoadFailureReleasesClaim(t *testing.T) {
	store := &fakeStore{
		calendar: testCalendar(),
		getErr:   errors.New("connection reset"),
	}
	adapter := &fakeAdapter{}

	r := newTestReconciler(store, adapter, nil)
	if err := r.Run(context.Background(), "cal-1"); err == nil {
		t.Fatal("expected load failure to surface")
	}

	state := store.state
	if state == nil {
		t.Fatal("expected an error state to be written after the claim")
	}
	if state.Status != models.SyncStatusError {
		t.Errorf("status = %q, want error so the calendar stays claimable", state.Status)
	}
	if state.LastError == "" {
		t.Error("last error empty, want the load failure message")
	}
	if want := testNow.Add(time.Minute); !state.NextSyncAt.Equal(want) {
		t.Errorf("next_sync_at = %v, want %v", state.NextSyncAt, want)
	}
}

func TestRunSkipsWhenAlreadySyncing(t *testing.T) {
	cal := testCalendar()
	cal.SyncStatus = models.SyncStatusSyncing
	store := &fakeStore{calendar: cal}
	adapter := &fakeAdapter{}

	r := newTestReconciler(store, adapter, nil)
	if err := r.Run(context.Background(), "cal-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if adapter.fetchCalls != 0 {
		t.Errorf("fetch calls = %d, want 0 when claim fails", adapter.fetchCalls)
	}
	if store.state != nil {
		t.Errorf("state written = %+v, want untouched on skip", store.state)
	}
}

func TestRunFetchFailureBacksOff(t *testing.T) {
	cal := testCalendar()
	cal.ConsecutiveErrors = 2
	lastSync := testNow.Add(-time.Hour)
	cal.LastSyncAt = &lastSync
	store := &fakeStore{calendar: cal}
	adapter := &fakeAdapter{err: &provider.Error{
		Kind: provider.KindNetwork,
		Op:   "ics: fetch feed",
		Err:  errors.New("connection refused"),
	}}

	r := newTestReconciler(store, adapter, nil)
	err := r.Run(context.Background(), "cal-1")
	if provider.KindOf(err) != provider.KindNetwork {
		t.Fatalf("Run error kind = %v, want network", provider.KindOf(err))
	}

	state := store.state
	if state == nil {
		t.Fatal("expected sync state to be written")
	}
	if state.Status != models.SyncStatusError {
		t.Errorf("status = %q, want error", state.Status)
	}
	if state.ConsecutiveErrors != 3 {
		t.Errorf("consecutive errors = %d, want 3", state.ConsecutiveErrors)
	}
	if state.LastError == "" {
		t.Error("last error empty, want the failure message")
	}
	if state.LastSyncAt == nil || !state.LastSyncAt.Equal(lastSync) {
		t.Errorf("last_sync_at = %v, want preserved %v", state.LastSyncAt, lastSync)
	}
	// Third consecutive failure backs off 4 minutes.
	if want := testNow.Add(4 * time.Minute); !state.NextSyncAt.Equal(want) {
		t.Errorf("next_sync_at = %v, want %v", state.NextSyncAt, want)
	}
}

func TestRunRateLimitOverridesBackoff(t *testing.T) {
	store := &fakeStore{calendar: testCalendar()}
	adapter := &fakeAdapter{err: &provider.Error{
		Kind:       provider.KindRateLimit,
		Op:         "google: fetch events",
		RetryAfter: 45 * time.Minute,
	}}

	r := newTestReconciler(store, adapter, nil)
	if err := r.Run(context.Background(), "cal-1"); err == nil {
		t.Fatal("expected rate limit error")
	}

	state := store.state
	if state == nil {
		t.Fatal("expected sync state to be written")
	}
	if want := testNow.Add(45 * time.Minute); !state.NextSyncAt.Equal(want) {
		t.Errorf("next_sync_at = %v, want provider-dictated %v", state.NextSyncAt, want)
	}
}

func TestRunDecryptFailureIsAuth(t *testing.T) {
	store := &fakeStore{calendar: testCalendar()}
	adapter := &fakeAdapter{}
	r := newTestReconciler(store, adapter, nil)
	r.codec = &fakeDecryptor{err: errors.New("message authentication failed")}

	err := r.Run(context.Background(), "cal-1")
	if provider.KindOf(err) != provider.KindAuth {
		t.Fatalf("Run error kind = %v, want auth", provider.KindOf(err))
	}
	if adapter.fetchCalls != 0 {
		t.Errorf("fetch calls = %d, want 0 when decrypt fails", adapter.fetchCalls)
	}
	if store.state == nil || store.state.Status != models.SyncStatusError {
		t.Errorf("state = %+v, want error", store.state)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{5, 16 * time.Minute},
		{6, 30 * time.Minute},
		{20, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.consecutive); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.consecutive, got, tt.want)
		}
	}
}

func TestBuildDiffDeduplicatesFetched(t *testing.T) {
	cached := map[string]models.CalendarEvent{}
	fetched := []models.ExternalEvent{
		{ExternalID: "dup", Title: "First wins", Start: testNow, End: testNow.Add(time.Hour)},
		{ExternalID: "dup", Title: "Second ignored", Start: testNow, End: testNow.Add(time.Hour)},
	}

	diff := buildDiff(cached, fetched)
	if len(diff.Creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(diff.Creates))
	}
	if diff.Creates[0].Title != "First wins" {
		t.Errorf("kept title = %q, want the first occurrence", diff.Creates[0].Title)
	}
}

func TestBuildDiffDetectsContentChanges(t *testing.T) {
	cached := map[string]models.CalendarEvent{
		"ev": {ID: "row-1", ExternalID: "ev", Title: "Standup", Start: testNow, End: testNow.Add(time.Hour), Location: strp("Room A")},
	}

	moved := []models.ExternalEvent{
		{ExternalID: "ev", Title: "Standup", Start: testNow, End: testNow.Add(time.Hour), Location: strp("Room B")},
	}
	diff := buildDiff(cached, moved)
	if len(diff.Updates) != 1 || len(diff.Creates) != 0 || len(diff.DeleteIDs) != 0 {
		t.Fatalf("diff = %+v, want exactly one update for a location change", diff)
	}
	if diff.Updates[0].ID != "row-1" || *diff.Updates[0].Location != "Room B" {
		t.Errorf("update = %+v, want row-1 moved to Room B", diff.Updates[0])
	}

	same := []models.ExternalEvent{
		{ExternalID: "ev", Title: "Standup", Start: testNow, End: testNow.Add(time.Hour), Location: strp("Room A")},
	}
	if diff := buildDiff(cached, same); !diff.Empty() {
		t.Errorf("diff = %+v, want empty for unchanged content", diff)
	}
}
