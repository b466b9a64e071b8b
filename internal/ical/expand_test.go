// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package ical

import (
	"testing"
	"time"

	"github.com/roomcast/roomcast/internal/models"
)

func januaryWindow(t *testing.T) Window {
	t.Helper()
	return Window{
		Start: mustTime(t, "2025-01-01T00:00:00Z"),
		End:   mustTime(t, "2025-01-31T23:59:59Z"),
	}
}

func TestExpandWeeklyMondays(t *testing.T) {
	// Every Monday at 10:00 UTC, anchored on Monday 2025-01-06, 45 minutes
	// long. January 2025 contains exactly four Mondays on or after the anchor.
	ev := ParsedEvent{
		UID:      "weekly-standup",
		Summary:  "Standup",
		Start:    mustTime(t, "2025-01-06T10:00:00Z"),
		End:      mustTime(t, "2025-01-06T10:45:00Z"),
		RawRRule: "FREQ=WEEKLY;BYDAY=MO",
	}

	got := Expand(&ev, januaryWindow(t))
	wantStarts := []string{
		"2025-01-06T10:00:00Z",
		"2025-01-13T10:00:00Z",
		"2025-01-20T10:00:00Z",
		"2025-01-27T10:00:00Z",
	}
	if len(got) != len(wantStarts) {
		t.Fatalf("occurrence count = %d, want %d", len(got), len(wantStarts))
	}
	for i, occ := range got {
		want := mustTime(t, wantStarts[i])
		if !occ.Start.Equal(want) {
			t.Errorf("occurrence %d start = %v, want %v", i, occ.Start, want)
		}
		if d := occ.End.Sub(occ.Start); d != 45*time.Minute {
			t.Errorf("occurrence %d duration = %v, want 45m", i, d)
		}
		wantID := "weekly-standup_" + want.Format(time.RFC3339)
		if occ.ExternalID != wantID {
			t.Errorf("occurrence %d id = %q, want %q", i, occ.ExternalID, wantID)
		}
		if !occ.IsRecurring {
			t.Errorf("occurrence %d not marked recurring", i)
		}
		if occ.RecurrenceID == nil || *occ.RecurrenceID != "weekly-standup" {
			t.Errorf("occurrence %d recurrence id = %v, want series UID", i, occ.RecurrenceID)
		}
	}
}

func TestExpandExdateRemovesSingleOccurrence(t *testing.T) {
	ev := ParsedEvent{
		UID:      "weekly-standup",
		Summary:  "Standup",
		Start:    mustTime(t, "2025-01-06T10:00:00Z"),
		End:      mustTime(t, "2025-01-06T10:45:00Z"),
		RawRRule: "FREQ=WEEKLY;BYDAY=MO",
		ExDates:  []time.Time{mustTime(t, "2025-01-20T10:00:00Z")},
	}

	got := Expand(&ev, januaryWindow(t))
	if len(got) != 3 {
		t.Fatalf("occurrence count = %d, want 3 after one exclusion", len(got))
	}
	for _, occ := range got {
		if occ.Start.Day() == 20 {
			t.Errorf("excluded occurrence %v still present", occ.Start)
		}
	}
}

func TestExpandExdateSameDayTolerance(t *testing.T) {
	// An EXDATE whose time-of-day differs from the occurrence still excludes
	// it when both fall on the same UTC day.
	ev := ParsedEvent{
		UID:      "weekly-standup",
		Summary:  "Standup",
		Start:    mustTime(t, "2025-01-06T10:00:00Z"),
		End:      mustTime(t, "2025-01-06T10:45:00Z"),
		RawRRule: "FREQ=WEEKLY;BYDAY=MO",
		ExDates:  []time.Time{mustTime(t, "2025-01-13T00:00:00Z")},
	}

	got := Expand(&ev, januaryWindow(t))
	if len(got) != 3 {
		t.Fatalf("occurrence count = %d, want 3", len(got))
	}
}

func TestExpandNonRecurring(t *testing.T) {
	ev := ParsedEvent{
		UID:     "one-off",
		Summary: "Kickoff",
		Start:   mustTime(t, "2025-01-15T14:00:00Z"),
		End:     mustTime(t, "2025-01-15T15:00:00Z"),
	}

	got := Expand(&ev, januaryWindow(t))
	if len(got) != 1 {
		t.Fatalf("occurrence count = %d, want 1", len(got))
	}
	if got[0].ExternalID != "one-off" {
		t.Errorf("id = %q, want the UID unmodified", got[0].ExternalID)
	}
	if got[0].IsRecurring {
		t.Error("single event marked recurring")
	}
	if got[0].RecurrenceID != nil {
		t.Error("single event carries a recurrence id")
	}
}

func TestExpandNonRecurringOutsideWindow(t *testing.T) {
	ev := ParsedEvent{
		UID:   "later",
		Start: mustTime(t, "2025-02-10T09:00:00Z"),
		End:   mustTime(t, "2025-02-10T10:00:00Z"),
	}
	if got := Expand(&ev, januaryWindow(t)); len(got) != 0 {
		t.Fatalf("occurrence count = %d, want 0 for event outside window", len(got))
	}
}

func TestExpandWindowBoundariesInclusive(t *testing.T) {
	w := januaryWindow(t)

	t.Run("ends exactly at window start", func(t *testing.T) {
		ev := ParsedEvent{
			UID:   "boundary-start",
			Start: mustTime(t, "2024-12-31T23:00:00Z"),
			End:   w.Start,
		}
		if got := Expand(&ev, w); len(got) != 1 {
			t.Fatalf("occurrence count = %d, want 1 (boundary inclusive)", len(got))
		}
	})

	t.Run("starts exactly at window end", func(t *testing.T) {
		ev := ParsedEvent{
			UID:   "boundary-end",
			Start: w.End,
			End:   w.End.Add(time.Hour),
		}
		if got := Expand(&ev, w); len(got) != 1 {
			t.Fatalf("occurrence count = %d, want 1 (boundary inclusive)", len(got))
		}
	})
}

func TestExpandInvalidRRuleFallsBack(t *testing.T) {
	ev := ParsedEvent{
		UID:      "broken-rule",
		Summary:  "Series",
		Start:    mustTime(t, "2025-01-06T10:00:00Z"),
		End:      mustTime(t, "2025-01-06T11:00:00Z"),
		RawRRule: "FREQ=NONSENSE",
	}

	got := Expand(&ev, januaryWindow(t))
	if len(got) != 1 {
		t.Fatalf("occurrence count = %d, want 1 base occurrence", len(got))
	}
	if got[0].ExternalID != "broken-rule" {
		t.Errorf("fallback id = %q, want UID", got[0].ExternalID)
	}
}

func TestExpandCountBoundedRule(t *testing.T) {
	ev := ParsedEvent{
		UID:      "short-series",
		Start:    mustTime(t, "2025-01-06T10:00:00Z"),
		End:      mustTime(t, "2025-01-06T10:30:00Z"),
		RawRRule: "FREQ=DAILY;COUNT=3",
	}

	got := Expand(&ev, januaryWindow(t))
	if len(got) != 3 {
		t.Fatalf("occurrence count = %d, want 3 (COUNT honoured)", len(got))
	}
}

func TestExpandAnchorBeforeWindow(t *testing.T) {
	// Anchored in December but still producing January occurrences.
	ev := ParsedEvent{
		UID:      "long-running",
		Start:    mustTime(t, "2024-12-02T09:00:00Z"),
		End:      mustTime(t, "2024-12-02T09:30:00Z"),
		RawRRule: "FREQ=WEEKLY;BYDAY=MO",
	}

	got := Expand(&ev, januaryWindow(t))
	if len(got) != 4 {
		t.Fatalf("occurrence count = %d, want 4 January Mondays", len(got))
	}
	if want := mustTime(t, "2025-01-06T09:00:00Z"); !got[0].Start.Equal(want) {
		t.Errorf("first occurrence = %v, want %v", got[0].Start, want)
	}
}

func TestEventsInRangeFullPipeline(t *testing.T) {
	body := feed(
		"UID:solo\nSUMMARY:Review\nDTSTART:20250110T130000Z\nDTEND:20250110T140000Z",
		"UID:series\nSUMMARY:Standup\nDTSTART:20250106T100000Z\nDTEND:20250106T104500Z\nRRULE:FREQ=WEEKLY;BYDAY=MO\nEXDATE:20250120T100000Z",
		"UID:elsewhere\nSUMMARY:March only\nDTSTART:20250301T100000Z",
	)

	got, err := EventsInRange(body, januaryWindow(t))
	if err != nil {
		t.Fatalf("EventsInRange: %v", err)
	}

	// One single event, plus three series occurrences (one excluded), and the
	// out-of-window event dropped.
	if len(got) != 4 {
		t.Fatalf("event count = %d, want 4", len(got))
	}

	byID := make(map[string]models.ExternalEvent, len(got))
	for _, ev := range got {
		byID[ev.ExternalID] = ev
	}
	if _, ok := byID["solo"]; !ok {
		t.Error("single event missing from range result")
	}
	if _, ok := byID["series_2025-01-20T10:00:00Z"]; ok {
		t.Error("excluded series occurrence present in range result")
	}
	if _, ok := byID["series_2025-01-27T10:00:00Z"]; !ok {
		t.Error("expected series occurrence missing from range result")
	}
}
