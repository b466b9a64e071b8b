// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package models

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", v, err)
	}
	return ts
}

func strPtr(s string) *string { return &s }

func TestCalendarEventContentEquals(t *testing.T) {
	start := mustParse(t, "2025-01-06T10:00:00Z")
	end := mustParse(t, "2025-01-06T11:00:00Z")

	base := func() (*CalendarEvent, *ExternalEvent) {
		cached := &CalendarEvent{
			Title:     "Standup",
			Start:     start,
			End:       end,
			Location:  strPtr("Room 4"),
			Organizer: strPtr("ops@example.com"),
		}
		fetched := &ExternalEvent{
			Title:     "Standup",
			Start:     start,
			End:       end,
			Location:  strPtr("Room 4"),
			Organizer: strPtr("ops@example.com"),
		}
		return cached, fetched
	}

	t.Run("identical", func(t *testing.T) {
		cached, fetched := base()
		if !cached.ContentEquals(fetched) {
			t.Error("identical events reported as different")
		}
	})

	t.Run("title differs", func(t *testing.T) {
		cached, fetched := base()
		fetched.Title = "Standup (moved)"
		if cached.ContentEquals(fetched) {
			t.Error("title change not detected")
		}
	})

	t.Run("start differs", func(t *testing.T) {
		cached, fetched := base()
		fetched.Start = start.Add(30 * time.Minute)
		if cached.ContentEquals(fetched) {
			t.Error("start change not detected")
		}
	})

	t.Run("location cleared", func(t *testing.T) {
		cached, fetched := base()
		fetched.Location = nil
		if cached.ContentEquals(fetched) {
			t.Error("location removal not detected")
		}
	})

	t.Run("description ignored", func(t *testing.T) {
		cached, fetched := base()
		fetched.Description = strPtr("agenda changed")
		if !cached.ContentEquals(fetched) {
			t.Error("description-only change should not count as content change")
		}
	})

	t.Run("same instant different zone", func(t *testing.T) {
		cached, fetched := base()
		fetched.Start = start.In(time.FixedZone("KST", 9*3600))
		if !cached.ContentEquals(fetched) {
			t.Error("equal instants in different zones reported as different")
		}
	})
}

func TestFromExternalCopiesProviderFields(t *testing.T) {
	ext := &ExternalEvent{
		ExternalID:   "uid-1_2025-01-06T10:00:00Z",
		Title:        "Weekly review",
		Start:        mustParse(t, "2025-01-06T10:00:00Z"),
		End:          mustParse(t, "2025-01-06T11:00:00Z"),
		IsRecurring:  true,
		RecurrenceID: strPtr("uid-1"),
	}

	ev := &CalendarEvent{ID: "row-1", CalendarID: "cal-1"}
	ev.FromExternal(ext)

	if ev.ID != "row-1" || ev.CalendarID != "cal-1" {
		t.Error("FromExternal must not touch identity fields")
	}
	if ev.ExternalID != ext.ExternalID || ev.Title != ext.Title {
		t.Error("FromExternal did not copy provider fields")
	}
	if !ev.IsRecurring || ev.RecurrenceID == nil || *ev.RecurrenceID != "uid-1" {
		t.Error("FromExternal did not copy recurrence fields")
	}
}
