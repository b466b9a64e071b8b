// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package ical

import (
	"time"

	"github.com/teambition/rrule-go"

	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/models"
)

// maxOccurrencesPerEvent caps expansion of a single recurring event, as a
// guard against rules that enumerate unboundedly within a large window.
const maxOccurrencesPerEvent = 1000

// Window is the inclusive time range requested from a fetch.
type Window struct {
	Start time.Time
	End   time.Time
}

// EventsInRange parses a feed payload and returns every occurrence
// intersecting the window, with recurring events expanded.
func EventsInRange(body []byte, w Window) ([]models.ExternalEvent, error) {
	parsed, err := Parse(body)
	if err != nil {
		return nil, err
	}

	out := make([]models.ExternalEvent, 0, len(parsed))
	for i := range parsed {
		out = append(out, Expand(&parsed[i], w)...)
	}
	return out, nil
}

// Expand converts one parsed event into its concrete occurrences within the
// window. Non-recurring events yield at most one occurrence. Recurring events
// are enumerated through their RRULE, EXDATE entries removed (same-day
// tolerance), and each surviving occurrence emitted with a synthesized
// externalId of "{uid}_{occurrenceStartRFC3339}" and the original duration.
func Expand(ev *ParsedEvent, w Window) []models.ExternalEvent {
	if ev.RawRRule == "" {
		return expandSingle(ev, w)
	}
	return expandRecurring(ev, w)
}

func expandSingle(ev *ParsedEvent, w Window) []models.ExternalEvent {
	if !overlaps(ev.Start, ev.End, w) {
		return nil
	}
	return []models.ExternalEvent{makeExternal(ev, ev.UID, ev.Start, ev.End, false)}
}

func expandRecurring(ev *ParsedEvent, w Window) []models.ExternalEvent {
	rule, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		// Expansion failure falls back to the single un-expanded occurrence
		// if it itself intersects the range.
		logging.Warn().Err(err).Str("uid", ev.UID).Str("rrule", ev.RawRRule).Msg("unparseable RRULE, emitting base occurrence only")
		return expandSingle(ev, w)
	}
	rule.DTStart(ev.Start)

	occStarts := rule.Between(w.Start, w.End, true)
	if len(occStarts) > maxOccurrencesPerEvent {
		logging.Warn().Str("uid", ev.UID).Int("cap", maxOccurrencesPerEvent).Msg("recurrence expansion truncated")
		occStarts = occStarts[:maxOccurrencesPerEvent]
	}

	duration := ev.End.Sub(ev.Start)
	out := make([]models.ExternalEvent, 0, len(occStarts))
	for _, start := range occStarts {
		if excluded(start, ev.ExDates) {
			continue
		}
		id := ev.UID + "_" + start.UTC().Format(time.RFC3339)
		out = append(out, makeExternal(ev, id, start.UTC(), start.UTC().Add(duration), true))
	}
	return out
}

// excluded reports whether an occurrence start coincides with any EXDATE
// entry, compared at day granularity in UTC.
func excluded(start time.Time, exdates []time.Time) bool {
	for _, ex := range exdates {
		if sameDay(start, ex) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	ay, am, ad := au.Date()
	by, bm, bd := bu.Date()
	return ay == by && am == bm && ad == bd
}

// overlaps reports whether [start,end] intersects the window, boundaries
// inclusive.
func overlaps(start, end time.Time, w Window) bool {
	if end.Before(w.Start) {
		return false
	}
	if start.After(w.End) {
		return false
	}
	return true
}

func makeExternal(ev *ParsedEvent, externalID string, start, end time.Time, recurring bool) models.ExternalEvent {
	out := models.ExternalEvent{
		ExternalID:  externalID,
		Title:       ev.Summary,
		Start:       start,
		End:         end,
		IsAllDay:    ev.AllDay,
		IsRecurring: recurring,
		RawData:     ev.Raw,
	}
	if ev.Description != "" {
		out.Description = &ev.Description
	}
	if ev.Location != "" {
		out.Location = &ev.Location
	}
	if ev.Organizer != "" {
		out.Organizer = &ev.Organizer
	}
	if ev.AttendeeCount > 0 {
		count := ev.AttendeeCount
		out.AttendeeCount = &count
	}
	if recurring {
		uid := ev.UID
		out.RecurrenceID = &uid
	}
	return out
}
