// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package models

import "time"

// ExternalEvent is the provider-neutral shape every adapter returns from a
// fetch. Timestamps are always UTC.
type ExternalEvent struct {
	ExternalID    string  `json:"external_id"`
	Title         string  `json:"title"`
	Description   *string `json:"description,omitempty"`
	Location      *string `json:"location,omitempty"`
	Organizer     *string `json:"organizer,omitempty"`
	AttendeeCount *int    `json:"attendee_count,omitempty"`

	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	IsAllDay bool      `json:"is_all_day"`

	IsRecurring  bool    `json:"is_recurring"`
	RecurrenceID *string `json:"recurrence_id,omitempty"`

	// RawData is an opaque snapshot of the provider-native record, kept for
	// diagnostics only.
	RawData string `json:"-"`
}

// CalendarEvent is one normalized occurrence cached from a provider.
// ExternalID is unique within its calendar; for expanded recurring ICS
// occurrences it is synthesized as "{uid}_{occurrenceStartRFC3339}".
type CalendarEvent struct {
	ID            string  `json:"id" db:"id"`
	CalendarID    string  `json:"calendar_id" db:"calendar_id"`
	ExternalID    string  `json:"external_id" db:"external_id"`
	Title         string  `json:"title" db:"title"`
	Description   *string `json:"description,omitempty" db:"description"`
	Location      *string `json:"location,omitempty" db:"location"`
	Organizer     *string `json:"organizer,omitempty" db:"organizer"`
	AttendeeCount *int    `json:"attendee_count,omitempty" db:"attendee_count"`

	Start    time.Time `json:"start" db:"start_at"`
	End      time.Time `json:"end" db:"end_at"`
	IsAllDay bool      `json:"is_all_day" db:"is_all_day"`

	IsRecurring  bool    `json:"is_recurring" db:"is_recurring"`
	RecurrenceID *string `json:"recurrence_id,omitempty" db:"recurrence_id"`

	RawData string `json:"-" db:"raw_data"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FromExternal copies the provider-supplied fields of ext into e, leaving
// identity and bookkeeping fields untouched.
func (e *CalendarEvent) FromExternal(ext *ExternalEvent) {
	e.ExternalID = ext.ExternalID
	e.Title = ext.Title
	e.Description = ext.Description
	e.Location = ext.Location
	e.Organizer = ext.Organizer
	e.AttendeeCount = ext.AttendeeCount
	e.Start = ext.Start
	e.End = ext.End
	e.IsAllDay = ext.IsAllDay
	e.IsRecurring = ext.IsRecurring
	e.RecurrenceID = ext.RecurrenceID
	e.RawData = ext.RawData
}

// ContentEquals reports whether the fields that matter for reconciliation
// (title, start, end, location, organizer) match ext.
func (e *CalendarEvent) ContentEquals(ext *ExternalEvent) bool {
	if e.Title != ext.Title {
		return false
	}
	if !e.Start.Equal(ext.Start) || !e.End.Equal(ext.End) {
		return false
	}
	if !strPtrEqual(e.Location, ext.Location) {
		return false
	}
	return strPtrEqual(e.Organizer, ext.Organizer)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
