// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package ical parses raw calendar-feed text into normalized event records
// and expands recurrence rules into concrete occurrences within a window.
// It is shared by the ICS and CalDAV adapters.
package ical

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/roomcast/roomcast/internal/logging"
)

// ParsedEvent is the normalized representation of one VEVENT before
// recurrence expansion. Start/End are UTC.
type ParsedEvent struct {
	UID string

	Summary       string
	Description   string
	Location      string
	Organizer     string
	AttendeeCount int

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule string
	ExDates  []time.Time

	// Raw is the reassembled VEVENT text kept for diagnostics.
	Raw string
}

// ErrMissingUID marks a VEVENT without the required UID property.
var ErrMissingUID = errors.New("vevent missing UID")

// serialConfig folds reassembled VEVENT text at the RFC 5545 line limit
// with CRLF endings. Serialize requires an explicit configuration.
var serialConfig = &ical.SerializationConfiguration{
	MaxLength:         75,
	PropertyMaxLength: 75,
	NewLine:           "\r\n",
}

// Parse parses a single feed payload into a list of ParsedEvent. A malformed
// VEVENT is skipped individually (logged, dropped) rather than aborting the
// whole feed; events with STATUS:CANCELLED are dropped silently.
func Parse(body []byte) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty feed body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]ParsedEvent, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve)
		if perr != nil {
			logging.Warn().Err(perr).Msg("skipping malformed vevent")
			continue
		}
		if ev == nil {
			// Cancelled event.
			continue
		}
		events = append(events, *ev)
	}

	return events, nil
}

// parseVEvent extracts one event. A nil event with nil error means the event
// is cancelled and must be dropped.
func parseVEvent(ve *ical.VEvent) (*ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, ErrMissingUID
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentProperty("STATUS")); p != nil {
		if strings.EqualFold(strings.TrimSpace(p.Value), "cancelled") {
			return nil, nil
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentProperty("ORGANIZER")); p != nil {
		out.Organizer = organizerName(p)
	}
	out.AttendeeCount = len(ve.GetProperties(ical.ComponentProperty("ATTENDEE")))

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil || startProp.Value == "" {
		return nil, errors.New("vevent missing DTSTART")
	}
	start, allDay, err := parseDateTime(startProp.Value, tzidParam(startProp))
	if err != nil {
		return nil, err
	}
	out.Start = start
	out.AllDay = allDay

	out.End, err = deriveEnd(ve, out.Start, out.AllDay)
	if err != nil {
		return nil, err
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := tzidParam(p)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			ex, _, exErr := parseDateTime(part, tzid)
			if exErr != nil {
				logging.Warn().Err(exErr).Str("uid", out.UID).Str("exdate", part).Msg("unparseable EXDATE ignored")
				continue
			}
			out.ExDates = append(out.ExDates, ex)
		}
	}

	out.Raw = ve.Serialize(serialConfig)
	return &out, nil
}

// deriveEnd resolves the event end: explicit DTEND, then DTSTART + DURATION,
// then a default span (one hour, or one day for all-day events).
func deriveEnd(ve *ical.VEvent, start time.Time, allDay bool) (time.Time, error) {
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil && p.Value != "" {
		end, _, err := parseDateTime(p.Value, tzidParam(p))
		if err != nil {
			return time.Time{}, err
		}
		return end, nil
	}

	if p := ve.GetProperty(ical.ComponentProperty("DURATION")); p != nil && p.Value != "" {
		d, err := parseDuration(p.Value)
		if err != nil {
			logging.Warn().Err(err).Str("duration", p.Value).Msg("unparseable DURATION, using default span")
		} else {
			return start.Add(d), nil
		}
	}

	if allDay {
		return start.Add(24 * time.Hour), nil
	}
	return start.Add(time.Hour), nil
}

// parseDateTime parses an iCalendar DATE or DATE-TIME value into UTC.
// The second return reports whether the value was date-only (all-day).
//
// Resolution order for non-UTC values: the TZID parameter as a zone
// identifier, then the legacy zone-name table, then UTC. The wall-clock value
// is converted using the zone's offset at that instant, so daylight-saving
// transitions resolve correctly.
func parseDateTime(value, tzid string) (time.Time, bool, error) {
	value = strings.TrimSpace(value)

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, false, nil
	}

	loc := resolveLocation(tzid)

	if !strings.Contains(value, "T") {
		// 8-digit date-only value marks the event all-day.
		t, err := time.ParseInLocation("20060102", value, loc)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), true, nil
	}

	t, err := time.ParseInLocation("20060102T150405", value, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

// parseDuration parses the subset of iCalendar DURATION values providers
// emit: weeks, days, hours, minutes, seconds, e.g. "P1D", "PT1H30M", "-PT15M".
func parseDuration(value string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToUpper(value))
	neg := false
	switch {
	case strings.HasPrefix(s, "-P"):
		neg = true
		s = s[2:]
	case strings.HasPrefix(s, "+P"):
		s = s[2:]
	case strings.HasPrefix(s, "P"):
		s = s[1:]
	default:
		return 0, errors.New("duration must start with P")
	}

	var total time.Duration
	inTime := false
	num := 0
	haveNum := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			haveNum = true
		case r == 'T':
			inTime = true
		case r == 'W' && !inTime:
			total += time.Duration(num) * 7 * 24 * time.Hour
			num, haveNum = 0, false
		case r == 'D' && !inTime:
			total += time.Duration(num) * 24 * time.Hour
			num, haveNum = 0, false
		case r == 'H' && inTime:
			total += time.Duration(num) * time.Hour
			num, haveNum = 0, false
		case r == 'M' && inTime:
			total += time.Duration(num) * time.Minute
			num, haveNum = 0, false
		case r == 'S' && inTime:
			total += time.Duration(num) * time.Second
			num, haveNum = 0, false
		default:
			return 0, errors.New("unrecognized duration designator")
		}
	}
	if haveNum {
		return 0, errors.New("trailing number without designator")
	}
	if neg {
		total = -total
	}
	return total, nil
}

// tzidParam returns the TZID parameter of a property, if present.
func tzidParam(p *ical.IANAProperty) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs, ok := p.ICalParameters["TZID"]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// organizerName extracts a display name for the organizer: the CN parameter
// when present, otherwise the address with any mailto: prefix stripped.
func organizerName(p *ical.IANAProperty) string {
	if p.ICalParameters != nil {
		if cns, ok := p.ICalParameters["CN"]; ok && len(cns) > 0 && cns[0] != "" {
			return strings.Trim(cns[0], `"`)
		}
	}
	return strings.TrimPrefix(strings.TrimSpace(p.Value), "mailto:")
}

// unescapeText reverses iCalendar TEXT escaping: \\ \; \, and literal \n.
func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ',', ';', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
