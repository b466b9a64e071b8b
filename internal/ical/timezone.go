// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package ical

import (
	"strings"
	"time"

	"github.com/roomcast/roomcast/internal/logging"
)

// legacyZones maps timezone display names commonly emitted by Exchange and
// older clients to IANA identifiers. Consulted only when the TZID fails to
// resolve directly.
var legacyZones = map[string]string{
	"Dateline Standard Time":            "Etc/GMT+12",
	"Hawaiian Standard Time":            "Pacific/Honolulu",
	"Alaskan Standard Time":             "America/Anchorage",
	"Pacific Standard Time":             "America/Los_Angeles",
	"Pacific Daylight Time":             "America/Los_Angeles",
	"US Mountain Standard Time":         "America/Phoenix",
	"Mountain Standard Time":            "America/Denver",
	"Central Standard Time":             "America/Chicago",
	"Central America Standard Time":     "America/Guatemala",
	"Eastern Standard Time":             "America/New_York",
	"Eastern Daylight Time":             "America/New_York",
	"US Eastern Standard Time":          "America/Indiana/Indianapolis",
	"Atlantic Standard Time":            "America/Halifax",
	"SA Pacific Standard Time":          "America/Bogota",
	"Argentina Standard Time":           "America/Argentina/Buenos_Aires",
	"E. South America Standard Time":    "America/Sao_Paulo",
	"UTC":                               "UTC",
	"Greenwich Standard Time":           "Atlantic/Reykjavik",
	"GMT Standard Time":                 "Europe/London",
	"W. Europe Standard Time":           "Europe/Berlin",
	"Central Europe Standard Time":      "Europe/Budapest",
	"Central European Standard Time":    "Europe/Warsaw",
	"Romance Standard Time":             "Europe/Paris",
	"E. Europe Standard Time":           "Europe/Chisinau",
	"FLE Standard Time":                 "Europe/Kiev",
	"GTB Standard Time":                 "Europe/Bucharest",
	"Russian Standard Time":             "Europe/Moscow",
	"Turkey Standard Time":              "Europe/Istanbul",
	"Israel Standard Time":              "Asia/Jerusalem",
	"Arabian Standard Time":             "Asia/Dubai",
	"Arab Standard Time":                "Asia/Riyadh",
	"Iran Standard Time":                "Asia/Tehran",
	"West Asia Standard Time":           "Asia/Tashkent",
	"India Standard Time":               "Asia/Kolkata",
	"Nepal Standard Time":               "Asia/Kathmandu",
	"Bangladesh Standard Time":          "Asia/Dhaka",
	"SE Asia Standard Time":             "Asia/Bangkok",
	"China Standard Time":               "Asia/Shanghai",
	"Singapore Standard Time":           "Asia/Singapore",
	"Taipei Standard Time":              "Asia/Taipei",
	"Tokyo Standard Time":               "Asia/Tokyo",
	"Korea Standard Time":               "Asia/Seoul",
	"AUS Eastern Standard Time":         "Australia/Sydney",
	"AUS Central Standard Time":         "Australia/Darwin",
	"W. Australia Standard Time":        "Australia/Perth",
	"Cen. Australia Standard Time":      "Australia/Adelaide",
	"New Zealand Standard Time":         "Pacific/Auckland",
	"South Africa Standard Time":        "Africa/Johannesburg",
	"Egypt Standard Time":               "Africa/Cairo",
	"W. Central Africa Standard Time":   "Africa/Lagos",
	"E. Africa Standard Time":           "Africa/Nairobi",
	"Morocco Standard Time":             "Africa/Casablanca",
	"Canada Central Standard Time":      "America/Regina",
	"Mexico Standard Time":              "America/Mexico_City",
	"Central Standard Time (Mexico)":    "America/Mexico_City",
	"Pacific Standard Time (Mexico)":    "America/Tijuana",
	"Mountain Standard Time (Mexico)":   "America/Chihuahua",
	"Newfoundland Standard Time":        "America/St_Johns",
	"Azores Standard Time":              "Atlantic/Azores",
	"Cape Verde Standard Time":          "Atlantic/Cape_Verde",
	"North Asia Standard Time":          "Asia/Krasnoyarsk",
	"North Asia East Standard Time":     "Asia/Irkutsk",
	"Yakutsk Standard Time":             "Asia/Yakutsk",
	"Vladivostok Standard Time":         "Asia/Vladivostok",
	"Fiji Standard Time":                "Pacific/Fiji",
	"Tonga Standard Time":               "Pacific/Tongatapu",
	"Samoa Standard Time":               "Pacific/Apia",
	"Ulaanbaatar Standard Time":         "Asia/Ulaanbaatar",
	"Myanmar Standard Time":             "Asia/Yangon",
	"Sri Lanka Standard Time":           "Asia/Colombo",
	"Caucasus Standard Time":            "Asia/Yerevan",
	"Azerbaijan Standard Time":          "Asia/Baku",
	"Georgian Standard Time":            "Asia/Tbilisi",
	"Afghanistan Standard Time":         "Asia/Kabul",
	"Pakistan Standard Time":            "Asia/Karachi",
	"Venezuela Standard Time":           "America/Caracas",
	"SA Western Standard Time":          "America/La_Paz",
	"SA Eastern Standard Time":          "America/Cayenne",
	"Montevideo Standard Time":          "America/Montevideo",
	"Greenland Standard Time":           "America/Godthab",
	"Mid-Atlantic Standard Time":        "Etc/GMT+2",
	"Jordan Standard Time":              "Asia/Amman",
	"Middle East Standard Time":         "Asia/Beirut",
	"Syria Standard Time":               "Asia/Damascus",
	"Arabic Standard Time":              "Asia/Baghdad",
	"Mauritius Standard Time":           "Indian/Mauritius",
	"Tasmania Standard Time":            "Australia/Hobart",
	"West Pacific Standard Time":        "Pacific/Port_Moresby",
	"Central Pacific Standard Time":     "Pacific/Guadalcanal",
	"Kamchatka Standard Time":           "Asia/Kamchatka",
	"Line Islands Standard Time":        "Pacific/Kiritimati",
	"Namibia Standard Time":             "Africa/Windhoek",
	"Libya Standard Time":               "Africa/Tripoli",
	"Belarus Standard Time":             "Europe/Minsk",
	"Kaliningrad Standard Time":         "Europe/Kaliningrad",
	"Further-Eastern European Standard": "Europe/Minsk",
}

// resolveLocation resolves a TZID to a *time.Location. Resolution order:
// direct IANA lookup, the legacy zone-name table, then UTC with a log line.
// An empty TZID means the value carries no zone information and is treated
// as UTC.
func resolveLocation(tzid string) *time.Location {
	tzid = strings.TrimSpace(tzid)
	if tzid == "" {
		return time.UTC
	}

	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc
	}

	if iana, ok := legacyZones[tzid]; ok {
		if loc, err := time.LoadLocation(iana); err == nil {
			return loc
		}
	}

	logging.Warn().Str("tzid", tzid).Msg("unresolvable TZID, falling back to UTC")
	return time.UTC
}
