// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package models

// DisplayConfig is the layout/behavior configuration pushed to a display
// client in init and config_update frames. Roomcast treats it as an opaque
// document owned by the administrative layer; only the fields the
// distribution core needs are typed.
type DisplayConfig struct {
	DisplayID   string         `json:"display_id"`
	Name        string         `json:"name"`
	CalendarIDs []string       `json:"calendar_ids"`
	Timezone    string         `json:"timezone,omitempty"`
	Layout      map[string]any `json:"layout,omitempty"`
}
