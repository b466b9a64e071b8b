// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package models provides data models for the application.
package models

import "time"

// ProviderKind identifies an external calendar backend type.
type ProviderKind string

const (
	ProviderExchange ProviderKind = "exchange"
	ProviderGoogle   ProviderKind = "google"
	ProviderCalDAV   ProviderKind = "caldav"
	ProviderICS      ProviderKind = "ics"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderExchange, ProviderGoogle, ProviderCalDAV, ProviderICS:
		return true
	}
	return false
}

// SyncStatus represents the sync state machine of a calendar.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

// Sync interval bounds for configured calendars, in seconds.
const (
	MinSyncIntervalSeconds = 30
	MaxSyncIntervalSeconds = 86400
)

// Calendar represents a configured external calendar source.
// Credentials are stored encrypted; the plaintext never reaches the database.
type Calendar struct {
	ID                  string       `json:"id" db:"id"`
	Name                string       `json:"name" db:"name"`
	Provider            ProviderKind `json:"provider" db:"provider"`
	CredentialBlob      []byte       `json:"-" db:"credential_blob"` // Never expose encrypted value
	Color               string       `json:"color" db:"color"`
	SyncIntervalSeconds int          `json:"sync_interval_seconds" db:"sync_interval_seconds"`
	SyncStatus          SyncStatus   `json:"sync_status" db:"sync_status"`
	LastSyncAt          *time.Time   `json:"last_sync_at,omitempty" db:"last_sync_at"`
	LastError           string       `json:"last_error,omitempty" db:"last_error"`
	ConsecutiveErrors   int          `json:"consecutive_errors" db:"consecutive_errors"`
	NextSyncAt          time.Time    `json:"next_sync_at" db:"next_sync_at"`
	CachePastDays       int          `json:"cache_past_days" db:"cache_past_days"`
	CacheFutureDays     int          `json:"cache_future_days" db:"cache_future_days"`
	CreatedAt           time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

// CacheWindow returns the event retention window for this calendar around now.
func (c *Calendar) CacheWindow(now time.Time) (start, end time.Time) {
	start = now.AddDate(0, 0, -c.CachePastDays)
	end = now.AddDate(0, 0, c.CacheFutureDays)
	return start, end
}

// SyncState is the mutable sync bookkeeping written back after each run.
type SyncState struct {
	Status            SyncStatus
	LastSyncAt        *time.Time
	LastError         string
	ConsecutiveErrors int
	NextSyncAt        time.Time
}

// CalendarStatus is the operator-facing view of a calendar's health.
type CalendarStatus struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Provider          ProviderKind `json:"provider"`
	Color             string       `json:"color"`
	SyncStatus        SyncStatus   `json:"sync_status"`
	LastSyncAt        *time.Time   `json:"last_sync_at,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	NextSyncAt        time.Time    `json:"next_sync_at"`
	EventCount        int          `json:"event_count"`
}
