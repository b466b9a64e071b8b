// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Credential validation errors.
var (
	ErrUnknownProviderKind = errors.New("unknown provider kind")
	ErrCredentialMismatch  = errors.New("credential variant does not match provider kind")
)

// validate is the shared validator instance for credential variants.
var validate = validator.New()

// Credentials is the tagged union of provider credential shapes. Kind selects
// exactly one populated variant; the others must be nil. The union is
// validated at the boundary (decrypt, admin input) before any adapter sees it.
type Credentials struct {
	Kind ProviderKind `json:"kind"`

	Exchange *ExchangeCredentials `json:"exchange,omitempty"`
	Google   *GoogleCredentials   `json:"google,omitempty"`
	CalDAV   *CalDAVCredentials   `json:"caldav,omitempty"`
	ICS      *ICSCredentials      `json:"ics,omitempty"`
}

// ExchangeCredentials authenticates against a Microsoft Graph resource
// calendar using the client-credentials grant.
type ExchangeCredentials struct {
	TenantID     string `json:"tenant_id" validate:"required"`
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	// CalendarUPN is the mailbox (room resource) whose calendar is read.
	CalendarUPN string `json:"calendar_upn" validate:"required,email"`
}

// GoogleCredentials authenticates against the Google Calendar API using a
// previously obtained OAuth refresh token.
type GoogleCredentials struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	RefreshToken string `json:"refresh_token" validate:"required"`
	CalendarID   string `json:"calendar_id" validate:"required"`
}

// CalDAVCredentials authenticates against a CalDAV server with basic auth.
type CalDAVCredentials struct {
	ServerURL string `json:"server_url" validate:"required,url"`
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required"`
	// CalendarPath is the collection path; discovered via ListCalendars when
	// empty.
	CalendarPath string `json:"calendar_path"`
}

// ICSCredentials points at a static feed URL. Secret feed tokens, if any,
// ride in the URL itself.
type ICSCredentials struct {
	URL string `json:"url" validate:"required,url"`
}

// Validate checks that the union is well formed: a known kind, the matching
// variant present and valid, and no stray variants from another kind.
func (c *Credentials) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownProviderKind, c.Kind)
	}

	var (
		variant   any
		populated int
	)
	if c.Exchange != nil {
		populated++
		variant = c.Exchange
	}
	if c.Google != nil {
		populated++
		variant = c.Google
	}
	if c.CalDAV != nil {
		populated++
		variant = c.CalDAV
	}
	if c.ICS != nil {
		populated++
		variant = c.ICS
	}

	if populated != 1 {
		return fmt.Errorf("%w: %d variants populated for kind %q", ErrCredentialMismatch, populated, c.Kind)
	}

	matches := false
	switch c.Kind {
	case ProviderExchange:
		matches = c.Exchange != nil
	case ProviderGoogle:
		matches = c.Google != nil
	case ProviderCalDAV:
		matches = c.CalDAV != nil
	case ProviderICS:
		matches = c.ICS != nil
	}
	if !matches {
		return fmt.Errorf("%w: kind %q", ErrCredentialMismatch, c.Kind)
	}

	if err := validate.Struct(variant); err != nil {
		return fmt.Errorf("invalid %s credentials: %w", c.Kind, err)
	}
	return nil
}
