// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package provider implements the calendar backend adapters: Microsoft Graph
// (Exchange Online), Google Calendar, CalDAV, and static ICS feeds. Every
// adapter normalizes provider payloads into models.ExternalEvent with UTC
// timestamps and classifies failures into provider.Error so the sync layer
// can back off uniformly.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/roomcast/roomcast/internal/models"
)

// Adapter is the uniform surface the sync layer uses against any calendar
// backend. Implementations are stateless with respect to calendars: the full
// credential set arrives on every call.
type Adapter interface {
	// TestConnection verifies the credentials reach the backend, without
	// fetching events.
	TestConnection(ctx context.Context, creds *models.Credentials) error

	// FetchEvents returns all events intersecting [start, end], with
	// recurring events expanded into concrete occurrences.
	FetchEvents(ctx context.Context, creds *models.Credentials, start, end time.Time) ([]models.ExternalEvent, error)

	// ListCalendars enumerates the calendars visible to the credentials, for
	// admin-time discovery. Adapters without a meaningful listing (ICS)
	// return a single entry describing the feed.
	ListCalendars(ctx context.Context, creds *models.Credentials) ([]CalendarRef, error)
}

// CalendarRef identifies one calendar discoverable through a provider
// account.
type CalendarRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Options carries shared infrastructure into adapter construction.
type Options struct {
	// HTTPClient is shared across adapters; a default with a 30s timeout is
	// used when nil.
	HTTPClient *http.Client
	// FeedCache enables conditional fetching for ICS feeds. Optional.
	FeedCache *FeedCache
}

// defaultHTTPClient mirrors the timeout used for all upstream calls.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// outboundLimits throttles calls per backend so a misconfigured short sync
// interval cannot hammer an upstream API.
var outboundLimits = map[models.ProviderKind]rate.Limit{
	models.ProviderExchange: rate.Every(100 * time.Millisecond),
	models.ProviderGoogle:   rate.Every(100 * time.Millisecond),
	models.ProviderCalDAV:   rate.Every(250 * time.Millisecond),
	models.ProviderICS:      rate.Every(250 * time.Millisecond),
}

// New constructs the adapter for a provider kind, wrapped with a rate
// limiter and a circuit breaker.
func New(kind models.ProviderKind, opts Options) (Adapter, error) {
	client := opts.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}

	var inner Adapter
	switch kind {
	case models.ProviderExchange:
		inner = NewExchangeAdapter(client)
	case models.ProviderGoogle:
		inner = NewGoogleAdapter(client)
	case models.ProviderCalDAV:
		inner = NewCalDAVAdapter(client)
	case models.ProviderICS:
		inner = NewICSAdapter(client, opts.FeedCache)
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownProviderKind, kind)
	}

	limiter := rate.NewLimiter(outboundLimits[kind], 5)
	return NewBreakerAdapter(string(kind), newLimitedAdapter(inner, limiter)), nil
}

// limitedAdapter throttles every operation through a shared token bucket.
type limitedAdapter struct {
	inner   Adapter
	limiter *rate.Limiter
}

func newLimitedAdapter(inner Adapter, limiter *rate.Limiter) *limitedAdapter {
	return &limitedAdapter{inner: inner, limiter: limiter}
}

func (a *limitedAdapter) TestConnection(ctx context.Context, creds *models.Credentials) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return transportError("rate limit wait", err)
	}
	return a.inner.TestConnection(ctx, creds)
}

func (a *limitedAdapter) FetchEvents(ctx context.Context, creds *models.Credentials, start, end time.Time) ([]models.ExternalEvent, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, transportError("rate limit wait", err)
	}
	return a.inner.FetchEvents(ctx, creds, start, end)
}

func (a *limitedAdapter) ListCalendars(ctx context.Context, creds *models.Credentials) ([]CalendarRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, transportError("rate limit wait", err)
	}
	return a.inner.ListCalendars(ctx, creds)
}
