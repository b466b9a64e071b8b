// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

/*
ics.go - Static ICS Feed Adapter

Fetches published iCalendar feeds over plain HTTP GET. When a FeedCache is
attached, fetches are conditional (If-None-Match / If-Modified-Since) and a
304 response reuses the cached body. Parsing and recurrence expansion happen
in the shared iCalendar package.
*/

package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roomcast/roomcast/internal/ical"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
)

// maxFeedBytes caps a single feed download.
const maxFeedBytes = 20 << 20

// Ensure ICSAdapter implements Adapter
var _ Adapter = (*ICSAdapter)(nil)

// ICSAdapter reads published iCalendar feeds.
type ICSAdapter struct {
	httpClient *http.Client
	cache      *FeedCache // optional
}

// NewICSAdapter creates a feed adapter. cache may be nil, disabling
// conditional fetches.
func NewICSAdapter(httpClient *http.Client, cache *FeedCache) *ICSAdapter {
	return &ICSAdapter{httpClient: httpClient, cache: cache}
}

// TestConnection fetches the feed and checks that it parses at all.
func (a *ICSAdapter) TestConnection(ctx context.Context, creds *models.Credentials) error {
	const op = "ics: test connection"
	ic, err := icsCreds(op, creds)
	if err != nil {
		return err
	}

	body, err := a.fetch(ctx, op, ic.URL)
	if err != nil {
		return err
	}
	if _, err := ical.Parse(body); err != nil {
		return &Error{Kind: KindUnknown, Op: op, Err: fmt.Errorf("feed does not parse as iCalendar: %w", err)}
	}
	return nil
}

// FetchEvents downloads the feed and expands it into the window.
func (a *ICSAdapter) FetchEvents(ctx context.Context, creds *models.Credentials, start, end time.Time) ([]models.ExternalEvent, error) {
	const op = "ics: fetch events"
	ic, err := icsCreds(op, creds)
	if err != nil {
		return nil, err
	}

	body, err := a.fetch(ctx, op, ic.URL)
	if err != nil {
		return nil, err
	}
	events, err := ical.EventsInRange(body, ical.Window{Start: start, End: end})
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	return events, nil
}

// ListCalendars returns a single entry describing the feed; ICS has no
// account-level listing.
func (a *ICSAdapter) ListCalendars(_ context.Context, creds *models.Credentials) ([]CalendarRef, error) {
	const op = "ics: list calendars"
	ic, err := icsCreds(op, creds)
	if err != nil {
		return nil, err
	}
	return []CalendarRef{{ID: ic.URL, Name: feedName(ic.URL)}}, nil
}

// fetch performs the (conditional) GET and returns the effective feed body.
func (a *ICSAdapter) fetch(ctx context.Context, op, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	req.Header.Set("Accept", "text/calendar, */*")

	var cached *cachedFeed
	if a.cache != nil {
		if cached = a.cache.get(feedURL); cached != nil {
			if cached.ETag != "" {
				req.Header.Set("If-None-Match", cached.ETag)
			}
			if cached.LastModified != "" {
				req.Header.Set("If-Modified-Since", cached.LastModified)
			}
		}
	}

	started := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues("ics", "get").Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		metrics.FeedCacheHits.Inc()
		return cached.Body, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp.StatusCode, resp.Header)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, transportError(op, err)
	}

	metrics.FeedCacheMisses.Inc()
	if a.cache != nil {
		a.cache.put(feedURL, &cachedFeed{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
			FetchedAt:    time.Now().UTC(),
		})
	}
	return body, nil
}

// feedName derives a human label from the feed URL.
func feedName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	base := u.Path
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if base == "" {
		return u.Host
	}
	return strings.TrimSuffix(base, ".ics")
}

// icsCreds narrows the union, guarding against wiring mistakes upstream.
func icsCreds(op string, creds *models.Credentials) (*models.ICSCredentials, error) {
	if creds == nil || creds.ICS == nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: models.ErrCredentialMismatch}
	}
	return creds.ICS, nil
}
