// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

/*
google.go - Google Calendar Adapter

Reads calendars through the Calendar v3 REST API using a stored OAuth
refresh token. Recurring events are requested with singleEvents=true so the
API returns concrete occurrences.

API Reference: https://developers.google.com/calendar/api/v3/reference/events/list
*/

package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
)

const (
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
	defaultGoogleAPIURL   = "https://www.googleapis.com/calendar/v3"

	googlePageSize = 250
	googleMaxPages = 50
)

// Ensure GoogleAdapter implements Adapter
var _ Adapter = (*GoogleAdapter)(nil)

// GoogleAdapter reads calendars from the Google Calendar API.
type GoogleAdapter struct {
	httpClient *http.Client
	tokenURL   string
	apiBaseURL string

	mu     sync.Mutex
	tokens map[string]cachedToken // keyed by clientID + "/" + refreshToken
}

// NewGoogleAdapter creates a Calendar-API adapter using the shared HTTP
// client.
func NewGoogleAdapter(httpClient *http.Client) *GoogleAdapter {
	return &GoogleAdapter{
		httpClient: httpClient,
		tokenURL:   defaultGoogleTokenURL,
		apiBaseURL: defaultGoogleAPIURL,
		tokens:     make(map[string]cachedToken),
	}
}

// googleEvent is the subset of the Calendar v3 event resource the adapter
// consumes.
type googleEvent struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"` // confirmed, tentative, cancelled
	Summary          string          `json:"summary"`
	Description      string          `json:"description"`
	Location         string          `json:"location"`
	RecurringEventID string          `json:"recurringEventId"`
	Start            googleEventTime `json:"start"`
	End              googleEventTime `json:"end"`
	Organizer        struct {
		DisplayName string `json:"displayName"`
		Email       string `json:"email"`
	} `json:"organizer"`
	Attendees []struct {
		Email string `json:"email"`
	} `json:"attendees"`
}

type googleEventTime struct {
	// DateTime is set for timed events, Date for all-day events.
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
	TimeZone string `json:"timeZone"`
}

type googleEventPage struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// TestConnection refreshes the token and probes the calendar's metadata.
func (a *GoogleAdapter) TestConnection(ctx context.Context, creds *models.Credentials) error {
	const op = "google: test connection"
	gc, err := googleCreds(op, creds)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/calendars/%s?fields=id", a.apiBaseURL, url.PathEscape(gc.CalendarID))
	_, err = a.apiGet(ctx, op, gc, endpoint)
	return err
}

// FetchEvents pages through the events list for [start, end] with recurring
// series expanded server-side.
func (a *GoogleAdapter) FetchEvents(ctx context.Context, creds *models.Credentials, start, end time.Time) ([]models.ExternalEvent, error) {
	const op = "google: fetch events"
	gc, err := googleCreds(op, creds)
	if err != nil {
		return nil, err
	}

	var events []models.ExternalEvent
	pageToken := ""
	for page := 0; page < googleMaxPages; page++ {
		q := url.Values{}
		q.Set("timeMin", start.UTC().Format(time.RFC3339))
		q.Set("timeMax", end.UTC().Format(time.RFC3339))
		q.Set("singleEvents", "true")
		q.Set("orderBy", "startTime")
		q.Set("maxResults", fmt.Sprintf("%d", googlePageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", a.apiBaseURL, url.PathEscape(gc.CalendarID), q.Encode())

		body, err := a.apiGet(ctx, op, gc, endpoint)
		if err != nil {
			return nil, err
		}
		var pageData googleEventPage
		if err := json.Unmarshal(body, &pageData); err != nil {
			return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
		}

		for i := range pageData.Items {
			ev, convErr := googleToExternal(&pageData.Items[i])
			if convErr != nil {
				return nil, &Error{Kind: KindUnknown, Op: op, Err: convErr}
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
		if pageData.NextPageToken == "" {
			pageToken = ""
			break
		}
		pageToken = pageData.NextPageToken
	}
	// A truncated snapshot must not reach the reconciler: it would read the
	// missing tail as deletions.
	if pageToken != "" {
		return nil, &Error{
			Kind: KindUnknown,
			Op:   op,
			Err:  fmt.Errorf("pagination did not terminate after %d pages", googleMaxPages),
		}
	}
	return events, nil
}

// ListCalendars enumerates the account's calendar list.
func (a *GoogleAdapter) ListCalendars(ctx context.Context, creds *models.Credentials) ([]CalendarRef, error) {
	const op = "google: list calendars"
	gc, err := googleCreds(op, creds)
	if err != nil {
		return nil, err
	}

	body, err := a.apiGet(ctx, op, gc, a.apiBaseURL+"/users/me/calendarList?fields=items(id,summary)")
	if err != nil {
		return nil, err
	}

	var page struct {
		Items []struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	refs := make([]CalendarRef, 0, len(page.Items))
	for _, item := range page.Items {
		refs = append(refs, CalendarRef{ID: item.ID, Name: item.Summary})
	}
	return refs, nil
}

// apiGet performs an authenticated GET and returns the response body.
func (a *GoogleAdapter) apiGet(ctx context.Context, op string, gc *models.GoogleCredentials, endpoint string) ([]byte, error) {
	token, err := a.token(ctx, op, gc)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues("google", "get").Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp.StatusCode, resp.Header)
	}
	return body, nil
}

// token exchanges the stored refresh token for a short-lived access token,
// cached until near expiry.
func (a *GoogleAdapter) token(ctx context.Context, op string, gc *models.GoogleCredentials) (string, error) {
	key := gc.ClientID + "/" + gc.RefreshToken

	a.mu.Lock()
	if tok, ok := a.tokens[key]; ok && time.Now().Before(tok.expiresAt.Add(-tokenExpirySlack)) {
		a.mu.Unlock()
		return tok.accessToken, nil
	}
	a.mu.Unlock()

	form := url.Values{}
	form.Set("client_id", gc.ClientID)
	form.Set("client_secret", gc.ClientSecret)
	form.Set("refresh_token", gc.RefreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	started := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues("google", "token").Observe(time.Since(started).Seconds())
	if err != nil {
		return "", transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		// A revoked or malformed refresh token answers 400 invalid_grant.
		if resp.StatusCode == http.StatusBadRequest {
			return "", &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("token refresh rejected: %s", truncateBody(body))}
		}
		return "", classifyStatus(op, resp.StatusCode, resp.Header)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	if tokenResp.AccessToken == "" {
		return "", &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("token response missing access_token")}
	}

	a.mu.Lock()
	a.tokens[key] = cachedToken{
		accessToken: tokenResp.AccessToken,
		expiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}
	a.mu.Unlock()

	return tokenResp.AccessToken, nil
}

// googleToExternal converts one event; cancelled events return nil.
func googleToExternal(ge *googleEvent) (*models.ExternalEvent, error) {
	if ge.Status == "cancelled" {
		return nil, nil
	}

	start, allDay, err := parseGoogleTime(ge.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", ge.ID, err)
	}
	end, _, err := parseGoogleTime(ge.End)
	if err != nil {
		return nil, fmt.Errorf("event %s end: %w", ge.ID, err)
	}

	recurring := ge.RecurringEventID != ""
	out := &models.ExternalEvent{
		ExternalID:  ge.ID,
		Title:       ge.Summary,
		Start:       start,
		End:         end,
		IsAllDay:    allDay,
		IsRecurring: recurring,
	}
	if ge.Description != "" {
		desc := ge.Description
		out.Description = &desc
	}
	if ge.Location != "" {
		loc := ge.Location
		out.Location = &loc
	}
	if name := ge.Organizer.DisplayName; name != "" {
		out.Organizer = &name
	} else if email := ge.Organizer.Email; email != "" {
		out.Organizer = &email
	}
	if n := len(ge.Attendees); n > 0 {
		out.AttendeeCount = &n
	}
	if recurring {
		master := ge.RecurringEventID
		out.RecurrenceID = &master
	}
	if raw, err := json.Marshal(ge); err == nil {
		out.RawData = string(raw)
	}
	return out, nil
}

// parseGoogleTime handles both event time forms: RFC3339 dateTime for timed
// events and a bare date for all-day events.
func parseGoogleTime(et googleEventTime) (time.Time, bool, error) {
	if et.DateTime != "" {
		t, err := time.Parse(time.RFC3339, et.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), false, nil
	}
	if et.Date != "" {
		t, err := time.Parse("2006-01-02", et.Date)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("event time missing both dateTime and date")
}

// googleCreds narrows the union, guarding against wiring mistakes upstream.
func googleCreds(op string, creds *models.Credentials) (*models.GoogleCredentials, error) {
	if creds == nil || creds.Google == nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: models.ErrCredentialMismatch}
	}
	return creds.Google, nil
}
