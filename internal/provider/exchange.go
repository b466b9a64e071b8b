// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

/*
exchange.go - Microsoft Graph (Exchange Online) Adapter

Reads room-resource calendars through the Graph calendarView endpoint using
the client-credentials grant. Tokens are cached per tenant/client pair until
shortly before expiry.

API Reference: https://learn.microsoft.com/en-us/graph/api/user-list-calendarview
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
	defaultLoginBaseURL = "https://login.microsoftonline.com"
	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	graphPageSize = 100
	// graphMaxPages bounds pagination against a runaway nextLink chain.
	graphMaxPages = 50

	// tokenExpirySlack refreshes tokens this long before their actual expiry.
	tokenExpirySlack = 2 * time.Minute
)

// Ensure ExchangeAdapter implements Adapter
var _ Adapter = (*ExchangeAdapter)(nil)

// ExchangeAdapter reads calendars from Exchange Online via Microsoft Graph.
type ExchangeAdapter struct {
	httpClient   *http.Client
	loginBaseURL string
	graphBaseURL string

	mu     sync.Mutex
	tokens map[string]cachedToken // keyed by tenantID + "/" + clientID
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// NewExchangeAdapter creates a Graph-backed adapter using the shared HTTP
// client.
func NewExchangeAdapter(httpClient *http.Client) *ExchangeAdapter {
	return &ExchangeAdapter{
		httpClient:   httpClient,
		loginBaseURL: defaultLoginBaseURL,
		graphBaseURL: defaultGraphBaseURL,
		tokens:       make(map[string]cachedToken),
	}
}

// graphEvent is the subset of the Graph event resource the adapter consumes.
type graphEvent struct {
	ID             string        `json:"id"`
	Subject        string        `json:"subject"`
	BodyPreview    string        `json:"bodyPreview"`
	IsAllDay       bool          `json:"isAllDay"`
	IsCancelled    bool          `json:"isCancelled"`
	Type           string        `json:"type"` // singleInstance, occurrence, exception, seriesMaster
	SeriesMasterID string        `json:"seriesMasterId"`
	Start          graphDateTime `json:"start"`
	End            graphDateTime `json:"end"`
	Location       struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Organizer struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"organizer"`
	Attendees []struct {
		Type string `json:"type"`
	} `json:"attendees"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type graphCalendar struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TestConnection acquires a token and probes the target mailbox's default
// calendar.
func (a *ExchangeAdapter) TestConnection(ctx context.Context, creds *models.Credentials) error {
	const op = "exchange: test connection"
	ec, err := exchangeCreds(op, creds)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/users/%s/calendar?$select=name", a.graphBaseURL, url.PathEscape(ec.CalendarUPN))
	body, err := a.graphGet(ctx, op, ec, endpoint)
	if err != nil {
		return err
	}
	var cal graphCalendar
	if err := json.Unmarshal(body, &cal); err != nil {
		return &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	return nil
}

// FetchEvents pages through the calendarView for [start, end]. Graph expands
// recurring series server-side, so occurrences arrive pre-materialized.
func (a *ExchangeAdapter) FetchEvents(ctx context.Context, creds *models.Credentials, start, end time.Time) ([]models.ExternalEvent, error) {
	const op = "exchange: fetch events"
	ec, err := exchangeCreds(op, creds)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$top", fmt.Sprintf("%d", graphPageSize))
	q.Set("$select", "id,subject,bodyPreview,isAllDay,isCancelled,type,seriesMasterId,start,end,location,organizer,attendees")
	next := fmt.Sprintf("%s/users/%s/calendarView?%s", a.graphBaseURL, url.PathEscape(ec.CalendarUPN), q.Encode())

	var events []models.ExternalEvent
	for page := 0; next != "" && page < graphMaxPages; page++ {
		body, err := a.graphGet(ctx, op, ec, next)
		if err != nil {
			return nil, err
		}

		var pageData graphEventPage
		if err := json.Unmarshal(body, &pageData); err != nil {
			return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
		}
		for i := range pageData.Value {
			ev, convErr := graphToExternal(&pageData.Value[i])
			if convErr != nil {
				return nil, &Error{Kind: KindUnknown, Op: op, Err: convErr}
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
		next = pageData.NextLink
	}
	// A truncated snapshot must not reach the reconciler: it would read the
	// missing tail as deletions.
	if next != "" {
		return nil, &Error{
			Kind: KindUnknown,
			Op:   op,
			Err:  fmt.Errorf("pagination did not terminate after %d pages", graphMaxPages),
		}
	}
	return events, nil
}

// ListCalendars enumerates the calendars of the configured mailbox.
func (a *ExchangeAdapter) ListCalendars(ctx context.Context, creds *models.Credentials) ([]CalendarRef, error) {
	const op = "exchange: list calendars"
	ec, err := exchangeCreds(op, creds)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/users/%s/calendars?$select=id,name", a.graphBaseURL, url.PathEscape(ec.CalendarUPN))
	body, err := a.graphGet(ctx, op, ec, endpoint)
	if err != nil {
		return nil, err
	}

	var page struct {
		Value []graphCalendar `json:"value"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	refs := make([]CalendarRef, 0, len(page.Value))
	for _, c := range page.Value {
		refs = append(refs, CalendarRef{ID: c.ID, Name: c.Name})
	}
	return refs, nil
}

// graphGet performs an authenticated GET and returns the response body.
func (a *ExchangeAdapter) graphGet(ctx context.Context, op string, ec *models.ExchangeCredentials, endpoint string) ([]byte, error) {
	token, err := a.token(ctx, op, ec)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	// Normalize returned date-times to UTC.
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	started := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues("exchange", "get").Observe(time.Since(started).Seconds())
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

// token returns a cached access token for the tenant/client pair, acquiring
// a fresh one through the client-credentials grant when missing or near
// expiry.
func (a *ExchangeAdapter) token(ctx context.Context, op string, ec *models.ExchangeCredentials) (string, error) {
	key := ec.TenantID + "/" + ec.ClientID

	a.mu.Lock()
	if tok, ok := a.tokens[key]; ok && time.Now().Before(tok.expiresAt.Add(-tokenExpirySlack)) {
		a.mu.Unlock()
		return tok.accessToken, nil
	}
	a.mu.Unlock()

	form := url.Values{}
	form.Set("client_id", ec.ClientID)
	form.Set("client_secret", ec.ClientSecret)
	form.Set("scope", "https://graph.microsoft.com/.default")
	form.Set("grant_type", "client_credentials")

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", a.loginBaseURL, url.PathEscape(ec.TenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	started := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues("exchange", "token").Observe(time.Since(started).Seconds())
	if err != nil {
		return "", transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		// The token endpoint answers bad credentials with 400/401.
		if resp.StatusCode == http.StatusBadRequest {
			return "", &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("token request rejected: %s", truncateBody(body))}
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

// graphToExternal converts a Graph event. Series masters and cancelled
// events return nil: the calendarView already contains the concrete
// occurrences.
func graphToExternal(ge *graphEvent) (*models.ExternalEvent, error) {
	if ge.IsCancelled || ge.Type == "seriesMaster" {
		return nil, nil
	}

	start, err := parseGraphTime(ge.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", ge.ID, err)
	}
	end, err := parseGraphTime(ge.End)
	if err != nil {
		return nil, fmt.Errorf("event %s end: %w", ge.ID, err)
	}

	recurring := ge.Type == "occurrence" || ge.Type == "exception"
	out := &models.ExternalEvent{
		ExternalID:  ge.ID,
		Title:       ge.Subject,
		Start:       start,
		End:         end,
		IsAllDay:    ge.IsAllDay,
		IsRecurring: recurring,
	}
	if ge.BodyPreview != "" {
		desc := ge.BodyPreview
		out.Description = &desc
	}
	if ge.Location.DisplayName != "" {
		loc := ge.Location.DisplayName
		out.Location = &loc
	}
	if name := ge.Organizer.EmailAddress.Name; name != "" {
		out.Organizer = &name
	} else if addr := ge.Organizer.EmailAddress.Address; addr != "" {
		out.Organizer = &addr
	}
	if n := len(ge.Attendees); n > 0 {
		out.AttendeeCount = &n
	}
	if recurring && ge.SeriesMasterID != "" {
		master := ge.SeriesMasterID
		out.RecurrenceID = &master
	}
	if raw, err := json.Marshal(ge); err == nil {
		out.RawData = string(raw)
	}
	return out, nil
}

// parseGraphTime parses Graph's fractional-seconds timestamp in the zone the
// response declares. With the Prefer header set this is always UTC.
func parseGraphTime(dt graphDateTime) (time.Time, error) {
	loc := time.UTC
	if dt.TimeZone != "" && !strings.EqualFold(dt.TimeZone, "UTC") {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.0000000", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, dt.DateTime, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable graph timestamp %q", dt.DateTime)
}

// exchangeCreds narrows the union, guarding against wiring mistakes upstream.
func exchangeCreds(op string, creds *models.Credentials) (*models.ExchangeCredentials, error) {
	if creds == nil || creds.Exchange == nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: models.ErrCredentialMismatch}
	}
	return creds.Exchange, nil
}

// truncateBody keeps error messages readable when upstream returns a page of
// HTML or a verbose error document.
func truncateBody(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
