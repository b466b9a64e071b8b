// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

/*
caldav.go - CalDAV Adapter

Talks RFC 4791 to generic CalDAV servers (Nextcloud, Radicale, SOGo, ...)
with basic auth: PROPFIND for collection discovery, REPORT calendar-query
with a time-range filter for event retrieval. Returned calendar-data payloads
are fed through the shared iCalendar parser.
*/

package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roomcast/roomcast/internal/ical"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
)

// caldavTimeLayout is the basic-format UTC timestamp used in time-range
// filters.
const caldavTimeLayout = "20060102T150405Z"

// Ensure CalDAVAdapter implements Adapter
var _ Adapter = (*CalDAVAdapter)(nil)

// CalDAVAdapter reads calendars from any RFC 4791 server.
type CalDAVAdapter struct {
	httpClient *http.Client
}

// NewCalDAVAdapter creates a CalDAV adapter using the shared HTTP client.
func NewCalDAVAdapter(httpClient *http.Client) *CalDAVAdapter {
	return &CalDAVAdapter{httpClient: httpClient}
}

// WebDAV multistatus response shapes. Local names are matched regardless of
// the server's namespace prefix; the caldav namespace pins the elements that
// would otherwise be ambiguous.
type davMultistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string        `xml:"href"`
	Propstat []davPropstat `xml:"propstat"`
}

type davPropstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	DisplayName  string          `xml:"displayname"`
	ResourceType davResourceType `xml:"resourcetype"`
	CalendarData string          `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

type davResourceType struct {
	Calendar *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
}

// TestConnection issues a depth-0 PROPFIND against the server URL.
func (a *CalDAVAdapter) TestConnection(ctx context.Context, creds *models.Credentials) error {
	const op = "caldav: test connection"
	cc, err := caldavCreds(op, creds)
	if err != nil {
		return err
	}

	const body = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:"><D:prop><D:displayname/></D:prop></D:propfind>`
	_, err = a.davRequest(ctx, op, cc, "PROPFIND", cc.ServerURL, "0", body)
	return err
}

// FetchEvents runs a calendar-query REPORT with a time-range filter against
// the configured collection, discovering one when no path is set.
func (a *CalDAVAdapter) FetchEvents(ctx context.Context, creds *models.Credentials, start, end time.Time) ([]models.ExternalEvent, error) {
	const op = "caldav: fetch events"
	cc, err := caldavCreds(op, creds)
	if err != nil {
		return nil, err
	}

	target, err := a.collectionURL(ctx, op, cc)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, start.UTC().Format(caldavTimeLayout), end.UTC().Format(caldavTimeLayout))

	ms, err := a.davRequest(ctx, op, cc, "REPORT", target, "1", query)
	if err != nil {
		return nil, err
	}

	window := ical.Window{Start: start, End: end}
	var events []models.ExternalEvent
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstat {
			if ps.Prop.CalendarData == "" {
				continue
			}
			evs, perr := ical.EventsInRange([]byte(ps.Prop.CalendarData), window)
			if perr != nil {
				// One broken object must not sink the whole collection.
				logging.Warn().Err(perr).Str("href", resp.Href).Msg("skipping unparseable caldav object")
				continue
			}
			events = append(events, evs...)
		}
	}
	return events, nil
}

// ListCalendars walks the server URL at depth 1 and returns every child
// collection typed as a calendar.
func (a *CalDAVAdapter) ListCalendars(ctx context.Context, creds *models.Credentials) ([]CalendarRef, error) {
	const op = "caldav: list calendars"
	cc, err := caldavCreds(op, creds)
	if err != nil {
		return nil, err
	}

	const body = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:">
  <D:prop><D:displayname/><D:resourcetype/></D:prop>
</D:propfind>`
	ms, err := a.davRequest(ctx, op, cc, "PROPFIND", cc.ServerURL, "1", body)
	if err != nil {
		return nil, err
	}

	var refs []CalendarRef
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstat {
			if ps.Prop.ResourceType.Calendar == nil {
				continue
			}
			name := ps.Prop.DisplayName
			if name == "" {
				name = resp.Href
			}
			refs = append(refs, CalendarRef{ID: resp.Href, Name: name})
			break
		}
	}
	return refs, nil
}

// collectionURL resolves the event collection to query: the configured path
// when present, otherwise the first discovered calendar.
func (a *CalDAVAdapter) collectionURL(ctx context.Context, op string, cc *models.CalDAVCredentials) (string, error) {
	if cc.CalendarPath != "" {
		return joinDAVPath(cc.ServerURL, cc.CalendarPath), nil
	}

	refs, err := a.ListCalendars(ctx, &models.Credentials{Kind: models.ProviderCalDAV, CalDAV: cc})
	if err != nil {
		return "", err
	}
	if len(refs) == 0 {
		return "", &Error{Kind: KindUnknown, Op: op, Err: fmt.Errorf("no calendar collections found under %s", cc.ServerURL)}
	}
	return joinDAVPath(cc.ServerURL, refs[0].ID), nil
}

// davRequest performs one WebDAV request and decodes the multistatus body.
func (a *CalDAVAdapter) davRequest(ctx context.Context, op string, cc *models.CalDAVCredentials, method, target, depth, body string) (*davMultistatus, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	req.SetBasicAuth(cc.Username, cc.Password)
	req.Header.Set("Content-Type", `application/xml; charset="utf-8"`)
	req.Header.Set("Depth", depth)

	started := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues("caldav", strings.ToLower(method)).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp.StatusCode, resp.Header)
	}

	var ms davMultistatus
	if err := xml.Unmarshal(raw, &ms); err != nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: fmt.Errorf("multistatus decode: %w", err)}
	}
	return &ms, nil
}

// joinDAVPath resolves an href against the server URL. Hrefs in multistatus
// responses are usually absolute paths on the same host.
func joinDAVPath(serverURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base, err := url.Parse(serverURL)
	if err != nil {
		return strings.TrimSuffix(serverURL, "/") + "/" + strings.TrimPrefix(href, "/")
	}
	ref, err := url.Parse(href)
	if err != nil {
		return strings.TrimSuffix(serverURL, "/") + "/" + strings.TrimPrefix(href, "/")
	}
	return base.ResolveReference(ref).String()
}

// caldavCreds narrows the union, guarding against wiring mistakes upstream.
func caldavCreds(op string, creds *models.Credentials) (*models.CalDAVCredentials, error) {
	if creds == nil || creds.CalDAV == nil {
		return nil, &Error{Kind: KindUnknown, Op: op, Err: models.ErrCredentialMismatch}
	}
	return creds.CalDAV, nil
}
