// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/roomcast/roomcast/internal/models"
)

func caldavTestCreds(serverURL, path string) *models.Credentials {
	return &models.Credentials{
		Kind: models.ProviderCalDAV,
		CalDAV: &models.CalDAVCredentials{
			ServerURL:    serverURL,
			Username:     "displays",
			Password:     "hunter2",
			CalendarPath: path,
		},
	}
}

const caldavEventObject = `BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:dav-1\r\nSUMMARY:Ops sync\r\nDTSTART:20250110T130000Z\r\nDTEND:20250110T140000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n`

func caldavMultistatus(calendarData string) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/calendars/displays/work/event-1.ics</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"abc123"</D:getetag>
        <C:calendar-data>` + calendarData + `</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`
}

func TestCalDAVFetchEvents(t *testing.T) {
	data := strings.ReplaceAll(caldavEventObject, `\r\n`, "\r\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPORT" {
			t.Errorf("method = %s, want REPORT", r.Method)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "displays" || pass != "hunter2" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if got := r.Header.Get("Depth"); got != "1" {
			t.Errorf("depth = %q, want 1", got)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `<C:time-range start="20250101T000000Z"`) {
			t.Errorf("query missing time-range: %s", body)
		}

		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(caldavMultistatus(data)))
	}))
	defer srv.Close()

	a := NewCalDAVAdapter(srv.Client())
	events, err := a.FetchEvents(context.Background(),
		caldavTestCreds(srv.URL, "/calendars/displays/work/"),
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("event count = %d, want 1", len(events))
	}
	if events[0].ExternalID != "dav-1" || events[0].Title != "Ops sync" {
		t.Errorf("event = %q/%q", events[0].ExternalID, events[0].Title)
	}
	if want := time.Date(2025, 1, 10, 13, 0, 0, 0, time.UTC); !events[0].Start.Equal(want) {
		t.Errorf("start = %v, want %v", events[0].Start, want)
	}
}

func TestCalDAVFetchDiscoversCollection(t *testing.T) {
	var sawPropfind, sawReport bool
	data := strings.ReplaceAll(caldavEventObject, `\r\n`, "\r\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			sawPropfind = true
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/calendars/displays/</D:href>
    <D:propstat><D:prop><D:resourcetype><D:collection/></D:resourcetype></D:prop>
    <D:status>HTTP/1.1 200 OK</D:status></D:propstat>
  </D:response>
  <D:response>
    <D:href>/calendars/displays/work/</D:href>
    <D:propstat><D:prop>
      <D:displayname>Work</D:displayname>
      <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
    </D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat>
  </D:response>
</D:multistatus>`))
		case "REPORT":
			sawReport = true
			if !strings.HasSuffix(r.URL.Path, "/calendars/displays/work/") {
				t.Errorf("report path = %q, want discovered collection", r.URL.Path)
			}
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(caldavMultistatus(data)))
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	a := NewCalDAVAdapter(srv.Client())
	events, err := a.FetchEvents(context.Background(),
		caldavTestCreds(srv.URL, ""),
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	if !sawPropfind || !sawReport {
		t.Errorf("propfind=%v report=%v, want both", sawPropfind, sawReport)
	}
	if len(events) != 1 {
		t.Fatalf("event count = %d, want 1", len(events))
	}
}

func TestCalDAVListCalendars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Errorf("method = %s, want PROPFIND", r.Method)
		}
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/calendars/displays/work/</D:href>
    <D:propstat><D:prop>
      <D:displayname>Work</D:displayname>
      <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
    </D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat>
  </D:response>
  <D:response>
    <D:href>/calendars/displays/notes/</D:href>
    <D:propstat><D:prop>
      <D:displayname>Notes</D:displayname>
      <D:resourcetype><D:collection/></D:resourcetype>
    </D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat>
  </D:response>
</D:multistatus>`))
	}))
	defer srv.Close()

	a := NewCalDAVAdapter(srv.Client())
	refs, err := a.ListCalendars(context.Background(), caldavTestCreds(srv.URL, ""))
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	// Only collections typed as calendars qualify.
	if len(refs) != 1 {
		t.Fatalf("ref count = %d, want 1", len(refs))
	}
	if refs[0].ID != "/calendars/displays/work/" || refs[0].Name != "Work" {
		t.Errorf("ref = %+v", refs[0])
	}
}

func TestCalDAVAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewCalDAVAdapter(srv.Client())
	err := a.TestConnection(context.Background(), caldavTestCreds(srv.URL, ""))
	if err == nil {
		t.Fatal("TestConnection succeeded against 401 server")
	}
	if got := KindOf(err); got != KindAuth {
		t.Errorf("kind = %q, want auth", got)
	}
}

func TestJoinDAVPath(t *testing.T) {
	tests := []struct {
		server string
		href   string
		want   string
	}{
		{"https://dav.example.com/remote.php/dav", "/calendars/u/work/", "https://dav.example.com/calendars/u/work/"},
		{"https://dav.example.com", "https://other.example.com/cal/", "https://other.example.com/cal/"},
		{"https://dav.example.com/base/", "sub/", "https://dav.example.com/base/sub/"},
	}
	for _, tt := range tests {
		if got := joinDAVPath(tt.server, tt.href); got != tt.want {
			t.Errorf("joinDAVPath(%q, %q) = %q, want %q", tt.server, tt.href, got, tt.want)
		}
	}
}
