// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package registry tracks connected display clients and fans calendar and
// configuration updates out to them. The registry is in-process only; a
// multi-instance deployment would need an external fan-out layer.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
)

// Push frame types.
const (
	FrameTypeInit           = "init"
	FrameTypeCalendarUpdate = "calendar_update"
	FrameTypeConfigUpdate   = "config_update"
	FrameTypeHeartbeat      = "heartbeat"
)

// Sink receives serialized push frames. A Send error marks the client dead;
// it is removed immediately and never retried.
type Sink interface {
	Send(frame []byte) error
}

// Client is one connected display session.
type Client struct {
	ID        string
	DisplayID string
	// CalendarIDs is the subscription set. Empty means all calendars.
	CalendarIDs []string
	Sink        Sink

	ConnectedAt     time.Time
	LastHeartbeatAt time.Time

	calendars map[string]struct{}
}

func (c *Client) subscribedTo(calendarID string) bool {
	if len(c.calendars) == 0 {
		return true
	}
	_, ok := c.calendars[calendarID]
	return ok
}

// ClientStatus is the diagnostic view of one connected client.
type ClientStatus struct {
	ID              string    `json:"id"`
	DisplayID       string    `json:"display_id"`
	CalendarIDs     []string  `json:"calendar_ids"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Status is the registry snapshot served on the status endpoint.
type Status struct {
	ActiveClients    int            `json:"active_clients"`
	DistinctDisplays int            `json:"distinct_displays"`
	Clients          []ClientStatus `json:"clients"`
}

// Registry is the shared client table. All methods are safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	heartbeatInterval time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewRegistry creates an empty registry whose heartbeat loop ticks at
// heartbeatInterval.
func NewRegistry(heartbeatInterval time.Duration) *Registry {
	return &Registry{
		clients:           make(map[string]*Client),
		heartbeatInterval: heartbeatInterval,
		now:               time.Now,
	}
}

// Register adds a client. A client with the same id replaces the previous
// entry, so a reconnecting display never leaves a stale session behind.
func (r *Registry) Register(client *Client) {
	client.calendars = make(map[string]struct{}, len(client.CalendarIDs))
	for _, id := range client.CalendarIDs {
		client.calendars[id] = struct{}{}
	}
	now := r.now().UTC()
	if client.ConnectedAt.IsZero() {
		client.ConnectedAt = now
	}
	client.LastHeartbeatAt = now

	r.mu.Lock()
	r.clients[client.ID] = client
	total := len(r.clients)
	r.mu.Unlock()

	metrics.ConnectedClients.Set(float64(total))
	logging.Info().
		Str("client_id", client.ID).
		Str("display_id", client.DisplayID).
		Int("total_clients", total).
		Msg("display client connected")
}

// Unregister removes a client. Unregistering an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, known := r.clients[id]
	delete(r.clients, id)
	total := len(r.clients)
	r.mu.Unlock()

	if !known {
		return
	}
	metrics.ConnectedClients.Set(float64(total))
	logging.Info().Str("client_id", id).Int("total_clients", total).Msg("display client disconnected")
}

// ActiveCount returns the number of connected clients.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ClientsByCalendar returns the ids of clients subscribed to a calendar.
func (r *Registry) ClientsByCalendar(calendarID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, client := range r.clients {
		if client.subscribedTo(calendarID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ClientsByDisplay returns the ids of clients belonging to a display.
func (r *Registry) ClientsByDisplay(displayID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, client := range r.clients {
		if client.DisplayID == displayID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Status returns the diagnostic snapshot: totals plus per-client metadata.
func (r *Registry) Status() *Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := &Status{
		ActiveClients: len(r.clients),
		Clients:       make([]ClientStatus, 0, len(r.clients)),
	}
	displays := make(map[string]struct{})
	for _, client := range r.clients {
		displays[client.DisplayID] = struct{}{}
		status.Clients = append(status.Clients, ClientStatus{
			ID:              client.ID,
			DisplayID:       client.DisplayID,
			CalendarIDs:     client.CalendarIDs,
			ConnectedAt:     client.ConnectedAt,
			LastHeartbeatAt: client.LastHeartbeatAt,
		})
	}
	status.DistinctDisplays = len(displays)
	sort.Slice(status.Clients, func(i, j int) bool {
		return status.Clients[i].ID < status.Clients[j].ID
	})
	return status
}

type calendarUpdateFrame struct {
	Type       string                 `json:"type"`
	CalendarID string                 `json:"calendarId"`
	Events     []models.CalendarEvent `json:"events"`
}

type configUpdateFrame struct {
	Type   string                `json:"type"`
	Config *models.DisplayConfig `json:"config"`
}

type initFrame struct {
	Type   string                 `json:"type"`
	Events []models.CalendarEvent `json:"events"`
	Config *models.DisplayConfig  `json:"config,omitempty"`
}

type heartbeatFrame struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// InitFrame serializes the connect-time snapshot sent once per new client.
func InitFrame(events []models.CalendarEvent, config *models.DisplayConfig) ([]byte, error) {
	if events == nil {
		events = []models.CalendarEvent{}
	}
	return json.Marshal(initFrame{Type: FrameTypeInit, Events: events, Config: config})
}

// NotifyCalendarUpdate pushes the full current event list for a calendar to
// every subscribed client. It implements the sync layer's Notifier.
func (r *Registry) NotifyCalendarUpdate(calendarID string, events []models.CalendarEvent) {
	if events == nil {
		events = []models.CalendarEvent{}
	}
	frame, err := json.Marshal(calendarUpdateFrame{
		Type:       FrameTypeCalendarUpdate,
		CalendarID: calendarID,
		Events:     events,
	})
	if err != nil {
		logging.Error().Err(err).Str("calendar_id", calendarID).Msg("failed to encode calendar_update frame")
		return
	}
	sent := r.fanout(frame, func(c *Client) bool { return c.subscribedTo(calendarID) })
	metrics.FanoutMessagesTotal.WithLabelValues(FrameTypeCalendarUpdate).Add(float64(sent))
	logging.Debug().
		Str("calendar_id", calendarID).
		Int("events", len(events)).
		Int("clients", sent).
		Msg("calendar update pushed")
}

// NotifyDisplayConfigUpdate pushes a changed display configuration to that
// display's clients.
func (r *Registry) NotifyDisplayConfigUpdate(displayID string, config *models.DisplayConfig) {
	frame, err := json.Marshal(configUpdateFrame{Type: FrameTypeConfigUpdate, Config: config})
	if err != nil {
		logging.Error().Err(err).Str("display_id", displayID).Msg("failed to encode config_update frame")
		return
	}
	sent := r.fanout(frame, func(c *Client) bool { return c.DisplayID == displayID })
	metrics.FanoutMessagesTotal.WithLabelValues(FrameTypeConfigUpdate).Add(float64(sent))
	logging.Debug().Str("display_id", displayID).Int("clients", sent).Msg("config update pushed")
}

// Serve runs the heartbeat loop until ctx is cancelled. It satisfies
// suture.Service.
func (r *Registry) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	logging.Info().Dur("interval", r.heartbeatInterval).Msg("display heartbeat started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Int("clients", r.ActiveCount()).Msg("display heartbeat stopped")
			return ctx.Err()
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Registry) heartbeat() {
	frame, err := json.Marshal(heartbeatFrame{Type: FrameTypeHeartbeat, Time: r.now().UTC()})
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode heartbeat frame")
		return
	}
	sent := r.fanout(frame, func(*Client) bool { return true })
	metrics.FanoutMessagesTotal.WithLabelValues(FrameTypeHeartbeat).Add(float64(sent))
}

// fanout writes frame to every client matching the filter, in id order.
// Clients whose sink fails are removed; one broken client never blocks
// delivery to the rest. Returns the number of successful sends.
func (r *Registry) fanout(frame []byte, match func(*Client) bool) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if match(client) {
			targets = append(targets, client)
		}
	}
	r.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	var alive, dead []string
	for _, client := range targets {
		if err := client.Sink.Send(frame); err != nil {
			logging.Warn().Err(err).Str("client_id", client.ID).Msg("dropping dead display client")
			dead = append(dead, client.ID)
			continue
		}
		alive = append(alive, client.ID)
	}

	now := r.now().UTC()
	r.mu.Lock()
	for _, id := range alive {
		if client, ok := r.clients[id]; ok {
			client.LastHeartbeatAt = now
		}
	}
	for _, id := range dead {
		delete(r.clients, id)
	}
	total := len(r.clients)
	r.mu.Unlock()

	if len(dead) > 0 {
		metrics.DeadClientsRemoved.Add(float64(len(dead)))
		metrics.ConnectedClients.Set(float64(total))
	}
	return len(alive)
}
