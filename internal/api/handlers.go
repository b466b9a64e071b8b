// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/database"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/models"
	"github.com/roomcast/roomcast/internal/registry"
	"github.com/roomcast/roomcast/internal/secrets"
)

// Syncer schedules an immediate sync for one calendar.
type Syncer interface {
	TriggerSync(calendarID string)
}

// Handler holds the dependencies of all HTTP handlers.
type Handler struct {
	db       *database.DB
	registry *registry.Registry
	codec    *secrets.Codec
	syncer   Syncer
	syncCfg  config.SyncConfig

	startTime time.Time
}

// NewHandler creates the handler set. syncer may be nil when no scheduler is
// running (tests); trigger requests are then accepted without effect.
func NewHandler(db *database.DB, reg *registry.Registry, codec *secrets.Codec, syncer Syncer, syncCfg config.SyncConfig) *Handler {
	return &Handler{
		db:        db,
		registry:  reg,
		codec:     codec,
		syncer:    syncer,
		syncCfg:   syncCfg,
		startTime: time.Now(),
	}
}

// Health reports liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if err := h.db.Ping(r.Context()); err != nil {
		logging.Error().Err(err).Msg("health check store ping failed")
		rw.ServiceUnavailable("store unreachable")
		return
	}
	rw.Success(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// ListCalendars returns every configured calendar with its sync health and
// cached event count. Credentials never appear in the response.
func (h *Handler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	calendars, err := h.db.ListCalendars(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	counts, err := h.db.CountEvents(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	out := make([]models.CalendarStatus, 0, len(calendars))
	for i := range calendars {
		out = append(out, calendarStatus(&calendars[i], counts[calendars[i].ID]))
	}
	rw.Success(out)
}

// GetCalendar returns one calendar's status view.
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	cal, err := h.db.GetCalendar(r.Context(), id)
	if errors.Is(err, database.ErrCalendarNotFound) {
		rw.NotFound("calendar not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	counts, err := h.db.CountEvents(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(calendarStatus(cal, counts[cal.ID]))
}

type createCalendarRequest struct {
	Name                string              `json:"name"`
	Provider            models.ProviderKind `json:"provider"`
	Color               string              `json:"color"`
	SyncIntervalSeconds int                 `json:"sync_interval_seconds"`
	CachePastDays       int                 `json:"cache_past_days"`
	CacheFutureDays     int                 `json:"cache_future_days"`
	Credentials         models.Credentials  `json:"credentials"`
}

// CreateCalendar registers a new calendar source. Credentials are validated,
// encrypted, and the first sync is scheduled immediately.
func (h *Handler) CreateCalendar(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req createCalendarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	if req.Name == "" {
		rw.ValidationError("name is required")
		return
	}
	if req.Credentials.Kind == "" {
		req.Credentials.Kind = req.Provider
	}
	if req.Credentials.Kind != req.Provider {
		rw.ValidationError("credentials kind does not match provider")
		return
	}
	if err := req.Credentials.Validate(); err != nil {
		rw.ValidationError(err.Error())
		return
	}

	if req.SyncIntervalSeconds == 0 {
		req.SyncIntervalSeconds = h.syncCfg.DefaultIntervalSeconds
	}
	if req.SyncIntervalSeconds < models.MinSyncIntervalSeconds || req.SyncIntervalSeconds > models.MaxSyncIntervalSeconds {
		rw.ValidationError("sync_interval_seconds out of range")
		return
	}
	if req.CachePastDays == 0 {
		req.CachePastDays = h.syncCfg.DefaultCachePastDays
	}
	if req.CacheFutureDays == 0 {
		req.CacheFutureDays = h.syncCfg.DefaultCacheFutureDays
	}

	blob, err := h.codec.Encrypt(&req.Credentials)
	if err != nil {
		logging.Error().Err(err).Msg("failed to encrypt credentials")
		rw.InternalError("failed to encrypt credentials")
		return
	}

	cal := &models.Calendar{
		Name:                req.Name,
		Provider:            req.Provider,
		CredentialBlob:      blob,
		Color:               req.Color,
		SyncIntervalSeconds: req.SyncIntervalSeconds,
		CachePastDays:       req.CachePastDays,
		CacheFutureDays:     req.CacheFutureDays,
	}
	if cal.Color == "" {
		cal.Color = "#3b82f6"
	}
	if err := h.db.CreateCalendar(r.Context(), cal); err != nil {
		rw.DatabaseError(err)
		return
	}

	if h.syncer != nil {
		h.syncer.TriggerSync(cal.ID)
	}
	logging.Info().Str("calendar_id", cal.ID).Str("provider", string(cal.Provider)).Msg("calendar created")
	rw.Created(calendarStatus(cal, 0))
}

// DeleteCalendar removes a calendar and its cached events.
func (h *Handler) DeleteCalendar(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	err := h.db.DeleteCalendar(r.Context(), id)
	if errors.Is(err, database.ErrCalendarNotFound) {
		rw.NotFound("calendar not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	logging.Info().Str("calendar_id", id).Msg("calendar deleted")
	rw.NoContent()
}

// CalendarEvents reads cached events for one calendar within a time range.
// start and end are RFC 3339; omitted bounds default to the calendar's cache
// window.
func (h *Handler) CalendarEvents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	cal, err := h.db.GetCalendar(r.Context(), id)
	if errors.Is(err, database.ErrCalendarNotFound) {
		rw.NotFound("calendar not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	start, end := cal.CacheWindow(time.Now().UTC())
	if raw := r.URL.Query().Get("start"); raw != "" {
		start, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			rw.BadRequest("start must be RFC 3339")
			return
		}
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			rw.BadRequest("end must be RFC 3339")
			return
		}
	}
	if end.Before(start) {
		rw.BadRequest("end must not precede start")
		return
	}

	events, err := h.db.GetEventsInRange(r.Context(), []string{id}, start, end)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if events == nil {
		events = []models.CalendarEvent{}
	}
	rw.Success(events)
}

// TriggerSync marks a calendar due for immediate sync. The sync itself runs
// asynchronously; the response only acknowledges scheduling.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	if _, err := h.db.GetCalendar(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrCalendarNotFound) {
			rw.NotFound("calendar not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	if h.syncer != nil {
		h.syncer.TriggerSync(id)
	}
	rw.Accepted(map[string]string{"calendar_id": id, "status": "scheduled"})
}

// Status returns the connected-client snapshot for diagnostics.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.registry.Status())
}

// GetDisplay returns one display's configuration.
func (h *Handler) GetDisplay(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	cfg, err := h.db.GetDisplayConfig(r.Context(), id)
	if errors.Is(err, database.ErrDisplayNotFound) {
		rw.NotFound("display config not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(cfg)
}

// UpsertDisplay creates or replaces a display configuration and pushes a
// config_update frame to that display's connected clients.
func (h *Handler) UpsertDisplay(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	var cfg models.DisplayConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	cfg.DisplayID = id
	if cfg.Name == "" {
		rw.ValidationError("name is required")
		return
	}

	if err := h.db.UpsertDisplayConfig(r.Context(), &cfg); err != nil {
		rw.DatabaseError(err)
		return
	}
	h.registry.NotifyDisplayConfigUpdate(id, &cfg)
	logging.Info().Str("display_id", id).Msg("display config updated")
	rw.Success(&cfg)
}

// DeleteDisplay removes a display configuration.
func (h *Handler) DeleteDisplay(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	err := h.db.DeleteDisplayConfig(r.Context(), id)
	if errors.Is(err, database.ErrDisplayNotFound) {
		rw.NotFound("display config not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.NoContent()
}

func calendarStatus(cal *models.Calendar, eventCount int) models.CalendarStatus {
	return models.CalendarStatus{
		ID:                cal.ID,
		Name:              cal.Name,
		Provider:          cal.Provider,
		Color:             cal.Color,
		SyncStatus:        cal.SyncStatus,
		LastSyncAt:        cal.LastSyncAt,
		LastError:         cal.LastError,
		ConsecutiveErrors: cal.ConsecutiveErrors,
		NextSyncAt:        cal.NextSyncAt,
		EventCount:        eventCount,
	}
}
