// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomcast/roomcast/internal/database"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/registry"
)

// flusherSink writes SSE data frames through an http.Flusher. Writes are
// serialized because the heartbeat loop and sync notifications arrive from
// different goroutines.
type flusherSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *flusherSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(frame)
}

// sendLocked writes one frame. Callers hold s.mu.
func (s *flusherSink) sendLocked(frame []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Stream is the SSE endpoint displays connect to. The client receives an
// init frame with the current snapshot, then calendar_update, config_update,
// and heartbeat frames until it disconnects.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	displayID := r.URL.Query().Get("displayId")
	if displayID == "" {
		NewResponseWriter(w, r).BadRequest("displayId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		NewResponseWriter(w, r).InternalError("streaming unsupported")
		return
	}

	displayCfg, err := h.db.GetDisplayConfig(r.Context(), displayID)
	if err != nil && !errors.Is(err, database.ErrDisplayNotFound) {
		NewResponseWriter(w, r).DatabaseError(err)
		return
	}

	// Explicit ?calendars= beats the stored display config; neither means
	// all calendars.
	var calendarIDs []string
	if raw := r.URL.Query().Get("calendars"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				calendarIDs = append(calendarIDs, id)
			}
		}
	} else if displayCfg != nil {
		calendarIDs = displayCfg.CalendarIDs
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &flusherSink{w: w, flusher: flusher}
	client := &registry.Client{
		ID:          uuid.New().String(),
		DisplayID:   displayID,
		CalendarIDs: calendarIDs,
		Sink:        sink,
	}

	// Register before reading the snapshot so a change committed after the
	// read still fans out to this client. Holding the sink lock until the
	// init frame is written keeps it ahead of any concurrent update frame.
	sink.mu.Lock()
	h.registry.Register(client)

	now := time.Now().UTC()
	start := now.AddDate(0, 0, -h.syncCfg.DefaultCachePastDays)
	end := now.AddDate(0, 0, h.syncCfg.DefaultCacheFutureDays)
	events, err := h.db.GetEventsInRange(r.Context(), calendarIDs, start, end)
	if err != nil {
		sink.mu.Unlock()
		h.registry.Unregister(client.ID)
		logging.Error().Err(err).Str("display_id", displayID).Msg("failed to read init snapshot")
		return
	}
	initFrame, err := registry.InitFrame(events, displayCfg)
	if err != nil {
		sink.mu.Unlock()
		h.registry.Unregister(client.ID)
		logging.Error().Err(err).Str("display_id", displayID).Msg("failed to encode init frame")
		return
	}
	if err := sink.sendLocked(initFrame); err != nil {
		sink.mu.Unlock()
		h.registry.Unregister(client.ID)
		logging.Warn().Err(err).Str("display_id", displayID).Msg("client gone before init frame")
		return
	}
	sink.mu.Unlock()
	defer h.registry.Unregister(client.ID)

	<-r.Context().Done()
}
