// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/metrics"
)

// NewRouter assembles the HTTP surface: operator API, display stream, and
// the Prometheus endpoint.
func NewRouter(handler *Handler, cfg *config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))
	r.Use(requestMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))

		r.Get("/health", handler.Health)
		r.Get("/status", handler.Status)

		r.Route("/calendars", func(r chi.Router) {
			r.Get("/", handler.ListCalendars)
			r.Post("/", handler.CreateCalendar)
			r.Get("/{id}", handler.GetCalendar)
			r.Delete("/{id}", handler.DeleteCalendar)
			r.Get("/{id}/events", handler.CalendarEvents)
			r.Post("/{id}/sync", handler.TriggerSync)
		})

		r.Route("/displays", func(r chi.Router) {
			r.Get("/{id}", handler.GetDisplay)
			r.Put("/{id}", handler.UpsertDisplay)
			r.Delete("/{id}", handler.DeleteDisplay)
		})

		// The stream stays outside the request timeout; it is long-lived.
		r.Get("/stream", handler.Stream)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// requestMetrics records request counts and latency per route pattern, so
// path parameters do not explode label cardinality.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, route, ww.Status(), time.Since(started))
	})
}
