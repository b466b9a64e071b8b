// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package metrics registers the Prometheus collectors for sync health,
// provider calls, display connections, and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics.
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_runs_total",
			Help: "Total sync runs per calendar provider and outcome",
		},
		[]string{"provider", "outcome"}, // outcome: "success", "auth", "network", "rate_limit", "unknown", "skipped"
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calendar_sync_duration_seconds",
			Help:    "Duration of full sync runs in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	SyncConsecutiveErrors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calendar_sync_consecutive_errors",
			Help: "Consecutive failed sync runs per calendar",
		},
		[]string{"calendar_id"},
	)

	CachedEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calendar_cached_events",
			Help: "Number of events currently cached per calendar",
		},
		[]string{"calendar_id"},
	)

	EventChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_event_changes_total",
			Help: "Event cache mutations applied by sync runs",
		},
		[]string{"change"}, // "create", "update", "delete"
	)

	// Provider call metrics.
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Duration of upstream provider HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	FeedCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ics_feed_cache_hits_total",
			Help: "ICS fetches answered 304 Not Modified from the feed cache",
		},
	)

	FeedCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ics_feed_cache_misses_total",
			Help: "ICS fetches that transferred a full feed body",
		},
	)

	// Circuit breaker metrics.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Requests seen by each circuit breaker, by result",
		},
		[]string{"breaker", "result"}, // "success", "failure", "rejected"
	)

	// Display connection metrics.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "display_connected_clients",
			Help: "Currently connected display stream clients",
		},
	)

	FanoutMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "display_fanout_messages_total",
			Help: "Messages pushed to display clients by frame type",
		},
		[]string{"type"}, // "init", "calendar_update", "config_update", "heartbeat"
	)

	DeadClientsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "display_dead_clients_removed_total",
			Help: "Display clients dropped after a failed write",
		},
	)

	// API metrics.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Database metrics.
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)
)

// RecordAPIRequest records one completed HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDBQuery records one database query, failed or not.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}
