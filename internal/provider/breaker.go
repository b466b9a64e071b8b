// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package provider

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/models"
)

// Ensure BreakerAdapter implements Adapter
var _ Adapter = (*BreakerAdapter)(nil)

// BreakerAdapter wraps an Adapter with a circuit breaker so a dead upstream
// stops consuming sync slots until it recovers.
//
// The breaker uses real time for its interval and timeout calculations.
type BreakerAdapter struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// NewBreakerAdapter wraps inner with a circuit breaker named after the
// provider kind. The circuit opens after a 60% failure rate over at least 10
// requests, and probes recovery after 2 minutes.
func NewBreakerAdapter(name string, inner Adapter) *BreakerAdapter {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			if failureRatio >= 0.6 {
				logging.Warn().Str("breaker", name).Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("opening provider circuit")
				return true
			}
			return false
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("provider circuit state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},

		// Auth failures are a credential problem, not upstream health; they
		// must not open the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) == KindAuth
		},
	})

	return &BreakerAdapter{inner: inner, cb: cb, name: name}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// execute runs one adapter call through the breaker and keeps the metrics
// up to date.
func (b *BreakerAdapter) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			return nil, &Error{Kind: KindNetwork, Op: b.name + ": circuit open", Err: err}
		}
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return result, nil
}

func (b *BreakerAdapter) TestConnection(ctx context.Context, creds *models.Credentials) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.inner.TestConnection(ctx, creds)
	})
	return err
}

func (b *BreakerAdapter) FetchEvents(ctx context.Context, creds *models.Credentials, start, end time.Time) ([]models.ExternalEvent, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.FetchEvents(ctx, creds, start, end)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.ExternalEvent), nil
}

func (b *BreakerAdapter) ListCalendars(ctx context.Context, creds *models.Credentials) ([]CalendarRef, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.ListCalendars(ctx, creds)
	})
	if err != nil {
		return nil, err
	}
	return result.([]CalendarRef), nil
}
