// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a provider failure so the sync scheduler can decide
// how to back off.
type ErrorKind string

const (
	// KindAuth marks credential rejections (401/403). Still retried with
	// backoff: re-authentication may recover without operator action.
	KindAuth ErrorKind = "auth"
	// KindNetwork marks transport failures and server-side errors.
	KindNetwork ErrorKind = "network"
	// KindRateLimit marks 429 responses; RetryAfter carries the server's
	// requested delay.
	KindRateLimit ErrorKind = "rate_limit"
	// KindUnknown marks everything else.
	KindUnknown ErrorKind = "unknown"
)

// defaultRetryAfter applies when a 429 response carries no usable
// Retry-After header.
const defaultRetryAfter = 5 * time.Minute

// Error is the classified failure type returned by every adapter operation.
type Error struct {
	Kind ErrorKind
	// Op names the failing operation, e.g. "exchange: fetch events".
	Op string
	// RetryAfter is non-zero only for KindRateLimit.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain, returning
// KindUnknown for errors that did not originate in an adapter.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// RetryAfterOf extracts the rate-limit delay from an error chain, zero when
// none applies.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// classifyStatus converts a non-2xx HTTP response into a classified error.
func classifyStatus(op string, status int, header http.Header) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimit,
			Op:         op,
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
			Err:        fmt.Errorf("status %d", status),
		}
	case status >= 500:
		return &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("status %d", status)}
	default:
		return &Error{Kind: KindUnknown, Op: op, Err: fmt.Errorf("status %d", status)}
	}
}

// transportError classifies a failure that happened before any response
// arrived: DNS, connect, TLS, timeouts.
func transportError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// parseRetryAfter handles both Retry-After forms: delta-seconds and an HTTP
// date. Unparseable or absent values fall back to defaultRetryAfter.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return defaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
