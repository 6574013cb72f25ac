package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindHTTP        Kind = "http"
	KindParse       Kind = "parse"
	KindCircuitOpen Kind = "circuit_open"
	KindDisabled    Kind = "disabled"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrTimeout     = errors.New("provider timeout")
	ErrRateLimited = errors.New("provider rate limited")
	ErrHTTP        = errors.New("provider http error")
	ErrParse       = errors.New("provider parse error")
	ErrCircuitOpen = errors.New("provider circuit open")
	ErrDisabled    = errors.New("provider disabled")
)

var kindSentinels = map[Kind]error{
	KindTimeout:     ErrTimeout,
	KindRateLimited: ErrRateLimited,
	KindHTTP:        ErrHTTP,
	KindParse:       ErrParse,
	KindCircuitOpen: ErrCircuitOpen,
	KindDisabled:    ErrDisabled,
}

// Error is the typed failure every provider call surfaces.
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil && e.Detail == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind Kind, providerID string, err error) *Error {
	return &Error{Kind: kind, Provider: providerID, Err: err}
}

func parseError(providerID, format string, args ...any) *Error {
	return &Error{Kind: KindParse, Provider: providerID, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind, defaulting to KindHTTP for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindHTTP
}

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusConflict:            true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryable reports whether another attempt against the same endpoint
// could succeed: timeouts, transport errors, retryable statuses and
// malformed bodies.
func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return true
	}
	switch pe.Kind {
	case KindTimeout, KindParse:
		return true
	case KindHTTP:
		return pe.Status == 0 || retryableStatus[pe.Status]
	default:
		return false
	}
}

// CountsAsFailure reports whether err reflects provider unhealthiness.
// Self-throttling, open circuits and disabled providers do not.
func CountsAsFailure(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindCircuitOpen, KindDisabled:
		return false
	default:
		return true
	}
}

// Summarize trims an error message for health tables and warnings.
func Summarize(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 180 {
		msg = msg[:180]
	}
	return msg
}

var errMissingColumns = errors.New("expected columns not found")
