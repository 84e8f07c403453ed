package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Plain sentinel errors used inside the process.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrCASConflict   = errors.New("compare-and-set conflict")
)

// ErrorKind is the fixed taxonomy of errors that cross service boundaries.
// Kinds map to stable error codes in HTTP responses.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation_error"
	KindAuth               ErrorKind = "auth_error"
	KindCircuitTripped     ErrorKind = "circuit_breaker_tripped"
	KindRiskViolation      ErrorKind = "risk_violation"
	KindModelNotLoaded     ErrorKind = "model_not_loaded"
	KindReconcilerNotReady ErrorKind = "reconciler_not_ready"
	KindBrokerRetriable    ErrorKind = "broker_error_retriable"
	KindBrokerPermanent    ErrorKind = "broker_error_permanent"
	KindStorage            ErrorKind = "storage_error"
	KindRateLimited        ErrorKind = "rate_limited"
)

// RiskViolation reason codes.
const (
	RiskReasonBlacklist     = "blacklist"
	RiskReasonPerSymbolCap  = "per_symbol_cap"
	RiskReasonTotalNotional = "total_notional"
	RiskReasonDailyLoss     = "daily_loss"
)

// Error is a typed error carrying a stable kind and an optional machine
// reason. It wraps an underlying cause when one exists.
type Error struct {
	Kind    ErrorKind
	Reason  string // e.g. a risk violation reason code
	Message string
	Err     error
}

// E constructs a typed error.
func E(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef constructs a typed error with a formatted message.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed error.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// RiskError builds a risk_violation error with the given reason code.
func RiskError(reason, msg string) *Error {
	return &Error{Kind: KindRiskViolation, Reason: reason, Message: msg}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Reason != "" {
		s += "(" + e.Reason + ")"
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on kind: errors.Is(err, &Error{Kind: k}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// KindOf extracts the error kind, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error kind to the HTTP status code used at service
// boundaries.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusForbidden
	case KindCircuitTripped, KindRiskViolation:
		return http.StatusConflict
	case KindModelNotLoaded, KindReconcilerNotReady:
		return http.StatusServiceUnavailable
	case KindBrokerRetriable:
		return http.StatusGatewayTimeout
	case KindBrokerPermanent:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStorage:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Retriable reports whether the error is worth retrying with backoff.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindBrokerRetriable, KindStorage:
		return true
	}
	return false
}
