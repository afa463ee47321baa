package models

import "errors"

// ErrorKind classifies domain errors so callers can map them to a response.
type ErrorKind string

const (
	KindPlanRestriction      ErrorKind = "plan_restriction"
	KindChannelNotConfigured ErrorKind = "channel_not_configured"
	KindUnsupportedChannel   ErrorKind = "unsupported_channel"
	KindProviderCallFailed   ErrorKind = "provider_call_failed"
	KindNotFound             ErrorKind = "not_found"
	KindConflict             ErrorKind = "conflict"
	KindInvalidTransition    ErrorKind = "invalid_transition"
	KindValidation           ErrorKind = "validation"
)

// Error is a domain error carrying a kind and a message fit for the dashboard.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds a domain error of the given kind.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrPlanRestriction) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrPlanRestriction      = &Error{Kind: KindPlanRestriction}
	ErrChannelNotConfigured = &Error{Kind: KindChannelNotConfigured}
	ErrUnsupportedChannel   = &Error{Kind: KindUnsupportedChannel}
	ErrProviderCallFailed   = &Error{Kind: KindProviderCallFailed}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrConflict             = &Error{Kind: KindConflict}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrValidation           = &Error{Kind: KindValidation}
)

// KindOf returns the kind of the first domain error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
