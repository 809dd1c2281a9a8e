package grid

import (
	"errors"
	"fmt"
)

// Reason is the stable, machine-readable cause of a session creation failure.
type Reason string

const (
	ReasonNoMatchAvailable        Reason = "no-match-available"
	ReasonReservationRaced        Reason = "reservation-raced"
	ReasonDelegationFailed        Reason = "delegation-failed"
	ReasonUnsupportedCapabilities Reason = "unsupported-capabilities"
	ReasonRequestTimedOut         Reason = "request-timed-out"
	ReasonMalformedRequest        Reason = "malformed-request"
	ReasonQueueCleared            Reason = "queue-cleared"
	ReasonRequestRemoved          Reason = "request-removed"
	ReasonQueueClosed             Reason = "queue-closed"
)

var (
	ErrNoMatchAvailable        = &Error{Reason: ReasonNoMatchAvailable}
	ErrReservationRaced        = &Error{Reason: ReasonReservationRaced}
	ErrDelegationFailed        = &Error{Reason: ReasonDelegationFailed}
	ErrUnsupportedCapabilities = &Error{Reason: ReasonUnsupportedCapabilities}
	ErrRequestTimedOut         = &Error{Reason: ReasonRequestTimedOut}
	ErrMalformedRequest        = &Error{Reason: ReasonMalformedRequest}
	ErrQueueCleared            = &Error{Reason: ReasonQueueCleared}
	ErrRequestRemoved          = &Error{Reason: ReasonRequestRemoved}
	ErrQueueClosed             = &Error{Reason: ReasonQueueClosed}
)

// Error is a session-not-created failure. Two errors are equal under errors.Is when
// their reasons match.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

func NewError(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches cause to a new Error of the given reason.
func WrapError(reason Reason, cause error, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return "session not created"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return "session not created: " + string(e.Reason)
	}
	return fmt.Sprintf("session not created (%s): %s", e.Reason, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Reason == t.Reason
}

// ReasonOf extracts the failure reason, or "" when err is not an *Error.
func ReasonOf(err error) Reason {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return ""
}

// IsRetryable reports whether err is transient and the request should stay queued.
func IsRetryable(err error) bool {
	switch ReasonOf(err) {
	case ReasonNoMatchAvailable, ReasonReservationRaced, ReasonDelegationFailed:
		return true
	default:
		return false
	}
}
