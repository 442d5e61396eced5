package session

import (
	"errors"
	"fmt"
)

// Code classifies why an attempt failed.
type Code string

const (
	CodeSessionNotFound     Code = "session_not_found"
	CodeNegotiationTimeout  Code = "negotiation_timeout"
	CodeNegotiationFailed   Code = "negotiation_failed"
	CodePermissionDenied    Code = "permission_denied"
	CodeChannelUnavailable  Code = "channel_unavailable"
	CodeRegistryUnavailable Code = "registry_unavailable"
)

// Error is a classified session failure. Two errors match under errors.Is
// when their codes are equal, so callers can test against the sentinels
// below regardless of reason or cause.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %v", e.Reason, e.Err)
	}
	return "session: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrSessionNotFound     = &Error{Code: CodeSessionNotFound, Reason: "session not found"}
	ErrNegotiationTimeout  = &Error{Code: CodeNegotiationTimeout, Reason: "timed out waiting for the peer connection"}
	ErrNegotiationFailed   = &Error{Code: CodeNegotiationFailed, Reason: "peer connection failed"}
	ErrPermissionDenied    = &Error{Code: CodePermissionDenied, Reason: "permission denied"}
	ErrChannelUnavailable  = &Error{Code: CodeChannelUnavailable, Reason: "signaling channel unavailable"}
	ErrRegistryUnavailable = &Error{Code: CodeRegistryUnavailable, Reason: "session registry unavailable"}
)

var (
	ErrInvalidState = errors.New("session: operation not valid in current state")
	ErrNotConnected = errors.New("session: not connected")
	ErrEnded        = errors.New("session: session ended")
	ErrClosed       = errors.New("session: coordinator closed")
)

func newError(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
