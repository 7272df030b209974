package gqlws

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredentials = errors.New("stream credentials or URL missing")
	ErrNotAcknowledged    = errors.New("connection not acknowledged by server")
	ErrIdleTimeout        = errors.New("stream idle timeout")
)

// CloseReason classifies why a session reached the Closed state.
type CloseReason int

const (
	ReasonConfigMissing CloseReason = iota + 1
	ReasonConnectFailure
	ReasonHandshakeRejected
	ReasonStreamEnded
	ReasonCanceled
)

func (r CloseReason) String() string {
	switch r {
	case ReasonConfigMissing:
		return "config_missing"
	case ReasonConnectFailure:
		return "connect_failure"
	case ReasonHandshakeRejected:
		return "handshake_rejected"
	case ReasonStreamEnded:
		return "stream_ended"
	case ReasonCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// SessionError is the result of every RunSession call.
type SessionError struct {
	Reason CloseReason
	Err    error
}

func (e *SessionError) Error() string {
	if e == nil {
		return "session closed"
	}
	if e.Err == nil {
		return fmt.Sprintf("session closed (%s)", e.Reason)
	}
	return fmt.Sprintf("session closed (%s): %v", e.Reason, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the close reason from an error returned by RunSession.
func ReasonOf(err error) (CloseReason, bool) {
	var sessionErr *SessionError
	if !errors.As(err, &sessionErr) {
		return 0, false
	}
	return sessionErr.Reason, true
}

// MalformedFrameError reports bytes that are not a structurally valid frame.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// MissingFieldError reports a next frame whose payload lacks the detection
// record.
type MissingFieldError struct {
	Path string
}

func (e *MissingFieldError) Error() string {
	return "missing field " + e.Path
}

// HTTPStatusError is returned by Dial when the server refuses the WebSocket
// upgrade with an HTTP response.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "websocket upgrade failed"
	}
	if e.Status != "" {
		return "websocket upgrade failed: " + e.Status
	}
	return fmt.Sprintf("websocket upgrade failed: http status %d", e.StatusCode)
}

func IsUnauthorized(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == 401 || statusErr.StatusCode == 403
}
