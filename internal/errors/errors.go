// Package errors defines the error taxonomy shared by the bridge components.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrSessionClosed indicates the session stopped accepting work.
	ErrSessionClosed = errors.New("session closed")

	// ErrBackpressure indicates the session inbound queue is full.
	ErrBackpressure = errors.New("session backpressure")

	// ErrTransportClosed indicates the child process transport was disposed.
	ErrTransportClosed = errors.New("transport closed")
)

// Framing failure reasons.
const (
	ReasonMalformedHeader = "malformed header line"
	ReasonUnexpectedEOF   = "unexpected end of stream"
	ReasonContentLength   = "missing or invalid content-length"
	ReasonInvalidJSON     = "invalid json payload"
	ReasonHeaderTooLarge  = "header too large"
)

// ProtocolError reports malformed framing, headers or JSON, from either the
// child process or a submission body.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError builds a ProtocolError with an optional cause.
func NewProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

// IOError reports a pipe or stream failure.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// SessionNotFoundError reports a submission for an unknown session id.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %q", e.ID)
}

// NotFoundError reports an operation on an unregistered name.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %q", e.Kind, e.Name)
}

// IsProtocol reports whether err is or wraps a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsSessionNotFound reports whether err is or wraps a SessionNotFoundError.
func IsSessionNotFound(err error) bool {
	var se *SessionNotFoundError
	return errors.As(err, &se)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
