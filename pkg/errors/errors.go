// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the XMPP WebSocket proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrUpgradeRejected indicates a bad HTTP request or an unsupported WebSocket handshake.
	ErrUpgradeRejected = errors.New("upgrade rejected")

	// ErrConnectFailed indicates the upstream TCP connection could not be established.
	ErrConnectFailed = errors.New("upstream connect failed")

	// ErrHandshakeFailed indicates TLS or stream feature negotiation failed.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrMalformedPayload indicates a WebSocket text frame is not a single well-formed XML element.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrAbruptDisconnect indicates a transport closed without a preceding stream close.
	ErrAbruptDisconnect = errors.New("abrupt disconnect")

	// ErrInvalidState indicates an operation is not valid in the current session state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrUnauthorized indicates the session is not allowed to reach the requested domain.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProtocolViolation indicates a protocol-level error.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// SessionError wraps an error with session context.
type SessionError struct {
	Op         string // Operation that failed
	Transport  string // Transport (websocket, tcp)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Transport, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, transport, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		Transport:  transport,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Join wraps err so that it matches both kind and err with errors.Is.
func Join(kind error, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Kind returns a short label for the error kind, suitable for metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUpgradeRejected):
		return "upgrade_rejected"
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrAbruptDisconnect):
		return "abrupt_disconnect"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "other"
	}
}
