// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser"
)

// Context contains session metadata collected while a gateway session runs.
// It is passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// RemoteAddr is the WebSocket client's network address
	RemoteAddr string

	// Protocol is the negotiated WebSocket subprotocol (always "xmpp")
	Protocol string

	// Domain is the target XMPP domain taken from the client's open element
	Domain string

	// Lang is the xml:lang the client requested, if any
	Lang string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate
}

// Handler defines authorization and notification callbacks for session events.
//
// AuthConnect is called before the upstream connection is attempted and can
// reject the session by returning an error.
//
// Notification methods (On*) are called after the corresponding event. Errors
// from them are logged but do not stop the session.
type Handler interface {
	// AuthConnect authorizes a client's request to open a stream to hctx.Domain.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called once the upstream stream is negotiated and stanza
	// forwarding is attached.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnStreamReset is called after the client restarted the stream.
	OnStreamReset(ctx context.Context, hctx *Context) error

	// OnForward is called for every element forwarded between the transports.
	// The payload is the raw text sent on the destination transport and must
	// not be retained.
	OnForward(ctx context.Context, hctx *Context, dir parser.Direction, payload []byte) error

	// OnDisconnect is called exactly once when the session ends.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a no-op implementation of Handler that allows all operations.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

// AuthConnect allows all connections.
func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

// OnConnect does nothing.
func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

// OnStreamReset does nothing.
func (h *NoopHandler) OnStreamReset(ctx context.Context, hctx *Context) error {
	return nil
}

// OnForward does nothing.
func (h *NoopHandler) OnForward(ctx context.Context, hctx *Context, dir parser.Direction, payload []byte) error {
	return nil
}

// OnDisconnect does nothing.
func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
