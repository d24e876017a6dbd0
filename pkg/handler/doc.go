// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hook interface that links gateway sessions to
// application logic.
//
// # Data Flow
//
//	WebSocket client → Router → Handler (AuthConnect) → Upstream connect → XMPP server
//	XMPP server → Forwarder → Handler (OnForward) → WebSocket client
//
// # Handler Methods
//
// AuthConnect is called before the gateway dials the domain named in the
// client's open element. Returning an error rejects the session with a
// policy-violation stream error.
//
// Notification methods are called after the event happened:
//   - OnConnect: upstream stream negotiated
//   - OnStreamReset: client restarted the stream
//   - OnForward: one element crossed the gateway
//   - OnDisconnect: session ended (always called once)
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: unique identifier for this session
//   - RemoteAddr: client's network address
//   - Protocol: WebSocket subprotocol
//   - Domain, Lang: target domain and language from the client's open
//   - Cert: client certificate for mTLS connections
//
// # Example
//
//	type DomainHandler struct {
//		handler.NoopHandler
//		allowed map[string]bool
//	}
//
//	func (h *DomainHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		if !h.allowed[hctx.Domain] {
//			return errors.ErrUnauthorized
//		}
//		return nil
//	}
package handler
