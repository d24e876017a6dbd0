// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/errors"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/upstream"
)

// FrameKind is the type of a WebSocket frame.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one inbound WebSocket frame. Code is set for close frames.
type Frame struct {
	Kind    FrameKind
	Payload []byte
	Code    int
}

// WebSocket close codes used by the gateway.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseNoStatus        = 1005
	CloseInvalidPayload  = 1007
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

var (
	// ErrStreamClosed ends a session after the client closed the stream.
	ErrStreamClosed = errors.New("client closed the stream")

	// ErrClientGone marks a WebSocket client that disappeared without
	// closing the stream. Nothing more is written to it.
	ErrClientGone = fmt.Errorf("websocket client gone: %w", perrors.ErrAbruptDisconnect)

	// ErrShutdown ends a session because the gateway is stopping.
	ErrShutdown = errors.New("gateway shutting down")
)

// Downstream writes frames to the WebSocket client.
type Downstream interface {
	SendText(text string) error
	Pong(payload []byte) error
	CloseWith(code int, reason string) error
}

// Transport is the WebSocket side of a session.
type Transport interface {
	Downstream

	// ReadLoop passes inbound frames to fn until fn or the read fails.
	ReadLoop(ctx context.Context, fn func(context.Context, Frame) error) error

	// Run writes outbound frames until the transport is closed.
	Run(ctx context.Context) error
}

// Upstream is the TCP side of a session.
type Upstream interface {
	State() upstream.State
	Connect(ctx context.Context, domain, lang string) error
	ResetStream(ctx context.Context) error
	Send(payload []byte) error
	Disconnect() error
	Done() <-chan struct{}
	Err() error
}

var _ Upstream = (*upstream.Conn)(nil)
