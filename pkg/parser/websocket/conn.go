// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/mailbox"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/metrics"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/session"
)

const (
	// DefaultMaxMessageSize is the largest frame accepted from a client.
	DefaultMaxMessageSize = 5 << 20

	defaultWriteTimeout = 10 * time.Second
	defaultQueueSize    = 64
)

// ConnConfig holds configuration for a client connection.
type ConnConfig struct {
	WriteTimeout   time.Duration
	MaxMessageSize int64
	QueueSize      int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

type outbound struct {
	kind int
	data []byte
}

// Conn is the WebSocket side of a gateway session. Outbound frames are
// written by Run in the order they were queued.
type Conn struct {
	ws      *websocket.Conn
	box     *mailbox.Mailbox[outbound]
	cfg     ConnConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// hookErr is the error returned by fn from a control frame callback.
	// Only the read goroutine touches it.
	hookErr error
}

var _ session.Transport = (*Conn)(nil)

// NewConn wraps an upgraded connection.
func NewConn(ws *websocket.Conn, cfg ConnConfig) *Conn {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Conn{
		ws:      ws,
		box:     mailbox.New[outbound](cfg.QueueSize),
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// SendText queues a text frame.
func (c *Conn) SendText(text string) error {
	return c.box.Post(outbound{kind: websocket.TextMessage, data: []byte(text)})
}

// Pong queues a pong answering a ping with payload.
func (c *Conn) Pong(payload []byte) error {
	return c.box.Post(outbound{kind: websocket.PongMessage, data: payload})
}

// CloseWith queues the close frame as the last frame of the connection.
// Only the first call has an effect.
func (c *Conn) CloseWith(code int, reason string) error {
	return c.box.CloseWith(outbound{
		kind: websocket.CloseMessage,
		data: websocket.FormatCloseMessage(code, reason),
	})
}

// Run writes queued frames until the close frame was written or ctx is
// cancelled. The underlying connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	defer c.ws.Close()
	return c.box.Run(ctx, c.write)
}

// ReadLoop reads frames and passes them to fn until fn returns an error or
// the connection fails. Control frames are delivered through fn as well. A
// read failure is reported as session.ErrClientGone.
func (c *Conn) ReadLoop(ctx context.Context, fn func(context.Context, session.Frame) error) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetPingHandler(func(data string) error {
		c.count("ping", parser.Upstream)
		c.hookErr = fn(ctx, session.Frame{Kind: session.FramePing, Payload: []byte(data)})
		return c.hookErr
	})
	c.ws.SetPongHandler(func(string) error {
		c.count("pong", parser.Upstream)
		return nil
	})
	c.ws.SetCloseHandler(func(code int, _ string) error {
		c.count("close", parser.Upstream)
		c.hookErr = fn(ctx, session.Frame{Kind: session.FrameClose, Code: code})
		return c.hookErr
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.hookErr != nil {
				return c.hookErr
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return fmt.Errorf("%w: %w", session.ErrClientGone, err)
		}

		frame := session.Frame{Kind: session.FrameText, Payload: data}
		if kind == websocket.BinaryMessage {
			frame.Kind = session.FrameBinary
		}
		c.count(frame.Kind.String(), parser.Upstream)

		if err := fn(ctx, frame); err != nil {
			return err
		}
	}
}

func (c *Conn) write(o outbound) error {
	deadline := time.Now().Add(c.cfg.WriteTimeout)

	switch o.kind {
	case websocket.TextMessage:
		c.logger.Debug("SEND", slog.String("data", string(o.data)))
		if err := c.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := c.ws.WriteMessage(o.kind, o.data); err != nil {
			return err
		}
		c.count("text", parser.Downstream)
	case websocket.PongMessage:
		if err := c.ws.WriteControl(o.kind, o.data, deadline); err != nil {
			return err
		}
		c.count("pong", parser.Downstream)
	case websocket.CloseMessage:
		err := c.ws.WriteControl(o.kind, o.data, deadline)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		c.count("close", parser.Downstream)
	}

	return nil
}

func (c *Conn) count(frame string, dir parser.Direction) {
	if c.metrics != nil {
		c.metrics.WebSocketFrames.WithLabelValues(frame, dir.String()).Inc()
	}
}
