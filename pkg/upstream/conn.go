// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream manages the TCP side of a gateway session: connecting to
// the XMPP server, negotiating TLS and stream features, and relaying server
// elements to the WebSocket client.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/chain"
	perrors "github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/errors"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/mailbox"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/metrics"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/xmpp"
)

const guardName = "negotiation-guard"

// ErrRemoteStreamError marks failures caused by a stream error the server
// sent. The stream error itself has already been relayed to the client.
var ErrRemoteStreamError = errors.New("remote stream error")

// Config holds upstream connection configuration.
type Config struct {
	Dialer *Dialer

	// TLSConfig is the base client TLS configuration. ServerName defaults to
	// the target domain.
	TLSConfig *tls.Config

	// DisableStartTLS leaves offered STARTTLS unused. A server that requires
	// STARTTLS is then refused.
	DisableStartTLS bool

	// ConnectTimeout bounds the whole connect and negotiation sequence. Zero
	// leaves it bounded only by the caller's context.
	ConnectTimeout time.Duration

	// WriteTimeout bounds every write to the server.
	WriteTimeout time.Duration

	// QueueSize is the number of writes buffered for the server.
	QueueSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Conn is the upstream side of one gateway session. A Conn connects once;
// after it is disconnected it cannot be reused.
type Conn struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	used      bool
	domain    string
	lang      string
	netConn   net.Conn
	dec       *xmpp.Decoder
	tlsActive bool

	capture      *PropsCapture
	pipeline     *chain.Pipeline[*xmpp.Element]
	outbox       *mailbox.Mailbox[[]byte]
	resetPending atomic.Bool
	closing      atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// New creates a disconnected Conn relaying server elements to sink.
func New(cfg Config, sink Sink) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:     cfg,
		sink:    sink,
		logger:  cfg.Logger,
		capture: NewPropsCapture(),
		outbox:  mailbox.New[[]byte](cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	guard := chain.NewHandler[*xmpp.Element](guardName).Handle(c.awaitingFeatures, c.checkFeatures)
	c.pipeline = chain.NewPipeline(c.capture.Handler(), guard)

	return c
}

// Connect opens the stream to domain, negotiates TLS and stream features,
// announces the stream to the client and starts relaying server elements.
// lang is the optional xml:lang requested by the client.
func (c *Conn) Connect(ctx context.Context, domain, lang string) (err error) {
	c.mu.Lock()
	if c.used || c.state != Disconnected {
		c.mu.Unlock()
		return perrors.ErrInvalidState
	}
	c.used = true
	c.domain, c.lang = domain, lang
	c.mu.Unlock()

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if err != nil {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.UpstreamConnectErrors.WithLabelValues(perrors.Kind(err)).Inc()
			}
			c.shutdown(err)
			return
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.UpstreamConnectDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if c.cfg.Dialer == nil {
		return perrors.Join(perrors.ErrConnectFailed, errors.New("no dialer configured"))
	}
	raw, target, err := c.cfg.Dialer.Dial(ctx, domain)
	if err != nil {
		return perrors.Join(perrors.ErrConnectFailed, err)
	}

	// Blocked reads and handshakes fail once ctx ends.
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	c.mu.Lock()
	c.netConn = raw
	c.dec = xmpp.NewDecoder(raw)
	c.mu.Unlock()
	c.setState(Connected)
	go func() {
		if err := c.outbox.Run(c.ctx, c.write); err != nil && !errors.Is(err, context.Canceled) {
			c.shutdown(perrors.Join(perrors.ErrAbruptDisconnect, err))
		}
	}()

	c.logger.Info("Upstream connected",
		slog.String("domain", domain),
		slog.String("target", target.Addr()),
		slog.Bool("direct_tls", target.DirectTLS))

	if target.DirectTLS {
		c.setState(Securing)
		if err := c.handshake(ctx, "direct"); err != nil {
			return err
		}
		c.setState(Secure)
	}

	features, err := c.openStream(ctx)
	if err != nil {
		return err
	}
	if features, err = c.NegotiateFeatures(ctx, features); err != nil {
		return err
	}
	c.setState(Secure)

	if err := c.sink.SendText(xmpp.Open(c.capture.Props())); err != nil {
		return perrors.Join(perrors.ErrConnectionClosed, err)
	}
	if err := c.sink.SendText(features.String()); err != nil {
		return perrors.Join(perrors.ErrConnectionClosed, err)
	}
	if err := c.pipeline.AddLast(NewForwarder(c.sink)); err != nil {
		return err
	}
	c.logger.Debug("Upstream forwarding started",
		slog.String("domain", domain),
		slog.Any("pipeline", c.pipeline.Names()))
	if stop() {
		go c.readLoop()
		return nil
	}
	return perrors.Join(perrors.ErrConnectFailed, ctx.Err())
}

// NegotiateFeatures runs STARTTLS while the server offers it and returns the
// features of the stream that needs no further negotiation. TLS is upgraded at
// most once per connection.
func (c *Conn) NegotiateFeatures(ctx context.Context, features *xmpp.Element) (*xmpp.Element, error) {
	for {
		offered, required := xmpp.StartTLS(features)
		if !offered {
			return features, nil
		}

		c.mu.Lock()
		active := c.tlsActive
		c.mu.Unlock()
		if active {
			return nil, fmt.Errorf("%w: STARTTLS offered on a TLS stream", perrors.ErrHandshakeFailed)
		}
		if c.cfg.DisableStartTLS {
			if required {
				return nil, fmt.Errorf("%w: server requires STARTTLS", perrors.ErrHandshakeFailed)
			}
			return features, nil
		}

		c.setState(Securing)
		if err := c.outbox.PostWait(ctx, xmpp.StartTLSRequest()); err != nil {
			return nil, perrors.Join(perrors.ErrConnectFailed, err)
		}
		reply, err := c.receive(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case xmpp.IsProceed(reply):
		case xmpp.IsTLSFailure(reply):
			return nil, fmt.Errorf("%w: server refused STARTTLS", perrors.ErrHandshakeFailed)
		default:
			return nil, fmt.Errorf("%w: unexpected %s in reply to STARTTLS", perrors.ErrHandshakeFailed, reply.Local())
		}

		if err := c.handshake(ctx, "starttls"); err != nil {
			return nil, err
		}
		c.setState(Secure)

		if features, err = c.openStream(ctx); err != nil {
			return nil, err
		}
	}
}

// ResetStream restarts the stream on the open connection. The server's new
// header and features reach the client through the forwarder.
func (c *Conn) ResetStream(ctx context.Context) error {
	c.mu.Lock()
	state, domain, lang := c.state, c.domain, c.lang
	c.mu.Unlock()
	if state == Disconnected || c.closing.Load() {
		return perrors.ErrInvalidState
	}

	c.capture.Rearm()
	c.resetPending.Store(true)
	if err := c.outbox.PostWait(ctx, xmpp.StreamHeader(domain, lang)); err != nil {
		return perrors.Join(perrors.ErrConnectionClosed, err)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.StreamResets.Inc()
	}
	c.logger.Debug("Upstream stream reset", slog.String("domain", domain))

	return nil
}

// Send queues a client element for the server. payload is written verbatim.
func (c *Conn) Send(payload []byte) error {
	if c.State() == Disconnected || c.closing.Load() {
		return perrors.ErrInvalidState
	}
	if err := c.outbox.Post(payload); err != nil {
		return perrors.Join(perrors.ErrConnectionClosed, err)
	}
	return nil
}

// Disconnect closes the stream and the connection. It is a no-op on a
// disconnected Conn.
func (c *Conn) Disconnect() error {
	if c.State() == Disconnected || !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	// The client already got its close; a late footer must not be relayed.
	_ = c.pipeline.Remove(forwarderName)

	ctx := context.Background()
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	if err := c.outbox.PostWait(ctx, xmpp.StreamFooter()); err != nil {
		c.logger.Debug("Failed to write stream footer", slog.String("error", err.Error()))
	}
	c.shutdown(nil)

	return nil
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Props returns the properties of the current server stream.
func (c *Conn) Props() xmpp.Props {
	return c.capture.Props()
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection shut down. It is nil after a clean close
// from either side.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// TLS reports whether the connection is encrypted.
func (c *Conn) TLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsActive
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.Debug("Upstream state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()))
	}
}

// openStream writes a stream header and waits for the server's header and
// features.
func (c *Conn) openStream(ctx context.Context) (*xmpp.Element, error) {
	c.mu.Lock()
	domain, lang := c.domain, c.lang
	c.mu.Unlock()

	c.capture.Rearm()
	if err := c.outbox.PostWait(ctx, xmpp.StreamHeader(domain, lang)); err != nil {
		return nil, perrors.Join(perrors.ErrConnectFailed, err)
	}

	header, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}
	if header.Type != xmpp.StreamOpen {
		return nil, fmt.Errorf("%w: expected stream header, got %s", perrors.ErrHandshakeFailed, header.Local())
	}

	features, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}
	if !xmpp.IsFeatures(features) {
		return nil, fmt.Errorf("%w: expected stream features, got %s", perrors.ErrHandshakeFailed, features.Local())
	}

	return features, nil
}

// receive reads the next element during negotiation and runs it through the
// pipeline.
func (c *Conn) receive(ctx context.Context) (*xmpp.Element, error) {
	c.mu.Lock()
	dec := c.dec
	c.mu.Unlock()

	el, err := dec.Next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, perrors.Join(perrors.ErrConnectFailed, ctx.Err())
		}
		return nil, perrors.Join(perrors.ErrConnectFailed, err)
	}

	switch {
	case xmpp.IsStreamError(el):
		if err := c.sink.SendText(el.String()); err != nil {
			c.logger.Debug("Failed to relay stream error", slog.String("error", err.Error()))
		}
		return nil, fmt.Errorf("%w: %w: %s", perrors.ErrHandshakeFailed, ErrRemoteStreamError, xmpp.ErrorCondition(el))
	case el.Type == xmpp.StreamClose:
		return nil, fmt.Errorf("%w: stream closed during negotiation", perrors.ErrHandshakeFailed)
	}

	if err := c.pipeline.Deliver(ctx, el); err != nil {
		return nil, err
	}
	return el, nil
}

func (c *Conn) handshake(ctx context.Context, mode string) error {
	c.mu.Lock()
	raw, domain := c.netConn, c.domain
	c.mu.Unlock()

	cfg := &tls.Config{}
	if c.cfg.TLSConfig != nil {
		cfg = c.cfg.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = domain
	}

	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return perrors.Join(perrors.ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	c.netConn = tc
	c.dec = xmpp.NewDecoder(tc)
	c.tlsActive = true
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TLSUpgrades.WithLabelValues(mode).Inc()
	}
	c.logger.Debug("Upstream TLS established",
		slog.String("mode", mode),
		slog.String("server_name", cfg.ServerName))

	return nil
}

// awaitingFeatures matches the features answering a client stream reset.
func (c *Conn) awaitingFeatures(el *xmpp.Element) bool {
	return c.resetPending.Load() && xmpp.IsFeatures(el)
}

func (c *Conn) checkFeatures(_ context.Context, el *xmpp.Element) error {
	c.resetPending.Store(false)

	offered, required := xmpp.StartTLS(el)
	if !offered {
		return nil
	}
	if c.TLS() {
		return fmt.Errorf("%w: STARTTLS offered again after stream reset", perrors.ErrHandshakeFailed)
	}
	if required {
		return fmt.Errorf("%w: server requires STARTTLS after stream reset", perrors.ErrHandshakeFailed)
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		c.mu.Lock()
		dec := c.dec
		c.mu.Unlock()

		el, err := dec.Next()
		if err != nil {
			c.shutdown(perrors.Join(perrors.ErrAbruptDisconnect, err))
			return
		}

		if err := c.pipeline.Deliver(c.ctx, el); err != nil {
			c.shutdown(err)
			return
		}
		if el.Type == xmpp.StreamClose {
			c.logger.Debug("Upstream closed the stream")
			c.shutdown(nil)
			return
		}
	}
}

func (c *Conn) write(b []byte) error {
	c.mu.Lock()
	nc := c.netConn
	c.mu.Unlock()

	if nc == nil {
		return net.ErrClosed
	}
	if c.cfg.WriteTimeout > 0 {
		if err := nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := nc.Write(b)
	return err
}

// shutdown closes the connection once. The first reason is kept.
func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		c.mu.Lock()
		c.state = Disconnected
		c.err = reason
		nc := c.netConn
		domain := c.domain
		c.mu.Unlock()

		c.outbox.Close()
		if nc != nil {
			nc.Close()
		}
		c.cancel()
		close(c.done)

		if reason != nil {
			c.logger.Warn("Upstream connection closed",
				slog.String("domain", domain),
				slog.String("error", reason.Error()))
			return
		}
		c.logger.Debug("Upstream connection closed", slog.String("domain", domain))
	})
}
