// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session ties one WebSocket client to one upstream XMPP stream.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	perrors "github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/errors"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/handler"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/metrics"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/xmpp"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/upstream"
)

const defaultCloseTimeout = 5 * time.Second

// Config holds session configuration.
type Config struct {
	Upstream upstream.Config
	Handler  handler.Handler

	// CloseTimeout bounds how long the WebSocket writer may take to flush
	// the final frames.
	CloseTimeout time.Duration

	// NewUpstream creates the upstream side. It defaults to upstream.New.
	NewUpstream func(cfg upstream.Config, sink upstream.Sink) Upstream

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session is one gateway session.
type Session struct {
	cfg    Config
	ws     Transport
	up     Upstream
	router *Router
	hctx   *handler.Context
	logger *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	finishOnce sync.Once
}

// New creates a session over ws.
func New(cfg Config, ws Transport, hctx *handler.Context) *Session {
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.NewUpstream == nil {
		cfg.NewUpstream = func(c upstream.Config, sink upstream.Sink) Upstream {
			return upstream.New(c, sink)
		}
	}

	logger := cfg.Logger.With(
		slog.String("session", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		ws:     ws,
		hctx:   hctx,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	upCfg := cfg.Upstream
	upCfg.Logger = logger
	if upCfg.Metrics == nil {
		upCfg.Metrics = cfg.Metrics
	}
	s.up = cfg.NewUpstream(upCfg, upstream.SinkFunc(s.forward))
	s.router = NewRouter(s.up, ws, cfg.Handler, hctx, logger, cfg.Metrics)

	return s
}

// Run serves the session until either side ends it or ctx is cancelled. The
// returned error is nil after a clean close.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.Metrics != nil {
		return s.cfg.Metrics.ObserveSession(perrors.Kind, func() error { return s.run(ctx) })
	}
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) error {
	defer s.cancel()
	s.logger.Info("Session started")

	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	writer := make(chan error, 1)
	go func() { writer <- s.ws.Run(writerCtx) }()

	reader := make(chan error, 1)
	go func() { reader <- s.ws.ReadLoop(s.ctx, s.router.Route) }()

	var cause error
	readerDone := false
	select {
	case cause = <-reader:
		readerDone = true
		if cause == nil {
			cause = ErrClientGone
		}
	case cause = <-s.router.Failed():
	case <-s.up.Done():
		cause = s.up.Err()
	case <-ctx.Done():
		cause = ErrShutdown
	}
	// The transport may drop right after the client's stream close.
	if errors.Is(cause, ErrClientGone) && s.router.Closed() {
		cause = ErrStreamClosed
	}

	// Aborts a running connect before the client is told the outcome.
	s.cancel()
	if !s.router.Wait(s.cfg.CloseTimeout) {
		s.logger.Warn("Upstream connect did not stop in time")
	}
	err := s.finish(cause)

	select {
	case <-writer:
	case <-time.After(s.cfg.CloseTimeout):
		s.logger.Warn("WebSocket writer did not flush in time")
		stopWriter()
		<-writer
	}
	if !readerDone {
		<-reader
	}
	s.router.Wait(s.cfg.CloseTimeout)
	if err := s.up.Disconnect(); err != nil {
		s.logger.Debug("Upstream disconnect failed", slog.String("error", err.Error()))
	}

	return err
}

// finish tears both transports down and reports the session outcome.
func (s *Session) finish(cause error) error {
	var result error
	s.finishOnce.Do(func() {
		if err := s.up.Disconnect(); err != nil {
			s.logger.Debug("Upstream disconnect failed", slog.String("error", err.Error()))
		}

		switch {
		case cause == nil || errors.Is(cause, ErrStreamClosed):
			s.closeWS(CloseNormal, "")
		case errors.Is(cause, ErrClientGone):
			s.closeWS(CloseGoingAway, "")
			result = cause
		default:
			condition, code := outcome(cause)
			if condition != "" {
				s.sendText(xmpp.StreamError(condition))
			}
			if !s.router.Closed() {
				s.sendText(xmpp.Close())
			}
			s.closeWS(code, "")
			result = cause
		}

		if result != nil {
			s.logger.Warn("Session ended", slog.String("error", result.Error()))
		} else {
			s.logger.Info("Session ended")
		}

		if err := s.cfg.Handler.OnDisconnect(context.WithoutCancel(s.ctx), s.hctx); err != nil {
			s.logger.Warn("OnDisconnect hook failed", slog.String("error", err.Error()))
		}
	})
	return result
}

// outcome maps a fatal error to the stream error condition and close code
// sent to a client that is still connected.
func outcome(err error) (string, int) {
	switch {
	case errors.Is(err, upstream.ErrRemoteStreamError):
		return "", CloseInternalError
	case errors.Is(err, perrors.ErrMalformedPayload):
		return xmpp.ConditionNotWellFormed, CloseInvalidPayload
	case errors.Is(err, perrors.ErrUnauthorized):
		return xmpp.ConditionPolicyViolation, ClosePolicyViolation
	case errors.Is(err, perrors.ErrProtocolViolation):
		return xmpp.ConditionImproperAddressing, CloseProtocolError
	case errors.Is(err, ErrShutdown):
		return xmpp.ConditionSystemShutdown, CloseGoingAway
	case errors.Is(err, perrors.ErrAbruptDisconnect):
		return xmpp.ConditionRemoteConnectionFailed, CloseGoingAway
	case errors.Is(err, perrors.ErrConnectFailed), errors.Is(err, perrors.ErrHandshakeFailed):
		return xmpp.ConditionRemoteConnectionFailed, CloseInternalError
	default:
		return xmpp.ConditionInternalServerError, CloseInternalError
	}
}

// forward is the sink handed to the upstream connection.
func (s *Session) forward(text string) error {
	if err := s.ws.SendText(text); err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StanzasForwarded.WithLabelValues(parser.Downstream.String()).Inc()
	}
	if err := s.cfg.Handler.OnForward(s.ctx, s.hctx, parser.Downstream, []byte(text)); err != nil {
		s.logger.Warn("OnForward hook failed", slog.String("error", err.Error()))
	}
	return nil
}

func (s *Session) sendText(text string) {
	if err := s.ws.SendText(text); err != nil {
		s.logger.Debug("Failed to send to client", slog.String("error", err.Error()))
	}
}

func (s *Session) closeWS(code int, reason string) {
	if err := s.ws.CloseWith(code, reason); err != nil {
		s.logger.Debug("Failed to close websocket", slog.String("error", err.Error()))
	}
}
