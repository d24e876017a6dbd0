// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/chain"
	perrors "github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/errors"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/handler"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/metrics"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/xmpp"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/upstream"
)

// Router dispatches inbound WebSocket frames. Frames arrive on the WebSocket
// read goroutine; the upstream connect runs on its own goroutine so the read
// loop keeps noticing a departing client. Text frames received while
// connecting are held and replayed in order once the connect succeeds.
type Router struct {
	up      Upstream
	down    Downstream
	handler handler.Handler
	hctx    *handler.Context
	logger  *slog.Logger
	metrics *metrics.Metrics

	text   *chain.Handler[text]
	closed atomic.Bool
	failed chan error

	// mu serializes text dispatch between the reader and the connect goroutine.
	mu         sync.Mutex
	connecting bool
	pending    []text

	doneMu      sync.Mutex
	connectDone chan struct{}
}

// text is a parsed text frame together with its raw payload.
type text struct {
	el  *xmpp.Element
	raw []byte
}

// NewRouter creates a router driving up from frames read from the client.
func NewRouter(up Upstream, down Downstream, h handler.Handler, hctx *handler.Context, logger *slog.Logger, m *metrics.Metrics) *Router {
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		up:      up,
		down:    down,
		handler: h,
		hctx:    hctx,
		logger:  logger,
		metrics: m,
		failed:  make(chan error, 1),
	}

	r.text = chain.NewHandler[text]("router").
		Handle(func(t text) bool { return t.el.Type == xmpp.StreamOpen && r.up.State() == upstream.Disconnected }, r.open).
		Handle(func(t text) bool { return t.el.Type == xmpp.StreamOpen }, r.reset).
		Handle(func(t text) bool { return t.el.Type == xmpp.StreamClose }, r.close).
		Handle(chain.Any[text], r.forward)

	return r
}

// Route handles one frame. A non-nil error ends the session: ErrStreamClosed
// after a clean close, an error wrapping ErrClientGone when the client
// vanished, anything else on failure.
func (r *Router) Route(ctx context.Context, f Frame) error {
	switch f.Kind {
	case FrameClose:
		r.logger.Debug("RECV close frame", slog.Int("code", f.Code))
		if err := r.down.CloseWith(f.Code, ""); err != nil {
			r.logger.Debug("Failed to echo close frame", slog.String("error", err.Error()))
		}
		if r.closed.Load() {
			return ErrStreamClosed
		}
		return fmt.Errorf("%w: close frame %d before stream close", ErrClientGone, f.Code)

	case FramePing:
		return r.down.Pong(f.Payload)

	case FrameText:
		r.logger.Debug("RECV", slog.String("data", string(f.Payload)))
		el, err := xmpp.Parse(f.Payload)
		if err != nil {
			return err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.connecting {
			r.pending = append(r.pending, text{el: el, raw: f.Payload})
			return nil
		}
		_, err = r.text.Dispatch(ctx, text{el: el, raw: f.Payload})
		return err

	default:
		r.logger.Debug("Ignoring frame", slog.String("kind", f.Kind.String()))
		return nil
	}
}

// Closed reports whether the client closed the stream.
func (r *Router) Closed() bool {
	return r.closed.Load()
}

// Failed delivers the error that ended the session outside Route: a failed
// connect or a failure while replaying held frames.
func (r *Router) Failed() <-chan error {
	return r.failed
}

// Wait blocks until a running connect has returned or timeout elapses. It
// reports whether no connect is left running.
func (r *Router) Wait(timeout time.Duration) bool {
	r.doneMu.Lock()
	done := r.connectDone
	r.doneMu.Unlock()
	if done == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// open starts the upstream connect. Called with mu held.
func (r *Router) open(ctx context.Context, t text) error {
	domain := t.el.Attribute("to")
	if domain == "" {
		return fmt.Errorf("%w: open without a to address", perrors.ErrProtocolViolation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.hctx.Domain = domain
	r.hctx.Lang = t.el.Lang()

	done := make(chan struct{})
	r.doneMu.Lock()
	r.connectDone = done
	r.doneMu.Unlock()
	r.connecting = true

	go func() {
		defer close(done)
		err := r.connect(ctx, domain, r.hctx.Lang)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.connecting = false
		pending := r.pending
		r.pending = nil
		for _, held := range pending {
			if err != nil {
				break
			}
			_, err = r.text.Dispatch(ctx, held)
		}
		if err != nil {
			select {
			case r.failed <- err:
			default:
			}
		}
	}()

	return nil
}

func (r *Router) connect(ctx context.Context, domain, lang string) error {
	if err := r.handler.AuthConnect(ctx, r.hctx); err != nil {
		return perrors.Join(perrors.ErrUnauthorized, err)
	}
	if err := r.up.Connect(ctx, domain, lang); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.handler.OnConnect(ctx, r.hctx); err != nil {
		r.logger.Warn("OnConnect hook failed", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Router) reset(ctx context.Context, _ text) error {
	if err := r.up.ResetStream(ctx); err != nil {
		return err
	}
	if err := r.handler.OnStreamReset(ctx, r.hctx); err != nil {
		r.logger.Warn("OnStreamReset hook failed", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Router) close(_ context.Context, _ text) error {
	r.closed.Store(true)
	if r.up.State() != upstream.Disconnected {
		if err := r.down.SendText(xmpp.Close()); err != nil {
			r.logger.Debug("Failed to send close", slog.String("error", err.Error()))
		}
		if err := r.up.Disconnect(); err != nil {
			r.logger.Warn("Failed to disconnect upstream", slog.String("error", err.Error()))
		}
	}
	if err := r.down.CloseWith(CloseNormal, ""); err != nil {
		r.logger.Debug("Failed to close websocket", slog.String("error", err.Error()))
	}
	return ErrStreamClosed
}

func (r *Router) forward(ctx context.Context, t text) error {
	if r.up.State() == upstream.Disconnected {
		r.logger.Warn("Dropping element received before the stream was opened",
			slog.String("element", t.el.Local()))
		return nil
	}
	if err := r.up.Send(t.raw); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.StanzasForwarded.WithLabelValues(parser.Upstream.String()).Inc()
	}
	if err := r.handler.OnForward(ctx, r.hctx, parser.Upstream, t.raw); err != nil {
		r.logger.Warn("OnForward hook failed", slog.String("error", err.Error()))
	}
	return nil
}
