// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/handler"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/websocket"
)

var (
	// ErrShutdownTimeout is returned when sessions do not drain within the
	// configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

const forceCloseGrace = time.Second

// GatewayConfig holds configuration for the WebSocket gateway.
type GatewayConfig struct {
	Host string
	Port string

	// TLSConfig enables wss:// on the listener.
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active sessions to end
	// during graceful shutdown. Remaining sessions are then closed with a
	// system-shutdown stream error.
	ShutdownTimeout time.Duration

	WebSocket websocket.ServerConfig

	Logger *slog.Logger
}

// Gateway serves XMPP over WebSocket and bridges every session to an XMPP
// server over TCP.
type Gateway struct {
	cfg    GatewayConfig
	ws     *websocket.Server
	logger *slog.Logger
}

// NewGateway creates a gateway. h is notified about session events.
func NewGateway(cfg GatewayConfig, h handler.Handler) (*Gateway, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WebSocket.Logger == nil {
		cfg.WebSocket.Logger = cfg.Logger
	}
	cfg.WebSocket.Session.Handler = h

	if cfg.WebSocket.Session.Upstream.Dialer == nil {
		return nil, errors.New("upstream dialer is required")
	}

	return &Gateway{
		cfg:    cfg,
		ws:     websocket.NewServer(cfg.WebSocket),
		logger: cfg.Logger,
	}, nil
}

// Address returns the configured listen address.
func (g *Gateway) Address() string {
	return net.JoinHostPort(g.cfg.Host, g.cfg.Port)
}

// Active returns the number of running sessions.
func (g *Gateway) Active() int {
	return g.ws.Active()
}

// Listen listens on the configured address and serves until ctx is cancelled.
func (g *Gateway) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.Address(), err)
	}
	return g.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains the
// running sessions.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	scheme := "ws"
	if g.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, g.cfg.TLSConfig)
		scheme = "wss"
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	server := &http.Server{
		Handler:           g.ws,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelDebug),
	}

	g.logger.Info("WebSocket gateway started",
		slog.String("address", ln.Addr().String()),
		slog.String("scheme", scheme))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		g.ws.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	g.logger.Info("shutdown signal received, closing WebSocket gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("error during HTTP shutdown", slog.String("error", err.Error()))
	}

	if err := g.ws.Wait(shutdownCtx); err == nil {
		g.logger.Info("all sessions closed gracefully")
		return nil
	}

	g.logger.Warn("shutdown timeout exceeded, forcing session closure",
		slog.Int("sessions", g.ws.Active()))
	connCancel()
	g.ws.Close()

	forceCtx, forceCancel := context.WithTimeout(context.Background(), forceCloseGrace)
	defer forceCancel()
	if err := g.ws.Wait(forceCtx); err != nil {
		g.logger.Error("sessions still running after forced closure",
			slog.Int("sessions", g.ws.Active()))
	}

	return ErrShutdownTimeout
}
