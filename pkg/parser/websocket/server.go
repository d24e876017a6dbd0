// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	perrors "github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/errors"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/handler"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/metrics"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/ratelimit"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/session"
)

const (
	// Subprotocol is the WebSocket subprotocol for XMPP.
	Subprotocol = "xmpp"

	// DefaultPath is the default upgrade path.
	DefaultPath = "/xmpp-websocket"
)

// ServerConfig holds configuration for the WebSocket server.
type ServerConfig struct {
	// Path is the upgrade path.
	Path string

	// AllowedOrigins restricts browser clients by their Origin header.
	// Empty allows every origin; "*" in the list does the same.
	AllowedOrigins []string

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// Limiter throttles upgrades per remote IP.
	Limiter *ratelimit.Limiter

	Conn    ConnConfig
	Session session.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server upgrades HTTP requests to XMPP WebSocket sessions.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
	active  atomic.Int64
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a WebSocket server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Conn.Logger == nil {
		cfg.Conn.Logger = cfg.Logger
	}
	if cfg.Conn.Metrics == nil {
		cfg.Conn.Metrics = cfg.Metrics
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = cfg.Metrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin:  s.checkOrigin,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			label := "handshake"
			if status == http.StatusForbidden {
				label = "origin"
			}
			s.reject(w, r, status, label, reason.Error())
		},
	}

	return s
}

// ServeHTTP implements http.Handler. An upgraded request is served until its
// session ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := websocket.IsWebSocketUpgrade(r)

	switch {
	case r.URL.Path == "/favicon.ico":
		w.WriteHeader(http.StatusNoContent)
		return
	case r.Method != http.MethodGet:
		s.reject(w, r, http.StatusForbidden, "method", "method not allowed")
		return
	case r.URL.Path == "/" && !upgrade:
		s.index(w, r)
		return
	case r.URL.Path != s.cfg.Path:
		s.reject(w, r, http.StatusNotFound, "path", "not found")
		return
	case !upgrade:
		s.reject(w, r, http.StatusBadRequest, "handshake", "websocket upgrade required")
		return
	case !slices.Contains(websocket.Subprotocols(r), Subprotocol):
		s.reject(w, r, http.StatusBadRequest, "subprotocol", "xmpp subprotocol required")
		return
	case s.cfg.Limiter != nil && !s.cfg.Limiter.Allow(clientIP(r)):
		s.reject(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	if !s.admit() {
		s.reject(w, r, http.StatusServiceUnavailable, "capacity", "server unavailable")
		return
	}
	defer s.release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Failed to upgrade connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	hctx := &handler.Context{
		SessionID:  uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		Protocol:   ws.Subprotocol(),
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		hctx.Cert = r.TLS.PeerCertificates[0]
	}

	conn := NewConn(ws, s.cfg.Conn)
	sess := session.New(s.cfg.Session, conn, hctx)
	if err := sess.Run(s.ctx); err != nil {
		s.logger.Debug("Session failed",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
}

// Active returns the number of running sessions.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Wait stops admitting sessions and waits for the running ones to end or for
// ctx to be done.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends all running sessions with a system-shutdown stream error.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	if limit := s.cfg.MaxSessions; limit > 0 && int(s.active.Load()) >= limit {
		return false
	}
	s.wg.Add(1)
	s.active.Add(1)
	return true
}

func (s *Server) release() {
	s.active.Add(-1)
	s.wg.Done()
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	location := fmt.Sprintf("%s://%s%s", scheme, r.Host, s.cfg.Path)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><title>XMPP WebSocket</title></head>"+
		"<body><p>XMPP WebSocket server, running at: %s</p></body></html>\n", html.EscapeString(location))
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, reason, msg string) {
	err := rejection(status, msg)
	s.logger.Debug("Upgrade rejected",
		slog.String("remote", r.RemoteAddr),
		slog.String("reason", reason),
		slog.Int("status", status),
		slog.String("error", err.Error()))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.UpgradeRejections.WithLabelValues(reason).Inc()
	}
	http.Error(w, err.Error(), status)
}

// rejection classifies a refused request: throttled clients get
// ErrRateLimited, everything else ErrUpgradeRejected.
func rejection(status int, msg string) error {
	kind := perrors.ErrUpgradeRejected
	if status == http.StatusTooManyRequests {
		kind = perrors.ErrRateLimited
	}
	return perrors.Join(kind, errors.New(msg))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
