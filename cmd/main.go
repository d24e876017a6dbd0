// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the XMPP WebSocket gateway with metrics, health checks,
// circuit breakers and rate limiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	xmppwsproxy "github.com/matrix-xmpp/xmpp-websocket-proxy"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/examples/simple"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/breaker"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/health"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/metrics"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/websocket"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/proxy"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/ratelimit"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/session"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/upstream"
)

const maxGoroutines = 200000

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := xmppwsproxy.NewConfig(env.Options{Prefix: xmppwsproxy.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	m := metrics.New("", nil)

	breakers := breaker.NewGroup(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	}, func(domain string, from, to breaker.State) {
		logger.Warn("Circuit breaker state changed",
			slog.String("domain", domain),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues(domain).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(domain).Inc()
		}
	})

	limiter := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitMaxClients)
	go limiter.Run(time.Minute)
	defer limiter.Close()

	h := &InstrumentedHandler{
		handler: simple.New(logger, cfg.AllowedDomains...),
		metrics: m,
		logger:  logger,
	}

	gw, err := proxy.NewGateway(proxy.GatewayConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TLSConfig:       cfg.TLSConfig(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		WebSocket: websocket.ServerConfig{
			Path:           cfg.Path,
			AllowedOrigins: cfg.AllowedOrigins,
			MaxSessions:    cfg.MaxSessions,
			Limiter:        limiter,
			Conn: websocket.ConnConfig{
				WriteTimeout:   cfg.WriteTimeout,
				MaxMessageSize: cfg.MaxMessageSize,
				QueueSize:      cfg.QueueSize,
			},
			Session: session.Config{
				CloseTimeout: cfg.CloseTimeout,
				Upstream: upstream.Config{
					Dialer: &upstream.Dialer{
						Resolver: cfg.Resolver(),
						Breakers: breakers,
						Logger:   logger,
					},
					TLSConfig:       cfg.UpstreamTLSConfig(),
					DisableStartTLS: cfg.DisableStartTLS,
					ConnectTimeout:  cfg.ConnectTimeout,
					WriteTimeout:    cfg.WriteTimeout,
					QueueSize:       cfg.QueueSize,
				},
			},
			Metrics: m,
		},
		Logger: logger,
	}, h)
	if err != nil {
		logger.Error("Failed to create gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(10 * time.Second)
	checker.Register("sessions", func(ctx context.Context) error {
		if cfg.MaxSessions > 0 && gw.Active() >= cfg.MaxSessions {
			return fmt.Errorf("session limit reached: %d", cfg.MaxSessions)
		}
		return nil
	})
	checker.Register("runtime", func(ctx context.Context) error {
		m.CollectRuntime()
		if n := runtime.NumGoroutine(); n > maxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", n, maxGoroutines)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, mux, logger)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", checker.HTTPHandler())
		mux.HandleFunc("/ready", checker.ReadinessHandler())
		mux.HandleFunc("/live", health.LivenessHandler())
		return serveHTTP(ctx, "health", cfg.HealthPort, mux, logger)
	})

	g.Go(func() error {
		logger.Info("Starting XMPP WebSocket gateway",
			slog.String("address", gw.Address()),
			slog.String("path", cfg.Path),
			slog.Bool("tls", cfg.TLSConfig() != nil))
		return gw.Listen(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		checker.Drain()
		return nil
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("XMPP WebSocket gateway terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("XMPP WebSocket gateway stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// serveHTTP runs an auxiliary HTTP server until ctx is done. A zero port
// disables it.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	if port == 0 {
		return nil
	}

	addr := ":" + strconv.Itoa(port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
