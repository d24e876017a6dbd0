// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/handler"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/metrics"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser"
)

// InstrumentedHandler wraps a handler with metrics collection.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ handler.Handler = (*InstrumentedHandler)(nil)

// AuthConnect implements handler.Handler with authorization metrics.
func (h *InstrumentedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	start := time.Now()
	err := h.handler.AuthConnect(ctx, hctx)
	h.metrics.AuthDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		h.metrics.AuthAttempts.WithLabelValues("rejected").Inc()
		h.logger.Warn("Stream open rejected",
			slog.String("session", hctx.SessionID),
			slog.String("domain", hctx.Domain),
			slog.String("error", err.Error()))
		return err
	}

	h.metrics.AuthAttempts.WithLabelValues("allowed").Inc()
	return nil
}

// OnConnect implements handler.Handler.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnStreamReset implements handler.Handler.
func (h *InstrumentedHandler) OnStreamReset(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnStreamReset(ctx, hctx)
}

// OnForward implements handler.Handler with byte counting.
func (h *InstrumentedHandler) OnForward(ctx context.Context, hctx *handler.Context, dir parser.Direction, payload []byte) error {
	h.metrics.BytesForwarded.WithLabelValues(dir.String()).Add(float64(len(payload)))
	return h.handler.OnForward(ctx, hctx, dir, payload)
}

// OnDisconnect implements handler.Handler.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnDisconnect(ctx, hctx)
}
