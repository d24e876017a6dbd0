// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// WebSocket metrics
	UpgradeRejections *prometheus.CounterVec
	WebSocketFrames   *prometheus.CounterVec

	// Upstream metrics
	UpstreamConnectErrors   *prometheus.CounterVec
	UpstreamConnectDuration prometheus.Histogram
	TLSUpgrades             *prometheus.CounterVec
	StreamResets            prometheus.Counter
	StanzasForwarded        *prometheus.CounterVec
	BytesForwarded          *prometheus.CounterVec

	// Handler metrics
	AuthAttempts *prometheus.CounterVec
	AuthDuration prometheus.Histogram

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive prometheus.Gauge
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates the gateway metrics and registers them with reg.
// A nil reg registers with the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "xmpp_ws_proxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently active gateway sessions",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of finished sessions by outcome",
		}, []string{"status"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
		UpgradeRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrade_rejections_total",
			Help:      "Total number of rejected HTTP requests on the WebSocket endpoint",
		}, []string{"reason"}),
		WebSocketFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_frames_total",
			Help:      "Total number of WebSocket frames",
		}, []string{"frame_type", "direction"}),
		UpstreamConnectErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_errors_total",
			Help:      "Total number of failed upstream connects",
		}, []string{"error_type"}),
		UpstreamConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_duration_seconds",
			Help:      "Time from dial to negotiated upstream stream",
			Buckets:   prometheus.DefBuckets,
		}),
		TLSUpgrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_upgrades_total",
			Help:      "Total number of upstream TLS handshakes",
		}, []string{"mode"}),
		StreamResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_resets_total",
			Help:      "Total number of client initiated stream resets",
		}),
		StanzasForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stanzas_forwarded_total",
			Help:      "Total number of elements forwarded between transports",
		}, []string{"direction"}),
		BytesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total number of payload bytes forwarded between transports",
		}, []string{"direction"}),
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of stream open authorizations by result",
		}, []string{"result"}),
		AuthDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_duration_seconds",
			Help:      "Time spent authorizing stream opens",
			Buckets:   prometheus.DefBuckets,
		}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"domain"}),
		CircuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips",
		}, []string{"domain"}),
		GoroutinesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_active",
			Help:      "Number of goroutines",
		}),
		MemoryAllocated: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_allocated_bytes",
			Help:      "Memory allocated in bytes",
		}, []string{"type"}),
	}
}

// ObserveSession tracks a session lifecycle. The status label is "ok" when f
// returns nil and the error kind otherwise.
func (m *Metrics) ObserveSession(kind func(error) string, f func() error) error {
	m.ActiveSessions.Inc()
	defer m.ActiveSessions.Dec()

	start := time.Now()
	err := f()
	m.SessionDuration.Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = kind(err)
	}
	m.SessionsTotal.WithLabelValues(status).Inc()

	return err
}

// CollectRuntime samples goroutine and memory gauges.
func (m *Metrics) CollectRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
	m.MemoryAllocated.WithLabelValues("heap").Set(float64(ms.HeapAlloc))
	m.MemoryAllocated.WithLabelValues("sys").Set(float64(ms.Sys))
}
