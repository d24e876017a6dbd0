// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the gateway coordinator that wires together the
// WebSocket listener, the session layer and a handler.
//
// # Architecture
//
//	Application
//	     ↓
//	┌──────────────────┐
//	│ Gateway          │  (Coordinator, HTTP/HTTPS listener)
//	└──────────────────┘
//	     ↓
//	┌──────────────────┐
//	│ websocket.Server │  (Upgrade, RFC 7395 framing)
//	└──────────────────┘
//	     ↓
//	┌──────────────────┐
//	│ session.Session  │  (Router, one per client)
//	└──────────────────┘
//	     ↓
//	┌──────────────────┐
//	│ upstream.Conn    │  (RFC 6120 stream over TCP, STARTTLS)
//	└──────────────────┘
//	     ↓
//	┌──────────────────┐
//	│ Handler          │  (Authorization, notifications)
//	└──────────────────┘
//
// # Usage
//
//	cfg := proxy.GatewayConfig{
//		Host:            "0.0.0.0",
//		Port:            "5280",
//		ShutdownTimeout: 30 * time.Second,
//		WebSocket: websocket.ServerConfig{
//			Path: "/xmpp-websocket",
//			Session: session.Config{
//				Upstream: upstream.Config{
//					Dialer: &upstream.Dialer{Resolver: &resolver.SRV{}},
//				},
//			},
//		},
//	}
//
//	gw, err := proxy.NewGateway(cfg, handler)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := gw.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// When ctx is cancelled the listener stops accepting and the gateway waits
// up to ShutdownTimeout for the running sessions to end. Sessions still
// running after that are closed with a system-shutdown stream error and
// Listen returns ErrShutdownTimeout.
//
// # TLS Termination
//
// With TLSConfig set the gateway serves wss://. Client certificates, when
// requested by TLSConfig, are exposed to the handler as handler.Context.Cert.
package proxy
