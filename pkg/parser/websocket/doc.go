// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements the client-facing side of the gateway
// (RFC 7395).
//
// # Server
//
// Server is an http.Handler. Requests on the upgrade path that offer the
// "xmpp" subprotocol are upgraded with gorilla/websocket and served by a
// session.Session until the session ends. Other requests are answered
// without upgrading:
//
//	/              informational page naming the ws:// or wss:// location
//	/favicon.ico   204
//	non-GET        403
//	unknown path   404
//	no upgrade     400 (also when "xmpp" is not offered)
//	rate limited   429
//
// Server.Wait drains running sessions and Server.Close ends them with a
// system-shutdown stream error.
//
// # Conn
//
// Conn adapts a *websocket.Conn to session.Transport. Text, pong and close
// frames are queued in a mailbox and written by Conn.Run in order, each with
// a write deadline. ReadLoop turns data messages and the ping and close
// callbacks into session.Frame values.
package websocket
