// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser holds the pieces shared by the two transports of the gateway.
//
// The xmpp subpackage models XML elements and reads the RFC 6120 TCP stream.
// The websocket subpackage carries RFC 7395 framed elements over gorilla/websocket.
// Direction names the flow an element takes through a session.
package parser
