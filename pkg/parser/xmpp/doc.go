// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package xmpp models the XML elements exchanged by the gateway.
//
// # TCP side
//
// Decoder reads an RFC 6120 stream from the XMPP server. The stream header
// and footer are surfaced as StreamOpen and StreamClose elements; stanzas
// and other top-level elements are returned whole, with prefixes and
// attributes exactly as the server wrote them.
//
// # WebSocket side
//
// Parse reads one RFC 7395 frame. Open and Close build the framing
// elements sent to the client, and Element.String serializes a server
// element with the stream namespaces it relied on declared on itself:
//
//	<stream:features> on the TCP stream
//	<stream:features xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams"> on the WebSocket
package xmpp
