// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

// Direction indicates the direction of element flow.
type Direction int

const (
	// Upstream represents elements flowing from the WebSocket client to the XMPP server.
	Upstream Direction = iota

	// Downstream represents elements flowing from the XMPP server to the WebSocket client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}
