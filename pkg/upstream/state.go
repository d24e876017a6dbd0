// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

// State is the lifecycle state of an upstream connection. States are ordered
// so that comparisons such as state < Securing are meaningful.
type State int

const (
	Disconnected State = iota
	Connected
	Securing
	Secure
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Securing:
		return "securing"
	case Secure:
		return "secure"
	default:
		return "unknown"
	}
}
