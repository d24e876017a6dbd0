// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/chain"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/xmpp"
)

const forwarderName = "forwarder"

// Sink receives text frames bound for the WebSocket client.
type Sink interface {
	SendText(text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(text string) error

// SendText implements Sink.
func (f SinkFunc) SendText(text string) error {
	return f(text)
}

func ofType(t xmpp.Type) chain.Predicate[*xmpp.Element] {
	return func(el *xmpp.Element) bool {
		return el.Type == t
	}
}

// NewForwarder returns the handler translating server elements into
// WebSocket frames: the stream header becomes an open element, the footer a
// close element, and anything else is sent as serialized XML.
func NewForwarder(sink Sink) *chain.Handler[*xmpp.Element] {
	return chain.NewHandler[*xmpp.Element](forwarderName).
		Handle(ofType(xmpp.StreamOpen), func(_ context.Context, el *xmpp.Element) error {
			return sink.SendText(xmpp.Open(xmpp.PropsOf(el)))
		}).
		Handle(ofType(xmpp.StreamClose), func(context.Context, *xmpp.Element) error {
			return sink.SendText(xmpp.Close())
		}).
		Handle(chain.Any[*xmpp.Element], func(_ context.Context, el *xmpp.Element) error {
			return sink.SendText(el.String())
		})
}
