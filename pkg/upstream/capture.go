// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"sync"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/chain"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/xmpp"
)

const captureName = "capture"

// PropsCapture records the properties of the first stream header seen after
// it was armed.
type PropsCapture struct {
	mu    sync.Mutex
	armed bool
	props xmpp.Props
}

// NewPropsCapture returns an armed capture.
func NewPropsCapture() *PropsCapture {
	return &PropsCapture{armed: true}
}

// Handler returns the pipeline handler feeding the capture.
func (p *PropsCapture) Handler() *chain.Handler[*xmpp.Element] {
	return chain.NewHandler[*xmpp.Element](captureName).Handle(p.matches, p.record)
}

func (p *PropsCapture) matches(el *xmpp.Element) bool {
	if el.Type != xmpp.StreamOpen {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}

func (p *PropsCapture) record(_ context.Context, el *xmpp.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props = xmpp.PropsOf(el)
	p.armed = false
	return nil
}

// Props returns the captured properties.
func (p *PropsCapture) Props() xmpp.Props {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props
}

// Rearm makes the next stream header replace the captured properties.
func (p *PropsCapture) Rearm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = true
}

// Armed reports whether the capture waits for a header.
func (p *PropsCapture) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}
