// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/breaker"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/resolver"
)

// Dialer opens TCP connections to XMPP domains.
type Dialer struct {
	Resolver resolver.Resolver
	// Net defaults to a zero net.Dialer.
	Net *net.Dialer
	// Breakers, when set, guards dials with one circuit breaker per domain.
	Breakers *breaker.Group
	Logger   *slog.Logger
}

// Dial resolves domain and connects to the first reachable target.
func (d *Dialer) Dial(ctx context.Context, domain string) (net.Conn, resolver.Target, error) {
	if d.Resolver == nil {
		return nil, resolver.Target{}, errors.New("no resolver configured")
	}
	targets, err := d.Resolver.Resolve(ctx, domain)
	if err != nil {
		return nil, resolver.Target{}, fmt.Errorf("resolve %s: %w", domain, err)
	}

	nd := d.Net
	if nd == nil {
		nd = &net.Dialer{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var conn net.Conn
	var chosen resolver.Target
	dial := func() error {
		var errs []error
		for _, t := range targets {
			c, err := nd.DialContext(ctx, "tcp", t.Addr())
			if err == nil {
				conn, chosen = c, t
				return nil
			}
			logger.Debug("Upstream target unreachable",
				slog.String("domain", domain),
				slog.String("target", t.Addr()),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return errors.Join(errs...)
	}

	if d.Breakers != nil {
		err = d.Breakers.Call(domain, dial)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, resolver.Target{}, err
	}

	return conn, chosen, nil
}
