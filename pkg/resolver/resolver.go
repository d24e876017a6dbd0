// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolver discovers the TCP endpoints serving an XMPP domain.
package resolver

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
)

// DefaultPort is the client-to-server port used when no SRV record exists.
const DefaultPort = 5222

// Target is one endpoint to dial.
type Target struct {
	Host string
	Port uint16
	// DirectTLS means TLS starts before the XML stream (XEP-0368).
	DirectTLS bool
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Resolver returns the targets for a domain in the order they should be tried.
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]Target, error)
}

// LookupSRVFunc has the signature of net.Resolver.LookupSRV.
type LookupSRVFunc func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

// SRV resolves domains through _xmpps-client._tcp and _xmpp-client._tcp
// records and falls back to the domain itself on DefaultPort.
type SRV struct {
	// LookupSRV defaults to net.DefaultResolver.LookupSRV.
	LookupSRV LookupSRVFunc
	// DisableDirectTLS skips the _xmpps-client lookup.
	DisableDirectTLS bool
}

var _ Resolver = (*SRV)(nil)

type candidate struct {
	Target
	priority uint16
	weight   uint16
}

// Resolve implements Resolver.
func (r *SRV) Resolve(ctx context.Context, domain string) ([]Target, error) {
	if domain == "" {
		return nil, errors.New("empty domain")
	}
	lookup := r.LookupSRV
	if lookup == nil {
		lookup = net.DefaultResolver.LookupSRV
	}

	var cands []candidate
	services := []struct {
		name   string
		direct bool
	}{
		{"xmpps-client", true},
		{"xmpp-client", false},
	}
	for _, svc := range services {
		if svc.direct && r.DisableDirectTLS {
			continue
		}
		_, records, err := lookup(ctx, svc.name, "tcp", domain)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		for _, rec := range records {
			host := strings.TrimSuffix(rec.Target, ".")
			// A "." target means the service is decidedly not available.
			if host == "" {
				continue
			}
			cands = append(cands, candidate{
				Target:   Target{Host: host, Port: rec.Port, DirectTLS: svc.direct},
				priority: rec.Priority,
				weight:   rec.Weight,
			})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.DirectTLS != b.DirectTLS {
			return a.DirectTLS
		}
		return a.weight > b.weight
	})

	targets := make([]Target, 0, len(cands)+1)
	for _, c := range cands {
		targets = append(targets, c.Target)
	}
	if len(targets) == 0 {
		targets = append(targets, Target{Host: domain, Port: DefaultPort})
	}

	return targets, nil
}

// Static always returns the same targets.
type Static []Target

var _ Resolver = Static(nil)

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, domain string) ([]Target, error) {
	if len(s) == 0 {
		return nil, errors.New("no static targets")
	}
	return append([]Target(nil), s...), nil
}
