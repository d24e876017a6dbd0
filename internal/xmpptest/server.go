// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package xmpptest provides a scripted XMPP server over loopback TCP.
package xmpptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/xmpp"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/resolver"
)

// Timeout bounds every wait in the helpers.
const Timeout = 5 * time.Second

// Features offered by scripted servers.
const (
	FeaturesPlain       = `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`
	FeaturesStartTLS    = `<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/></stream:features>`
	FeaturesRequiredTLS = `<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls></stream:features>`
	Proceed             = `<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`
)

// Server accepts connections on a loopback listener.
type Server struct {
	t     testing.TB
	ln    net.Listener
	conns chan net.Conn
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{t: t, ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })

	return s
}

// Target returns the address of the server as a resolver target.
func (s *Server) Target() resolver.Target {
	addr := s.ln.Addr().(*net.TCPAddr)
	return resolver.Target{Host: addr.IP.String(), Port: uint16(addr.Port)}
}

// Resolver returns a resolver that always points at the server.
func (s *Server) Resolver() resolver.Resolver {
	return resolver.Static{s.Target()}
}

// Accept waits for the next client connection.
func (s *Server) Accept() *Conn {
	s.t.Helper()

	select {
	case c := <-s.conns:
		s.t.Cleanup(func() { c.Close() })
		return &Conn{t: s.t, nc: c, dec: xmpp.NewDecoder(c)}
	case <-time.After(Timeout):
		s.t.Fatal("no upstream connection accepted")
		return nil
	}
}

// Conn is the server end of one client connection.
type Conn struct {
	t   testing.TB
	nc  net.Conn
	dec *xmpp.Decoder
}

// Next reads the next element sent by the client.
func (c *Conn) Next() (*xmpp.Element, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(Timeout)); err != nil {
		return nil, err
	}
	return c.dec.Next()
}

// Expect reads the next element and fails the test on error.
func (c *Conn) Expect() *xmpp.Element {
	c.t.Helper()

	el, err := c.Next()
	require.NoError(c.t, err)
	return el
}

// ExpectHeader reads a client stream header.
func (c *Conn) ExpectHeader() *xmpp.Element {
	c.t.Helper()

	el := c.Expect()
	require.Equal(c.t, xmpp.StreamOpen, el.Type, "expected stream header, got %s", el.Local())
	return el
}

// Send writes raw XML to the client.
func (c *Conn) Send(raw string) {
	c.t.Helper()

	_, err := c.nc.Write([]byte(raw))
	require.NoError(c.t, err)
}

// SendHeader writes a server stream header with the given stream id.
func (c *Conn) SendHeader(id string) {
	c.t.Helper()

	c.Send(Header("example.com", id))
}

// Handshake answers a client header with a server header and features.
func (c *Conn) Handshake(id, features string) *xmpp.Element {
	c.t.Helper()

	header := c.ExpectHeader()
	c.SendHeader(id)
	c.Send(features)
	return header
}

// StartTLS answers a STARTTLS request with proceed and runs the server side
// of the TLS handshake.
func (c *Conn) StartTLS(cfg *tls.Config) {
	c.t.Helper()

	req := c.Expect()
	require.Equal(c.t, "starttls", req.Local())
	require.Equal(c.t, xmpp.NSTLS, req.NS())
	c.Send(Proceed)
	c.UpgradeTLS(cfg)
}

// UpgradeTLS runs the server side of a TLS handshake on the connection.
func (c *Conn) UpgradeTLS(cfg *tls.Config) {
	c.t.Helper()

	require.NoError(c.t, c.AttemptTLS(cfg))
}

// AttemptTLS runs the server side of a TLS handshake and returns its error.
func (c *Conn) AttemptTLS(cfg *tls.Config) error {
	tc := tls.Server(c.nc, cfg)
	if err := tc.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return err
	}
	if err := tc.Handshake(); err != nil {
		return err
	}
	if err := tc.SetDeadline(time.Time{}); err != nil {
		return err
	}
	c.nc = tc
	c.dec = xmpp.NewDecoder(tc)
	return nil
}

// Close closes the connection without a stream footer.
func (c *Conn) Close() {
	c.nc.Close()
}

// Header builds a server stream header.
func Header(from, id string) string {
	return fmt.Sprintf("<?xml version='1.0'?><stream:stream from='%s' id='%s' version='1.0' "+
		"xmlns='jabber:client' xmlns:stream='%s'>", from, id, xmpp.NSStream)
}

// GenerateCert creates a self-signed certificate for host and a pool that trusts it.
func GenerateCert(t testing.TB, host string) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{host},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}
