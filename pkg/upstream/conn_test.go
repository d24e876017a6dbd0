// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-xmpp/xmpp-websocket-proxy/internal/xmpptest"
	perrors "github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/errors"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/metrics"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/xmpp"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/resolver"
)

const plainFeatures = `<stream:features xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams">` +
	`<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/></stream:features>`

type recordingSink struct {
	mu     sync.Mutex
	frames []string
	ch     chan string
}

func newSink() *recordingSink {
	return &recordingSink{ch: make(chan string, 64)}
}

func (s *recordingSink) SendText(text string) error {
	s.mu.Lock()
	s.frames = append(s.frames, text)
	s.mu.Unlock()
	s.ch <- text
	return nil
}

func (s *recordingSink) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-s.ch:
		return f
	case <-time.After(xmpptest.Timeout):
		t.Fatal("no frame sent to the client")
		return ""
	}
}

type fixture struct {
	srv     *xmpptest.Server
	sink    *recordingSink
	conn    *Conn
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	srv := xmpptest.NewServer(t)
	m := metrics.New("test", prometheus.NewRegistry())
	cfg := Config{
		Dialer:         &Dialer{Resolver: srv.Resolver()},
		ConnectTimeout: xmpptest.Timeout,
		WriteTimeout:   time.Second,
		Metrics:        m,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sink := newSink()

	return &fixture{srv: srv, sink: sink, conn: New(cfg, sink), metrics: m}
}

func (f *fixture) connect(domain, lang string) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- f.conn.Connect(context.Background(), domain, lang) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * xmpptest.Timeout):
		t.Fatal("connect did not return")
		return nil
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(xmpptest.Timeout):
		t.Fatal("connection did not shut down")
	}
}

func TestConnectPlain(t *testing.T) {
	f := newFixture(t, nil)
	errc := f.connect("example.com", "en")

	sc := f.srv.Accept()
	header := sc.Handshake("s1", xmpptest.FeaturesPlain)
	assert.Equal(t, "example.com", header.Attribute("to"))
	assert.Equal(t, "en", header.Lang())
	assert.Equal(t, xmpp.NSClient, header.Attribute("xmlns"))

	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, Secure, f.conn.State())
	assert.False(t, f.conn.TLS())
	assert.Equal(t, xmpp.Props{ID: "s1", Version: "1.0", From: "example.com"}, f.conn.Props())
	assert.Equal(t, []string{captureName, guardName, forwarderName}, f.conn.pipeline.Names())

	assert.Equal(t, `<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" from="example.com" id="s1" version="1.0"/>`, f.sink.next(t))
	assert.Equal(t, plainFeatures, f.sink.next(t))

	assert.ErrorIs(t, f.conn.Connect(context.Background(), "example.com", ""), perrors.ErrInvalidState)

	sc.Send("<message from='a@example.com'><body>hi</body></message>")
	assert.Equal(t, `<message xmlns="jabber:client" from="a@example.com"><body>hi</body></message>`, f.sink.next(t))

	require.NoError(t, f.conn.Send([]byte(`<presence xmlns="jabber:client"/>`)))
	assert.Equal(t, "presence", sc.Expect().Local())

	require.NoError(t, f.conn.Disconnect())
	assert.Equal(t, xmpp.StreamClose, sc.Expect().Type)
	_, err := sc.Next()
	assert.Error(t, err)

	waitDone(t, f.conn)
	assert.NoError(t, f.conn.Err())
	assert.Equal(t, Disconnected, f.conn.State())
	assert.NoError(t, f.conn.Disconnect())
	assert.ErrorIs(t, f.conn.Send([]byte("<presence/>")), perrors.ErrInvalidState)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.TLSUpgrades.WithLabelValues("starttls")))
}

func TestDisconnectIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.conn.Disconnect(), "disconnect before connect")

	errc := f.connect("example.com", "")
	sc := f.srv.Accept()
	sc.Handshake("s1", xmpptest.FeaturesPlain)
	require.NoError(t, waitErr(t, errc))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.conn.Disconnect())
		}()
	}
	wg.Wait()

	footers := 0
	for {
		el, err := sc.Next()
		if err != nil {
			break
		}
		if el.Type == xmpp.StreamClose {
			footers++
		}
	}
	assert.Equal(t, 1, footers)
}

func TestConnectRequiredStartTLS(t *testing.T) {
	cert, pool := xmpptest.GenerateCert(t, "example.com")
	f := newFixture(t, func(cfg *Config) {
		cfg.TLSConfig = &tls.Config{RootCAs: pool}
	})
	errc := f.connect("example.com", "")

	sc := f.srv.Accept()
	sc.Handshake("s1", xmpptest.FeaturesRequiredTLS)
	sc.StartTLS(&tls.Config{Certificates: []tls.Certificate{cert}})
	sc.Handshake("s2", xmpptest.FeaturesPlain)

	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, Secure, f.conn.State())
	assert.True(t, f.conn.TLS())
	assert.Equal(t, "s2", f.conn.Props().ID)
	assert.Equal(t, xmpp.Open(xmpp.Props{ID: "s2", Version: "1.0", From: "example.com"}), f.sink.next(t))
	assert.Equal(t, plainFeatures, f.sink.next(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TLSUpgrades.WithLabelValues("starttls")))

	again, err := xmpp.Parse([]byte(`<stream:features xmlns:stream="http://etherx.jabber.org/streams">` +
		`<starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"><required/></starttls></stream:features>`))
	require.NoError(t, err)
	_, err = f.conn.NegotiateFeatures(context.Background(), again)
	assert.ErrorIs(t, err, perrors.ErrHandshakeFailed)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TLSUpgrades.WithLabelValues("starttls")))
}

func TestConnectDirectTLS(t *testing.T) {
	cert, pool := xmpptest.GenerateCert(t, "example.com")
	f := newFixture(t, func(cfg *Config) {
		cfg.TLSConfig = &tls.Config{RootCAs: pool}
	})
	target := f.srv.Target()
	target.DirectTLS = true
	f.conn.cfg.Dialer = &Dialer{Resolver: resolver.Static{target}}

	errc := f.connect("example.com", "")
	sc := f.srv.Accept()
	sc.UpgradeTLS(&tls.Config{Certificates: []tls.Certificate{cert}})
	sc.Handshake("d1", xmpptest.FeaturesPlain)

	require.NoError(t, waitErr(t, errc))
	assert.True(t, f.conn.TLS())
	assert.Equal(t, Secure, f.conn.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TLSUpgrades.WithLabelValues("direct")))
}

func TestConnectFailures(t *testing.T) {
	cert, _ := xmpptest.GenerateCert(t, "example.com")
	closedPort := func(t *testing.T) resolver.Resolver {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().(*net.TCPAddr)
		ln.Close()
		return resolver.Static{{Host: "127.0.0.1", Port: uint16(addr.Port)}}
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		resolver func(*testing.T) resolver.Resolver
		script   func(*xmpptest.Conn)
		err      error
		relayed  string
	}{
		{
			name:     "connection refused",
			resolver: closedPort,
			err:      perrors.ErrConnectFailed,
		},
		{
			name: "stream error during negotiation",
			script: func(sc *xmpptest.Conn) {
				sc.ExpectHeader()
				sc.SendHeader("s1")
				sc.Send("<stream:error><host-unknown xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error>")
			},
			err:     ErrRemoteStreamError,
			relayed: "host-unknown",
		},
		{
			name: "starttls refused",
			script: func(sc *xmpptest.Conn) {
				sc.Handshake("s1", xmpptest.FeaturesStartTLS)
				sc.Expect()
				sc.Send("<failure xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")
			},
			err: perrors.ErrHandshakeFailed,
		},
		{
			name:   "required starttls disabled",
			mutate: func(cfg *Config) { cfg.DisableStartTLS = true },
			script: func(sc *xmpptest.Conn) {
				sc.Handshake("s1", xmpptest.FeaturesRequiredTLS)
			},
			err: perrors.ErrHandshakeFailed,
		},
		{
			name:   "untrusted certificate",
			mutate: func(cfg *Config) { cfg.TLSConfig = &tls.Config{RootCAs: x509.NewCertPool()} },
			script: func(sc *xmpptest.Conn) {
				sc.Handshake("s1", xmpptest.FeaturesStartTLS)
				sc.Expect()
				sc.Send(xmpptest.Proceed)
				_ = sc.AttemptTLS(&tls.Config{Certificates: []tls.Certificate{cert}})
			},
			err: perrors.ErrHandshakeFailed,
		},
		{
			name:   "server never answers",
			mutate: func(cfg *Config) { cfg.ConnectTimeout = 100 * time.Millisecond },
			script: func(sc *xmpptest.Conn) {
				sc.ExpectHeader()
			},
			err: perrors.ErrConnectFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			if tt.resolver != nil {
				f.conn.cfg.Dialer = &Dialer{Resolver: tt.resolver(t)}
			}
			errc := f.connect("example.com", "")
			if tt.script != nil {
				tt.script(f.srv.Accept())
			}

			err := waitErr(t, errc)
			assert.ErrorIs(t, err, tt.err)
			waitDone(t, f.conn)
			assert.Equal(t, Disconnected, f.conn.State())
			assert.ErrorIs(t, f.conn.Err(), tt.err)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.UpstreamConnectErrors.WithLabelValues(perrors.Kind(err))))

			if tt.relayed != "" {
				assert.Contains(t, f.sink.next(t), tt.relayed)
			}
		})
	}
}

func TestResetStream(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.conn.ResetStream(context.Background()), perrors.ErrInvalidState)

	errc := f.connect("example.com", "")
	sc := f.srv.Accept()
	sc.Handshake("s1", xmpptest.FeaturesPlain)
	require.NoError(t, waitErr(t, errc))
	f.sink.next(t)
	f.sink.next(t)

	require.NoError(t, f.conn.ResetStream(context.Background()))
	sc.Handshake("s2", xmpptest.FeaturesPlain)

	assert.Equal(t, xmpp.Open(xmpp.Props{ID: "s2", Version: "1.0", From: "example.com"}), f.sink.next(t))
	assert.Equal(t, plainFeatures, f.sink.next(t))
	assert.Equal(t, "s2", f.conn.Props().ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StreamResets))
}

func TestResetStreamReadvertisedStartTLS(t *testing.T) {
	cert, pool := xmpptest.GenerateCert(t, "example.com")
	f := newFixture(t, func(cfg *Config) {
		cfg.TLSConfig = &tls.Config{RootCAs: pool}
	})
	errc := f.connect("example.com", "")

	sc := f.srv.Accept()
	sc.Handshake("s1", xmpptest.FeaturesStartTLS)
	sc.StartTLS(&tls.Config{Certificates: []tls.Certificate{cert}})
	sc.Handshake("s2", xmpptest.FeaturesPlain)
	require.NoError(t, waitErr(t, errc))
	f.sink.next(t)
	f.sink.next(t)

	require.NoError(t, f.conn.ResetStream(context.Background()))
	sc.Handshake("s3", xmpptest.FeaturesStartTLS)

	waitDone(t, f.conn)
	assert.ErrorIs(t, f.conn.Err(), perrors.ErrHandshakeFailed)
	assert.Equal(t, Disconnected, f.conn.State())

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	for _, frame := range f.sink.frames[2:] {
		assert.False(t, strings.Contains(frame, "starttls"), "re-advertised features relayed: %s", frame)
	}
}

func TestUpstreamEndsStream(t *testing.T) {
	tests := []struct {
		name  string
		end   func(*xmpptest.Conn)
		err   error
		close bool
	}{
		{
			name:  "footer",
			end:   func(sc *xmpptest.Conn) { sc.Send("</stream:stream>") },
			close: true,
		},
		{
			name: "abrupt",
			end:  func(sc *xmpptest.Conn) { sc.Close() },
			err:  perrors.ErrAbruptDisconnect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			errc := f.connect("example.com", "")
			sc := f.srv.Accept()
			sc.Handshake("s1", xmpptest.FeaturesPlain)
			require.NoError(t, waitErr(t, errc))
			f.sink.next(t)
			f.sink.next(t)

			tt.end(sc)
			waitDone(t, f.conn)

			if tt.err != nil {
				assert.ErrorIs(t, f.conn.Err(), tt.err)
			} else {
				assert.NoError(t, f.conn.Err())
			}
			if tt.close {
				assert.Equal(t, xmpp.Close(), f.sink.next(t))
			}
			assert.Equal(t, Disconnected, f.conn.State())
		})
	}
}
