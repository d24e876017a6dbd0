// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	perrors "github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/errors"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/handler"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/parser/xmpp"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	openFrame  = `<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" to="example.com" version="1.0"/>`
	closeFrame = `<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`
	message    = `<message xmlns="jabber:client" to="juliet@example.com"><body>hi</body></message>`
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	frames chan Frame
	closed chan struct{}

	mu    sync.Mutex
	texts []string
	pongs [][]byte
	codes []int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return errTransportClosed
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) Pong(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongs = append(f.pongs, payload)
	return nil
}

func (f *fakeTransport) CloseWith(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return errTransportClosed
	}
	f.codes = append(f.codes, code)
	close(f.closed)
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) ReadLoop(ctx context.Context, fn func(context.Context, Frame) error) error {
	for {
		select {
		case fr, ok := <-f.frames:
			if !ok {
				return fmt.Errorf("read: %w", ErrClientGone)
			}
			if err := fn(ctx, fr); err != nil {
				return err
			}
		case <-f.closed:
			return fmt.Errorf("read: %w", ErrClientGone)
		}
	}
}

func (f *fakeTransport) Run(ctx context.Context) error {
	select {
	case <-f.closed:
	case <-ctx.Done():
	}
	return nil
}

func (f *fakeTransport) text(payload string) {
	f.frames <- Frame{Kind: FrameText, Payload: []byte(payload)}
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeTransport) closeCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.codes...)
}

type fakeUpstream struct {
	sink       upstream.Sink
	connectErr error
	// started is closed when Connect begins; a non-nil release holds
	// Connect until it is closed or ctx ends.
	started chan struct{}
	release chan struct{}

	mu       sync.Mutex
	state    upstream.State
	domain   string
	connects int
	resets   int
	payloads []string
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{done: make(chan struct{})}
}

func (u *fakeUpstream) State() upstream.State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *fakeUpstream) Connect(ctx context.Context, domain, _ string) error {
	u.mu.Lock()
	u.connects++
	u.domain = domain
	u.mu.Unlock()

	if u.started != nil {
		close(u.started)
	}
	if u.release != nil {
		select {
		case <-u.release:
		case <-ctx.Done():
			err := perrors.Join(perrors.ErrConnectFailed, ctx.Err())
			u.end(err)
			return err
		}
	}

	if u.connectErr != nil {
		u.end(u.connectErr)
		return u.connectErr
	}

	u.mu.Lock()
	u.state = upstream.Secure
	u.mu.Unlock()
	return u.sink.SendText(xmpp.Open(xmpp.Props{ID: "s1", Version: "1.0", From: domain}))
}

func (u *fakeUpstream) ResetStream(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resets++
	return nil
}

func (u *fakeUpstream) Send(payload []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.payloads = append(u.payloads, string(payload))
	return nil
}

func (u *fakeUpstream) Disconnect() error {
	u.end(nil)
	return nil
}

func (u *fakeUpstream) Done() <-chan struct{} {
	return u.done
}

func (u *fakeUpstream) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

func (u *fakeUpstream) end(err error) {
	u.doneOnce.Do(func() {
		u.mu.Lock()
		u.state = upstream.Disconnected
		u.err = err
		u.mu.Unlock()
		close(u.done)
	})
}

func (u *fakeUpstream) sentPayloads() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.payloads...)
}

func (u *fakeUpstream) counts() (int, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connects, u.resets
}

type recordingHandler struct {
	handler.NoopHandler
	authErr error

	mu          sync.Mutex
	connects    int
	resets      int
	disconnects int
	forwarded   map[parser.Direction]int
}

func (h *recordingHandler) AuthConnect(context.Context, *handler.Context) error {
	return h.authErr
}

func (h *recordingHandler) OnConnect(context.Context, *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	return nil
}

func (h *recordingHandler) OnStreamReset(context.Context, *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
	return nil
}

func (h *recordingHandler) OnForward(_ context.Context, _ *handler.Context, dir parser.Direction, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.forwarded == nil {
		h.forwarded = make(map[parser.Direction]int)
	}
	h.forwarded[dir]++
	return nil
}

func (h *recordingHandler) OnDisconnect(context.Context, *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
	return nil
}

func startSession(ctx context.Context, tr *fakeTransport, up *fakeUpstream, h handler.Handler) <-chan error {
	hctx := &handler.Context{SessionID: "test", RemoteAddr: "127.0.0.1:5000", Protocol: "xmpp"}
	s := New(Config{
		Handler:      h,
		CloseTimeout: time.Second,
		NewUpstream: func(_ upstream.Config, sink upstream.Sink) Upstream {
			up.sink = sink
			return up
		},
	}, tr, hctx)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestSessionOpenConnectsOnceThenResets(t *testing.T) {
	tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
	errc := startSession(context.Background(), tr, up, h)

	tr.text(openFrame)
	tr.text(message)
	tr.text(openFrame)
	tr.text(closeFrame)

	require.NoError(t, wait(t, errc))

	connects, resets := up.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, resets)
	assert.Equal(t, "example.com", up.domain)
	assert.Equal(t, []string{message}, up.payloads)

	assert.Equal(t, []string{
		xmpp.Open(xmpp.Props{ID: "s1", Version: "1.0", From: "example.com"}),
		xmpp.Close(),
	}, tr.sent())
	assert.Equal(t, []int{CloseNormal}, tr.closeCodes())

	assert.Equal(t, 1, h.connects)
	assert.Equal(t, 1, h.resets)
	assert.Equal(t, 1, h.disconnects)
	assert.Equal(t, 1, h.forwarded[parser.Upstream])
	assert.Equal(t, 1, h.forwarded[parser.Downstream])
}

func TestSessionFailures(t *testing.T) {
	cases := []struct {
		desc       string
		frames     []string
		authErr    error
		connectErr error
		err        error
		condition  string
		code       int
	}{
		{
			desc:      "malformed payload",
			frames:    []string{openFrame, "<message"},
			err:       perrors.ErrMalformedPayload,
			condition: xmpp.ConditionNotWellFormed,
			code:      CloseInvalidPayload,
		},
		{
			desc:      "open without a to address",
			frames:    []string{`<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" version="1.0"/>`},
			err:       perrors.ErrProtocolViolation,
			condition: xmpp.ConditionImproperAddressing,
			code:      CloseProtocolError,
		},
		{
			desc:      "connect rejected by handler",
			frames:    []string{openFrame},
			authErr:   errors.New("domain not allowed"),
			err:       perrors.ErrUnauthorized,
			condition: xmpp.ConditionPolicyViolation,
			code:      ClosePolicyViolation,
		},
		{
			desc:       "upstream unreachable",
			frames:     []string{openFrame},
			connectErr: perrors.Join(perrors.ErrConnectFailed, errors.New("connection refused")),
			err:        perrors.ErrConnectFailed,
			condition:  xmpp.ConditionRemoteConnectionFailed,
			code:       CloseInternalError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{authErr: tc.authErr}
			up.connectErr = tc.connectErr
			errc := startSession(context.Background(), tr, up, h)

			for _, f := range tc.frames {
				tr.text(f)
			}

			err := wait(t, errc)
			assert.ErrorIs(t, err, tc.err)

			sent := tr.sent()
			require.GreaterOrEqual(t, len(sent), 2)
			assert.Equal(t, xmpp.StreamError(tc.condition), sent[len(sent)-2])
			assert.Equal(t, xmpp.Close(), sent[len(sent)-1])
			assert.Equal(t, []int{tc.code}, tr.closeCodes())
			assert.Equal(t, 1, h.disconnects)
		})
	}
}

func TestSessionDropsStanzaBeforeOpen(t *testing.T) {
	tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
	errc := startSession(context.Background(), tr, up, h)

	tr.text(message)
	tr.text(closeFrame)

	require.NoError(t, wait(t, errc))

	connects, _ := up.counts()
	assert.Zero(t, connects)
	assert.Empty(t, up.payloads)
	assert.Empty(t, tr.sent())
	assert.Equal(t, []int{CloseNormal}, tr.closeCodes())
}

func TestSessionClientGone(t *testing.T) {
	tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
	errc := startSession(context.Background(), tr, up, h)

	tr.text(openFrame)
	close(tr.frames)

	err := wait(t, errc)
	assert.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, upstream.Disconnected, up.State())
	assert.Len(t, tr.sent(), 1)
	assert.Equal(t, 1, h.disconnects)
}

func TestSessionClientGoneWhileConnecting(t *testing.T) {
	tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
	up.started = make(chan struct{})
	up.release = make(chan struct{})
	errc := startSession(context.Background(), tr, up, h)

	tr.text(openFrame)
	select {
	case <-up.started:
	case <-time.After(time.Second):
		t.Fatal("connect did not start")
	}
	close(tr.frames)

	err := wait(t, errc)
	assert.ErrorIs(t, err, ErrClientGone)
	assert.ErrorIs(t, up.Err(), context.Canceled)
	assert.Empty(t, tr.sent())
	assert.Equal(t, []int{CloseGoingAway}, tr.closeCodes())
	assert.Zero(t, h.connects)
	assert.Equal(t, 1, h.disconnects)
}

func TestSessionHoldsFramesWhileConnecting(t *testing.T) {
	tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
	up.started = make(chan struct{})
	up.release = make(chan struct{})
	errc := startSession(context.Background(), tr, up, h)

	tr.text(openFrame)
	<-up.started
	tr.text(message)
	tr.frames <- Frame{Kind: FramePing, Payload: []byte("beat")}
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.pongs) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, up.sentPayloads())

	close(up.release)
	tr.text(closeFrame)

	require.NoError(t, wait(t, errc))
	assert.Equal(t, []string{message}, up.sentPayloads())
	assert.Equal(t, []string{
		xmpp.Open(xmpp.Props{ID: "s1", Version: "1.0", From: "example.com"}),
		xmpp.Close(),
	}, tr.sent())
	assert.Equal(t, 1, h.connects)
}

func TestSessionCloseFrameWithoutStreamClose(t *testing.T) {
	tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
	errc := startSession(context.Background(), tr, up, h)

	tr.text(openFrame)
	tr.frames <- Frame{Kind: FrameClose, Code: CloseGoingAway}

	err := wait(t, errc)
	assert.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, []int{CloseGoingAway}, tr.closeCodes())
	assert.Equal(t, upstream.Disconnected, up.State())
}

func TestSessionPing(t *testing.T) {
	tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
	errc := startSession(context.Background(), tr, up, h)

	tr.frames <- Frame{Kind: FramePing, Payload: []byte("beat")}
	tr.frames <- Frame{Kind: FrameBinary, Payload: []byte{0x1}}
	tr.text(closeFrame)

	require.NoError(t, wait(t, errc))
	assert.Equal(t, [][]byte{[]byte("beat")}, tr.pongs)
}

func TestSessionShutdown(t *testing.T) {
	tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	errc := startSession(ctx, tr, up, h)

	tr.text(openFrame)
	require.Eventually(t, func() bool { return up.State() == upstream.Secure }, time.Second, 5*time.Millisecond)
	cancel()

	err := wait(t, errc)
	assert.ErrorIs(t, err, ErrShutdown)

	sent := tr.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, xmpp.StreamError(xmpp.ConditionSystemShutdown), sent[1])
	assert.Equal(t, xmpp.Close(), sent[2])
	assert.Equal(t, []int{CloseGoingAway}, tr.closeCodes())
}

func TestSessionUpstreamEnds(t *testing.T) {
	cases := []struct {
		desc  string
		cause error
		code  int
		sent  int
	}{
		{desc: "stream footer", cause: nil, code: CloseNormal, sent: 1},
		{
			desc:  "abrupt disconnect",
			cause: perrors.Join(perrors.ErrAbruptDisconnect, errors.New("EOF")),
			code:  CloseGoingAway,
			sent:  3,
		},
		{
			desc:  "remote stream error",
			cause: perrors.Join(perrors.ErrHandshakeFailed, upstream.ErrRemoteStreamError),
			code:  CloseInternalError,
			sent:  2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			tr, up, h := newFakeTransport(), newFakeUpstream(), &recordingHandler{}
			errc := startSession(context.Background(), tr, up, h)

			tr.text(openFrame)
			require.Eventually(t, func() bool { return up.State() == upstream.Secure }, time.Second, 5*time.Millisecond)
			up.end(tc.cause)

			err := wait(t, errc)
			if tc.cause == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.cause)
			}
			assert.Len(t, tr.sent(), tc.sent)
			assert.Equal(t, []int{tc.code}, tr.closeCodes())
			assert.Equal(t, 1, h.disconnects)
		})
	}
}
