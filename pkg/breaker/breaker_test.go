// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errDial = errors.New("dial failed")

func TestCircuitBreakerTransitions(t *testing.T) {
	now := time.Now()
	cb := New(Config{MaxFailures: 2, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	fail := func() error { return errDial }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Call(fail), errDial)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Call(fail), errDial)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	assert.ErrorIs(t, cb.Call(func() error { called = true; return nil }), ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, cb.Call(ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Call(fail), errDial)
	assert.ErrorIs(t, cb.Call(fail), errDial)
	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, cb.Call(fail), errDial)
	assert.Equal(t, StateOpen, cb.State(), "failure while half open reopens")
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2})

	_ = cb.Call(func() error { return errDial })
	_ = cb.Call(func() error { return nil })
	_ = cb.Call(func() error { return errDial })

	state, failures, _ := cb.Stats()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 1, failures)
}

func TestGroup(t *testing.T) {
	var mu sync.Mutex
	changes := map[string]State{}
	done := make(chan struct{}, 1)

	g := NewGroup(Config{MaxFailures: 1, ResetTimeout: time.Hour}, func(key string, from, to State) {
		mu.Lock()
		changes[key] = to
		mu.Unlock()
		done <- struct{}{}
	})

	assert.ErrorIs(t, g.Call("a.example", func() error { return errDial }), errDial)
	assert.ErrorIs(t, g.Call("a.example", func() error { return nil }), ErrCircuitOpen)
	assert.NoError(t, g.Call("b.example", func() error { return nil }))
	assert.Same(t, g.Get("a.example"), g.Get("a.example"))
	assert.Equal(t, 2, g.Len())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change not reported")
	}
	mu.Lock()
	assert.Equal(t, StateOpen, changes["a.example"])
	mu.Unlock()
}
