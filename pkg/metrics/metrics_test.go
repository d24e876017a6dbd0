// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveSession(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	kind := func(error) string { return "connect_failed" }

	assert.NoError(t, m.ObserveSession(kind, func() error {
		assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSessions))
		return nil
	}))
	assert.Error(t, m.ObserveSession(kind, func() error { return errors.New("boom") }))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsTotal.WithLabelValues("connect_failed")))
}

func TestNewRegistersIndependently(t *testing.T) {
	assert.NotPanics(t, func() {
		New("a", prometheus.NewRegistry())
		New("a", prometheus.NewRegistry())
	})

	m := New("b", prometheus.NewRegistry())
	m.CollectRuntime()
	assert.Greater(t, testutil.ToFloat64(m.GoroutinesActive), float64(0))
}
