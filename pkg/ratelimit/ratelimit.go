// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket rate limiting for WebSocket upgrades.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum burst, refillRate the number of tokens added per second.
func NewTokenBucket(capacity int64, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int64, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// full reports whether the bucket has refilled completely.
func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens >= tb.capacity
}

// Limiter keeps one token bucket per client key (the remote IP).
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate float64
	maxClients int
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLimiter creates a limiter allowing capacity upgrades in a burst and
// refillRate per second afterwards, for at most maxClients tracked clients.
func NewLimiter(capacity int64, refillRate float64, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = 10000
	}

	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Allow reports whether the client identified by key may proceed.
// New clients are refused once maxClients buckets are tracked.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	tb, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		tb = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[key] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Sweep forgets clients whose bucket has refilled, since a new bucket would
// behave the same.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, tb := range l.buckets {
		if tb.full() {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until Close is called.
func (l *Limiter) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops Run.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
