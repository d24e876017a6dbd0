// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mailbox serializes writes to a transport.
//
// Any goroutine may post messages; a single consumer started with Run hands
// them to the write function in the order they were posted.
package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when posting to a closed mailbox or one whose
// consumer has stopped.
var ErrClosed = errors.New("mailbox closed")

type envelope[T any] struct {
	msg     T
	flushed chan error
}

// Mailbox is a bounded FIFO queue with a single consumer.
type Mailbox[T any] struct {
	queue   chan envelope[T]
	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	done    chan struct{}
}

// New creates a mailbox that buffers up to size messages.
func New[T any](size int) *Mailbox[T] {
	if size <= 0 {
		size = 1
	}
	return &Mailbox[T]{
		queue:   make(chan envelope[T], size),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Post enqueues msg. It blocks while the queue is full.
func (m *Mailbox[T]) Post(msg T) error {
	return m.post(envelope[T]{msg: msg})
}

// PostWait enqueues msg and waits until the consumer has written it. It
// returns the write error, if any.
func (m *Mailbox[T]) PostWait(ctx context.Context, msg T) error {
	flushed := make(chan error, 1)
	if err := m.post(envelope[T]{msg: msg, flushed: flushed}); err != nil {
		return err
	}

	select {
	case err := <-flushed:
		return err
	case <-m.done:
		select {
		case err := <-flushed:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox[T]) post(env envelope[T]) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	select {
	case m.queue <- env:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Close stops accepting messages. The consumer writes what is already queued
// and then returns.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.closing)
}

// CloseWith enqueues a final message and closes the mailbox in one step, so
// no other message can follow it.
func (m *Mailbox[T]) CloseWith(final T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	defer close(m.closing)

	select {
	case m.queue <- envelope[T]{msg: final}:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Closed reports whether Close or CloseWith was called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Done is closed when the consumer has returned.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

// Run consumes messages until the mailbox is closed and drained, write fails,
// or ctx is cancelled. It must be called once.
func (m *Mailbox[T]) Run(ctx context.Context, write func(T) error) error {
	defer close(m.done)

	deliver := func(env envelope[T]) error {
		err := write(env.msg)
		if env.flushed != nil {
			env.flushed <- err
		}
		return err
	}

	for {
		select {
		case env := <-m.queue:
			if err := deliver(env); err != nil {
				return err
			}
		case <-m.closing:
			for {
				select {
				case env := <-m.queue:
					if err := deliver(env); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
