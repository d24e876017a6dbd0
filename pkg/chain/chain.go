// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package chain dispatches values through ordered predicate/action rules.
//
// A Handler holds rules and runs the action of the first rule whose
// predicate matches. A Pipeline runs every value through each of its
// handlers in insertion order.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a named handler is not in the pipeline.
var ErrNotFound = errors.New("handler not found")

// ErrDuplicate is returned when a handler name is already in the pipeline.
var ErrDuplicate = errors.New("duplicate handler")

// Predicate selects values a rule applies to.
type Predicate[T any] func(T) bool

// Action processes a matched value.
type Action[T any] func(ctx context.Context, v T) error

// Any matches every value.
func Any[T any](T) bool {
	return true
}

type rule[T any] struct {
	match  Predicate[T]
	action Action[T]
}

// Handler is a named, ordered list of rules.
type Handler[T any] struct {
	name  string
	rules []rule[T]
}

// NewHandler creates an empty handler.
func NewHandler[T any](name string) *Handler[T] {
	return &Handler[T]{name: name}
}

// Name returns the handler name.
func (h *Handler[T]) Name() string {
	return h.name
}

// Handle appends a rule. Rules are evaluated in the order they were added.
func (h *Handler[T]) Handle(match Predicate[T], action Action[T]) *Handler[T] {
	h.rules = append(h.rules, rule[T]{match: match, action: action})
	return h
}

// Dispatch runs the action of the first matching rule and reports whether any
// rule matched.
func (h *Handler[T]) Dispatch(ctx context.Context, v T) (bool, error) {
	for _, r := range h.rules {
		if r.match(v) {
			return true, r.action(ctx, v)
		}
	}
	return false, nil
}

// Pipeline is an ordered set of handlers. It is safe for concurrent use.
type Pipeline[T any] struct {
	mu       sync.RWMutex
	handlers []*Handler[T]
}

// NewPipeline creates a pipeline holding handlers in order.
func NewPipeline[T any](handlers ...*Handler[T]) *Pipeline[T] {
	return &Pipeline[T]{handlers: handlers}
}

// AddLast appends h to the pipeline.
func (p *Pipeline[T]) AddLast(h *Handler[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.index(h.name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, h.name)
	}
	p.handlers = append(p.handlers, h)
	return nil
}

// Remove deletes the handler called name.
func (p *Pipeline[T]) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.index(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
	return nil
}

// Names returns the handler names in order.
func (p *Pipeline[T]) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.handlers))
	for i, h := range p.handlers {
		names[i] = h.name
	}
	return names
}

// Deliver passes v to every handler in order and stops at the first error.
func (p *Pipeline[T]) Deliver(ctx context.Context, v T) error {
	p.mu.RLock()
	handlers := make([]*Handler[T], len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	for _, h := range handlers {
		if _, err := h.Dispatch(ctx, v); err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
	}
	return nil
}

func (p *Pipeline[T]) index(name string) int {
	for i, h := range p.handlers {
		if h.name == name {
			return i
		}
	}
	return -1
}
