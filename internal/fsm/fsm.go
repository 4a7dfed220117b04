// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fsm implements a small strict finite state machine runner.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidTransition is returned when no edge exists for the current state and event.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrentTransition is returned when the state moved while a guard or action ran.
	ErrConcurrentTransition = errors.New("concurrent transition")
)

// Transition describes a single edge in the FSM.
// Guard may reject the transition; Action performs side-effects before the state moves.
type Transition[S ~string, E ~string] struct {
	From   S
	Event  E
	To     S
	Guard  func(ctx context.Context, from S, event E) error
	Action func(ctx context.Context, from, to S, event E) error
}

// Observer is called after every applied transition.
type Observer[S ~string, E ~string] func(from, to S, event E)

type edge[S ~string, E ~string] struct {
	from  S
	event E
}

// Machine is a test-friendly FSM runner. Unknown transitions are errors.
type Machine[S ~string, E ~string] struct {
	mu        sync.Mutex
	state     S
	index     map[edge[S, E]]Transition[S, E]
	observers []Observer[S, E]
}

// New builds a machine in the initial state. Duplicate edges are rejected.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E], observers ...Observer[S, E]) (*Machine[S, E], error) {
	idx := make(map[edge[S, E]]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := edge[S, E]{from: t.From, event: t.Event}
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s on %s", t.From, t.Event)
		}
		idx[k] = t
	}
	return &Machine[S, E]{state: initial, index: idx, observers: observers}, nil
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event is accepted in the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[edge[S, E]{from: m.state, event: event}]
	return ok
}

// Fire applies event. Guard and Action run outside the lock.
func (m *Machine[S, E]) Fire(ctx context.Context, event E) (S, error) {
	m.mu.Lock()
	from := m.state
	t, ok := m.index[edge[S, E]{from: from, event: event}]
	m.mu.Unlock()
	if !ok {
		return from, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, from, event)
	}

	if t.Guard != nil {
		if err := t.Guard(ctx, from, event); err != nil {
			return from, err
		}
	}
	if t.Action != nil {
		if err := t.Action(ctx, from, t.To, event); err != nil {
			return from, err
		}
	}

	m.mu.Lock()
	if m.state != from {
		cur := m.state
		m.mu.Unlock()
		return cur, fmt.Errorf("%w: from=%s cur=%s event=%s", ErrConcurrentTransition, from, cur, event)
	}
	m.state = t.To
	m.mu.Unlock()

	for _, obs := range m.observers {
		obs(from, t.To, event)
	}
	return t.To, nil
}

// MustFire is Fire for edges the caller knows to be valid; it panics otherwise.
func (m *Machine[S, E]) MustFire(ctx context.Context, event E) S {
	s, err := m.Fire(ctx, event)
	if err != nil {
		panic(err)
	}
	return s
}
