// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package output fans build output events out to subscribed sinks.
//
// Delivery is synchronous: Publish returns after every current subscriber has seen
// the event, so a single publisher observes its own emission order at each sink.
package output

import (
	"context"
	"sync"

	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/protocol"
)

// Sink receives output events. A non-nil error detaches the sink from further delivery.
type Sink interface {
	Emit(ev *protocol.OutputEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev *protocol.OutputEvent) error

func (f SinkFunc) Emit(ev *protocol.OutputEvent) error { return f(ev) }

// Router is an in-memory event source.
type Router struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func NewRouter() *Router {
	return &Router{}
}

// Subscribe attaches sink until the returned Subscription is closed.
func (r *Router) Subscribe(sink Sink) *Subscription {
	s := &Subscription{router: r, sink: sink}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
	return s
}

// Publish delivers ev to every open subscription in subscription order.
// A nil Router discards events.
func (r *Router) Publish(ev protocol.OutputEvent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	subs := append([]*Subscription(nil), r.subs...)
	r.mu.RUnlock()

	for _, s := range subs {
		s.deliver(&ev)
	}
}

// Len returns the number of open subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Router) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.subs[:0]
	for _, c := range r.subs {
		if c != s {
			out = append(out, c)
		}
	}
	clear(r.subs[len(out):])
	r.subs = out
}

// Subscription is the handle for one attached sink.
type Subscription struct {
	router *Router
	sink   Sink

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *Subscription) deliver(ev *protocol.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	if err := s.sink.Emit(ev); err != nil {
		s.err = err
		logger := log.WithComponent("output")
		logger.Warn().Err(err).Str(log.FieldEvent, "output.sink_failed").Msg("output sink failed; detaching")
	}
}

// Err returns the first sink failure, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the sink. It waits for an in-flight delivery to this sink, so no
// event reaches the sink after Close returns. Idempotent; returns the first sink failure.
func (s *Subscription) Close() error {
	s.router.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.err
}

type routerKey struct{}

// WithRouter returns a context carrying r for engines to publish into.
func WithRouter(ctx context.Context, r *Router) context.Context {
	return context.WithValue(ctx, routerKey{}, r)
}

// FromContext returns the router carried by ctx, or nil.
func FromContext(ctx context.Context) *Router {
	r, _ := ctx.Value(routerKey{}).(*Router)
	return r
}

// Emit publishes ev on the router carried by ctx, if any.
func Emit(ctx context.Context, ev protocol.OutputEvent) {
	FromContext(ctx).Publish(ev)
}
