// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package connector accepts daemon control connections and serves each on its own worker.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/buildd/internal/activity"
	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/metrics"
	"github.com/ManuGH/buildd/internal/protocol"
	"github.com/ManuGH/buildd/internal/remote"
)

// DefaultListenAddr binds an ephemeral loopback port.
const DefaultListenAddr = "127.0.0.1:0"

// Config controls the accept loop.
type Config struct {
	// ListenAddr is the TCP address to bind. Empty means DefaultListenAddr.
	ListenAddr string
	// Workers bounds concurrent sessions. Zero means unbounded.
	Workers int
	// DrainTimeout bounds how long termination waits for in-flight workers before
	// their connections are stopped and their contexts cancelled. Zero waits indefinitely.
	DrainTimeout time.Duration
}

// CompletionHandler is the per-connection control surface handed to a Handler.
type CompletionHandler interface {
	OnStartActivity()
	OnActivityComplete()
	// Stop asks the acceptor to stop accepting connections.
	Stop()
}

// Conn is a control connection as seen by a Handler.
type Conn = remote.Connection[protocol.Message]

// Handler serves one accepted connection. It owns conn and must stop it.
type Handler interface {
	Handle(ctx context.Context, conn Conn, control CompletionHandler)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn Conn, control CompletionHandler)

func (f HandlerFunc) Handle(ctx context.Context, conn Conn, control CompletionHandler) {
	f(ctx, conn, control)
}

// Acceptor owns a listening socket and dispatches every accepted connection to a worker.
type Acceptor struct {
	cfg     Config
	ln      net.Listener
	tracker activity.Tracker
	logger  zerolog.Logger

	stopOnce sync.Once
	stopped  chan struct{}

	mu    sync.Mutex
	conns map[*remote.StreamConnection[protocol.Message]]struct{}
}

// Listen binds the listener. Activity notifications from sessions go to tracker.
func Listen(cfg Config, tracker activity.Tracker) (*Acceptor, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d", cfg.Workers)
	}
	if tracker == nil {
		tracker = activity.Nop{}
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	a := &Acceptor{
		cfg:     cfg,
		ln:      ln,
		tracker: tracker,
		stopped: make(chan struct{}),
		conns:   make(map[*remote.StreamConnection[protocol.Message]]struct{}),
	}
	a.logger = log.WithComponent("acceptor").With().Str(log.FieldLocal, a.Addr().String()).Logger()
	return a, nil
}

// Addr returns the bound address.
func (a *Acceptor) Addr() remote.Address {
	return remote.AddressOf(a.ln.Addr())
}

// Stop closes the listener. Connection attempts after Stop returns fail. Idempotent.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopped)
		if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			a.logger.Warn().Err(err).Msg("closing listener failed")
		}
		a.logger.Info().Str(log.FieldEvent, "acceptor.stopped").Msg("acceptor stopped accepting connections")
	})
}

// Done is closed once Stop has been called.
func (a *Acceptor) Done() <-chan struct{} {
	return a.stopped
}

// Active returns the number of connections currently being served.
func (a *Acceptor) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Accept runs the accept loop until Stop is called or ctx is cancelled, then drains
// in-flight workers. It returns ctx.Err() when terminated by ctx and nil after Stop.
func (a *Acceptor) Accept(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("accept: nil handler")
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-watchDone:
		}
	}()

	var g errgroup.Group
	var slots chan struct{}
	if a.cfg.Workers > 0 {
		slots = make(chan struct{}, a.cfg.Workers)
	}

	a.logger.Info().
		Str(log.FieldEvent, "acceptor.started").
		Int("workers", a.cfg.Workers).
		Msg("accepting connections")

	var backoff time.Duration
loop:
	for {
		nc, err := a.ln.Accept()
		if err != nil {
			if a.isStopped() || errors.Is(err, net.ErrClosed) {
				break
			}
			backoff = nextBackoff(backoff)
			a.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			select {
			case <-time.After(backoff):
				continue
			case <-a.stopped:
			}
			break
		}
		backoff = 0
		metrics.RecordAccepted()

		conn := remote.NewStreamConnection[protocol.Message](nc, protocol.Codec{})
		if slots != nil {
			// A full pool must not keep Stop from reaching drain.
			select {
			case slots <- struct{}{}:
			case <-a.stopped:
				a.logger.Debug().
					Str(log.FieldPeer, conn.RemoteAddress().String()).
					Msg("dropping connection accepted while the pool was full")
				conn.Stop()
				break loop
			}
		}
		a.track(conn)
		g.Go(func() error {
			if slots != nil {
				defer func() { <-slots }()
			}
			a.serve(workerCtx, h, conn)
			return nil
		})
	}

	a.Stop()
	a.drain(&g, cancelWorkers)
	return ctx.Err()
}

func (a *Acceptor) serve(ctx context.Context, h Handler, conn *remote.StreamConnection[protocol.Message]) {
	defer a.untrack(conn)
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordWorkerPanic()
			a.logger.Error().
				Str(log.FieldEvent, "acceptor.worker_panic").
				Str(log.FieldPeer, conn.RemoteAddress().String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("connection worker panicked")
			conn.Stop()
		}
	}()
	h.Handle(ctx, conn, &control{acceptor: a})
}

func (a *Acceptor) drain(g *errgroup.Group, cancelWorkers context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	if a.cfg.DrainTimeout <= 0 {
		<-done
		return
	}

	select {
	case <-done:
		return
	case <-time.After(a.cfg.DrainTimeout):
	}

	a.mu.Lock()
	pending := make([]*remote.StreamConnection[protocol.Message], 0, len(a.conns))
	for c := range a.conns {
		pending = append(pending, c)
	}
	a.mu.Unlock()

	a.logger.Warn().
		Str(log.FieldEvent, "acceptor.drain_timeout").
		Int("connections", len(pending)).
		Dur("drain_timeout", a.cfg.DrainTimeout).
		Msg("workers still running; stopping their connections")
	cancelWorkers()
	for _, c := range pending {
		c.Stop()
	}
	<-done
}

func (a *Acceptor) isStopped() bool {
	select {
	case <-a.stopped:
		return true
	default:
		return false
	}
}

func (a *Acceptor) track(c *remote.StreamConnection[protocol.Message]) {
	a.mu.Lock()
	a.conns[c] = struct{}{}
	a.mu.Unlock()
}

func (a *Acceptor) untrack(c *remote.StreamConnection[protocol.Message]) {
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

type control struct {
	acceptor *Acceptor
}

func (c *control) OnStartActivity()    { c.acceptor.tracker.OnStartActivity() }
func (c *control) OnActivityComplete() { c.acceptor.tracker.OnActivityComplete() }
func (c *control) Stop()               { c.acceptor.Stop() }
