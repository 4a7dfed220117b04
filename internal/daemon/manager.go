// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/buildd/internal/admin"
	"github.com/ManuGH/buildd/internal/log"
)

// DefaultShutdownTimeout bounds shutdown hooks when ManagerConfig leaves it unset.
const DefaultShutdownTimeout = 30 * time.Second

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager manages the daemon lifecycle: accepting connections, discovery, admin and shutdown.
type Manager interface {
	// Start runs all configured services and blocks until the acceptor stops,
	// a service fails or ctx is cancelled. Shutdown has completed when it returns.
	Start(ctx context.Context) error

	// Shutdown stops accepting connections, waits for in-flight sessions and runs hooks.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook registers a function to be called during shutdown
	RegisterShutdownHook(name string, hook ShutdownHook)

	// Status returns a snapshot for the admin surface.
	Status() admin.Status
}

// ManagerConfig tunes the manager.
type ManagerConfig struct {
	ShutdownTimeout time.Duration
}

type manager struct {
	cfg  ManagerConfig
	deps Deps

	shutdownHooks []namedHook

	started  bool
	stopping bool
	mu       sync.Mutex

	acceptDone    chan struct{}
	acceptErr     error
	cancelSideJob context.CancelFunc
	sideJobs      sync.WaitGroup

	logger zerolog.Logger
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager creates a new daemon manager with the given configuration and dependencies.
func NewManager(cfg ManagerConfig, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &manager{
		cfg:        cfg,
		deps:       deps,
		acceptDone: make(chan struct{}),
		logger:     deps.Logger.With().Str(log.FieldComponent, "manager").Logger(),
	}, nil
}

func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	ctx = log.ContextWithDaemonID(ctx, m.deps.Identity.DaemonID)
	sideCtx, cancel := context.WithCancel(ctx)
	m.cancelSideJob = cancel
	m.mu.Unlock()

	m.logger.Info().
		Str(log.FieldDaemonID, m.deps.Identity.DaemonID).
		Str(log.FieldLocal, m.deps.Acceptor.Addr().String()).
		Int("pid", m.deps.Identity.Pid).
		Msg("Starting daemon manager")

	errChan := make(chan error, 1)

	if m.deps.Monitor != nil {
		m.RegisterShutdownHook("activity-monitor", func(context.Context) error {
			m.deps.Monitor.Close()
			return nil
		})
	}

	if m.deps.Admin != nil {
		adminSrv := m.deps.Admin
		m.RegisterShutdownHook("admin-server", adminSrv.Shutdown)
		go func() {
			if err := adminSrv.Serve(); err != nil {
				m.logger.Error().Err(err).Str(log.FieldEvent, "admin.failed").Msg("Admin server failed")
				select {
				case errChan <- err:
				default:
				}
			}
		}()
	}

	if m.deps.Announcer != nil {
		m.sideJobs.Add(1)
		go func() {
			defer m.sideJobs.Done()
			if err := m.deps.Announcer.Run(sideCtx); err != nil {
				m.logger.Warn().Err(err).Str(log.FieldEvent, "discovery.failed").Msg("Discovery announcer stopped")
			}
		}()
	}

	go func() {
		m.acceptErr = m.deps.Acceptor.Accept(ctx, m.deps.Handler)
		close(m.acceptDone)
	}()

	var cause error
	select {
	case <-m.acceptDone:
		if ctx.Err() != nil {
			m.logger.Info().Msg("Shutdown signal received")
		} else {
			m.logger.Info().Str(log.FieldEvent, "daemon.stop_requested").Msg("Acceptor stopped, shutting down")
		}
	case cause = <-errChan:
		m.logger.Error().Err(cause).Msg("Service error, initiating shutdown")
	}

	// Detached-but-bounded so shutdown completes even when ctx is already cancelled.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := m.Shutdown(shutdownCtx); err != nil {
		if cause != nil {
			return fmt.Errorf("service error and shutdown failure: %w", errors.Join(cause, err))
		}
		return err
	}
	return cause
}

func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("shutdown context is nil")
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := append([]namedHook(nil), m.shutdownHooks...)
	m.mu.Unlock()

	m.logger.Info().Msg("Shutting down daemon manager")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	// In-flight sessions are drained by the acceptor itself.
	m.deps.Acceptor.Stop()
	select {
	case <-m.acceptDone:
		if m.acceptErr != nil && !errors.Is(m.acceptErr, context.Canceled) {
			errs = append(errs, fmt.Errorf("acceptor: %w", m.acceptErr))
		}
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", shutdownCtx.Err()))
	}

	m.cancelSideJob()
	m.sideJobs.Wait()

	m.logger.Debug().Int("hooks", len(hooks)).Msg("Executing shutdown hooks")
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		hookStart := time.Now()
		if err := hook.hook(shutdownCtx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", hook.name).
				Dur("duration", time.Since(hookStart)).
				Msg("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", hook.name).
			Dur("duration", time.Since(hookStart)).
			Msg("Shutdown hook completed")
	}

	if len(errs) > 0 {
		m.logger.Error().Int("error_count", len(errs)).Msg("Shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	m.logger.Info().Msg("Daemon manager stopped cleanly")
	return nil
}

func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("Registered shutdown hook")
}

func (m *manager) Status() admin.Status {
	id := m.deps.Identity
	st := admin.Status{
		DaemonID:       id.DaemonID,
		Version:        id.Version,
		Pid:            id.Pid,
		StartedAt:      id.StartedAt,
		ControlAddress: m.deps.Acceptor.Addr().String(),
		ActiveSessions: m.deps.Acceptor.Active(),
	}
	if mon := m.deps.Monitor; mon != nil {
		st.Busy = mon.Busy()
		st.IdleSince = mon.IdleSince()
	}
	select {
	case <-m.deps.Acceptor.Done():
		st.Stopping = true
	default:
	}
	return st
}
