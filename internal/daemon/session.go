// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/buildd/internal/connector"
	"github.com/ManuGH/buildd/internal/fsm"
	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/metrics"
	"github.com/ManuGH/buildd/internal/output"
	"github.com/ManuGH/buildd/internal/protocol"
	"github.com/ManuGH/buildd/internal/telemetry"
)

// Engine executes build actions. Output events are published on output.FromContext(ctx).
type Engine interface {
	Execute(ctx context.Context, action protocol.Action, params protocol.BuildParameters) (any, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, action protocol.Action, params protocol.BuildParameters) (any, error)

func (f EngineFunc) Execute(ctx context.Context, action protocol.Action, params protocol.BuildParameters) (any, error) {
	return f(ctx, action, params)
}

// Reporter renders a build fault to the user. It is called exactly once per fault,
// while the client's output subscription is still attached.
type Reporter interface {
	Report(ctx context.Context, err error, meta protocol.ClientMetadata)
}

// SessionDeps are the collaborators of a SessionHandler.
type SessionDeps struct {
	Engine   Engine
	Reporter Reporter
	// Environment defaults to ProcessEnvironment.
	Environment Environment
	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer
}

// Validate checks if the dependencies are valid.
func (d *SessionDeps) Validate() error {
	if d.Engine == nil {
		return ErrMissingEngine
	}
	if d.Reporter == nil {
		return ErrMissingReporter
	}
	return nil
}

// SessionHandler serves one command per connection. It implements connector.Handler.
type SessionHandler struct {
	engine   Engine
	reporter Reporter
	env      Environment
	tracer   trace.Tracer
	logger   zerolog.Logger
}

var _ connector.Handler = (*SessionHandler)(nil)

// NewSessionHandler validates deps and returns a handler.
func NewSessionHandler(deps SessionDeps) (*SessionHandler, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session dependencies: %w", err)
	}
	h := &SessionHandler{
		engine:   deps.Engine,
		reporter: deps.Reporter,
		env:      deps.Environment,
		tracer:   deps.Tracer,
		logger:   log.WithComponent("session"),
	}
	if h.env == nil {
		h.env = ProcessEnvironment{}
	}
	if h.tracer == nil {
		h.tracer = telemetry.Tracer("github.com/ManuGH/buildd/internal/daemon")
	}
	return h, nil
}

// Session states.
type State string

const (
	StateAwaitCommand State = "await_command"
	StateExecuting    State = "executing"
	StateStopping     State = "stopping"
	StateCompleting   State = "completing"
	StateClosed       State = "closed"
)

type sessionEvent string

const (
	evBuild    sessionEvent = "build"
	evStop     sessionEvent = "stop"
	evReject   sessionEvent = "reject"
	evComplete sessionEvent = "complete"
	evClose    sessionEvent = "close"
	evAbort    sessionEvent = "abort"
)

var sessionTransitions = []fsm.Transition[State, sessionEvent]{
	{From: StateAwaitCommand, Event: evBuild, To: StateExecuting},
	{From: StateAwaitCommand, Event: evStop, To: StateStopping},
	{From: StateAwaitCommand, Event: evReject, To: StateCompleting},
	{From: StateAwaitCommand, Event: evAbort, To: StateClosed},
	{From: StateExecuting, Event: evComplete, To: StateCompleting},
	{From: StateStopping, Event: evComplete, To: StateCompleting},
	{From: StateCompleting, Event: evClose, To: StateClosed},
}

// Handle runs the session protocol on conn. conn is always stopped on return.
func (h *SessionHandler) Handle(ctx context.Context, conn connector.Conn, control connector.CompletionHandler) {
	sessionID := uuid.NewString()
	ctx = log.ContextWithSessionID(ctx, sessionID)
	ctx, span := h.tracer.Start(ctx, "buildd.session", trace.WithAttributes(
		telemetry.SessionAttributes(sessionID, conn.RemoteAddress().String())...,
	))
	defer span.End()

	logger := log.WithContext(ctx, h.logger).With().
		Str(log.FieldPeer, conn.RemoteAddress().String()).
		Logger()

	machine, err := fsm.New(StateAwaitCommand, sessionTransitions, func(from, to State, ev sessionEvent) {
		metrics.RecordTransition(string(from), string(to))
		logger.Debug().
			Str(log.FieldOldState, string(from)).
			Str(log.FieldNewState, string(to)).
			Msg("session transition")
	})
	if err != nil {
		// Static table; unreachable unless sessionTransitions is edited incorrectly.
		panic(err)
	}

	s := &session{
		h:       h,
		ctx:     ctx,
		conn:    conn,
		control: control,
		machine: machine,
		span:    span,
		logger:  logger,
		outcome: metrics.OutcomeAborted,
	}
	s.run()
}

type session struct {
	h       *SessionHandler
	ctx     context.Context
	conn    connector.Conn
	control connector.CompletionHandler
	machine *fsm.Machine[State, sessionEvent]
	span    trace.Span
	logger  zerolog.Logger

	activityOnce sync.Once
	sent         bool
	outcome      string
}

func (s *session) run() {
	s.control.OnStartActivity()
	metrics.RecordSessionStart()
	s.logger.Debug().Str(log.FieldEvent, "session.start").Msg("session started")

	defer s.finish()

	msg, err := s.conn.Receive()
	if errors.Is(err, io.EOF) {
		s.logger.Info().Str(log.FieldEvent, "session.aborted").Msg("peer disconnected before sending a command")
		s.fire(evAbort)
		return
	}

	var result *protocol.CommandComplete
	switch cmd := msg.(type) {
	case nil:
		s.logger.Error().Err(err).Str(log.FieldEvent, "session.receive_failed").Msg("could not receive command")
		s.fire(evReject)
		result = protocol.Failed(err, false)
		s.outcome = metrics.OutcomeFailure
	case *protocol.Stop:
		metrics.RecordCommand(protocol.KindStop.String())
		s.span.SetAttributes(telemetry.CommandAttributes(protocol.KindStop.String(), "")...)
		s.fire(evStop)
		s.logger.Info().Str(log.FieldEvent, "session.stop").Msg("stop requested; no further connections will be accepted")
		s.control.Stop()
		result = &protocol.CommandComplete{}
		s.outcome = metrics.OutcomeStopped
		s.fire(evComplete)
	case *protocol.Build:
		metrics.RecordCommand(protocol.KindBuild.String())
		s.span.SetAttributes(telemetry.CommandAttributes(protocol.KindBuild.String(), cmd.Action.Name)...)
		s.fire(evBuild)
		result = s.build(cmd)
		s.fire(evComplete)
	default:
		unexpected := fmt.Errorf("%w: got %s", ErrUnexpectedMessage, msg.Kind())
		s.logger.Error().Err(unexpected).Str(log.FieldEvent, "session.protocol_violation").Msg("protocol violation")
		s.fire(evReject)
		result = protocol.Failed(unexpected, false)
		s.outcome = metrics.OutcomeFailure
	}

	s.complete(result)
}

// complete signals activity end and sends the single completion message.
func (s *session) complete(result *protocol.CommandComplete) {
	s.completeActivity()
	s.sent = true
	if err := s.conn.Dispatch(result); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldEvent, "session.complete_failed").Msg("could not send completion")
		s.outcome = metrics.OutcomeDeadPeer
		return
	}
	s.logger.Info().
		Str(log.FieldEvent, "session.completed").
		Str(log.FieldOutcome, s.outcome).
		Msg("session completed")
}

// finish runs on every exit path, including panics outside the engine.
func (s *session) finish() {
	if r := recover(); r != nil {
		s.logger.Error().
			Str(log.FieldEvent, "session.panic").
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("unexpected fault in session")
		s.outcome = metrics.OutcomeFailure
		if !s.sent {
			s.complete(protocol.Failed(fmt.Errorf("internal daemon error: %v", r), false))
		}
	}

	s.completeActivity()
	s.conn.Stop()
	if s.machine.Can(evClose) {
		s.fire(evClose)
	}
	metrics.RecordSessionEnd(s.outcome)
	telemetry.RecordSession(s.ctx, s.outcome)

	s.span.SetAttributes(attribute.String(telemetry.OutcomeKey, s.outcome))
	if s.outcome == metrics.OutcomeFailure {
		s.span.SetStatus(codes.Error, "session failed")
	}
}

func (s *session) completeActivity() {
	s.activityOnce.Do(s.control.OnActivityComplete)
}

func (s *session) fire(ev sessionEvent) {
	if _, err := s.machine.Fire(s.ctx, ev); err != nil {
		s.logger.Error().Err(err).Msg("session state machine rejected event")
	}
}

func (s *session) build(cmd *protocol.Build) *protocol.CommandComplete {
	logger := s.logger.With().Str(log.FieldAction, cmd.Action.Name).Logger()
	logger.Info().
		Str(log.FieldEvent, "session.build").
		Str("working_dir", cmd.Parameters.WorkingDir).
		Msg("executing build")

	router := output.NewRouter()
	sub := router.Subscribe(output.SinkFunc(func(ev *protocol.OutputEvent) error {
		if err := s.conn.Dispatch(ev); err != nil {
			return err
		}
		metrics.RecordOutputEvent()
		return nil
	}))
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Debug().Err(err).Msg("output forwarding had stopped early")
		}
	}()
	ctx := output.WithRouter(s.ctx, router)

	restore, err := s.h.env.Apply(cmd.Parameters.Overrides())
	defer restore()
	if err != nil {
		return s.fail(ctx, err, cmd.ClientMetadata)
	}

	start := time.Now()
	value, err := s.execute(ctx, cmd)
	elapsed := time.Since(start)
	metrics.ObserveBuild(elapsed)
	telemetry.RecordBuildDuration(ctx, cmd.Action.Name, elapsed)
	if err != nil {
		return s.fail(ctx, err, cmd.ClientMetadata)
	}

	result, err := protocol.Success(value)
	if err != nil {
		return s.fail(ctx, err, cmd.ClientMetadata)
	}
	s.outcome = metrics.OutcomeSuccess
	return result
}

func (s *session) execute(ctx context.Context, cmd *protocol.Build) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str(log.FieldEvent, "session.engine_panic").
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("build engine panicked")
			value, err = nil, fmt.Errorf("%w: %v", ErrEnginePanic, r)
		}
	}()
	return s.h.engine.Execute(ctx, cmd.Action, cmd.Parameters)
}

// fail reports err unless it was already reported and returns the failure completion.
func (s *session) fail(ctx context.Context, err error, meta protocol.ClientMetadata) *protocol.CommandComplete {
	s.outcome = metrics.OutcomeFailure
	s.span.SetAttributes(telemetry.ErrorAttributes(err)...)
	reported := s.h.reportOnce(ctx, s.logger, err, meta)
	return protocol.Failed(reported.Err, true)
}

func (h *SessionHandler) reportOnce(ctx context.Context, logger zerolog.Logger, err error, meta protocol.ClientMetadata) *ReportedError {
	var already *ReportedError
	if errors.As(err, &already) {
		return already
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str(log.FieldEvent, "session.reporter_panic").
					Interface("panic", r).
					AnErr("fault", err).
					Msg("exception reporter panicked")
			}
		}()
		h.reporter.Report(ctx, err, meta)
	}()
	return &ReportedError{Err: err}
}
