// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/buildd/internal/connector"
	"github.com/ManuGH/buildd/internal/output"
	"github.com/ManuGH/buildd/internal/protocol"
	"github.com/ManuGH/buildd/internal/remote"
)

type countingTracker struct {
	started, completed atomic.Int32
}

func (c *countingTracker) OnStartActivity()    { c.started.Add(1) }
func (c *countingTracker) OnActivityComplete() { c.completed.Add(1) }

type recordingReporter struct {
	mu     sync.Mutex
	faults []error
	emit   string
	panics bool
}

func (r *recordingReporter) Report(ctx context.Context, err error, _ protocol.ClientMetadata) {
	r.mu.Lock()
	r.faults = append(r.faults, err)
	r.mu.Unlock()
	if r.emit != "" {
		output.Emit(ctx, protocol.OutputEvent{Level: "error", Message: r.emit})
	}
	if r.panics {
		panic("reporter exploded")
	}
}

func (r *recordingReporter) calls() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.faults...)
}

type fixture struct {
	acceptor *connector.Acceptor
	tracker  *countingTracker
	once     sync.Once
	done     chan error
}

func (f *fixture) shutdown(t *testing.T) {
	t.Helper()
	f.once.Do(func() {
		f.acceptor.Stop()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Fatal("acceptor did not drain")
		}
	})
}

func serveSessions(t *testing.T, deps SessionDeps) *fixture {
	t.Helper()
	if deps.Environment == nil {
		deps.Environment = NopEnvironment{}
	}
	h, err := NewSessionHandler(deps)
	require.NoError(t, err)

	f := &fixture{tracker: &countingTracker{}, done: make(chan error, 1)}
	f.acceptor, err = connector.Listen(connector.Config{}, f.tracker)
	require.NoError(t, err)
	go func() { f.done <- f.acceptor.Accept(context.Background(), h) }()
	t.Cleanup(func() { f.shutdown(t) })
	return f
}

// exchange sends cmd and collects every message until the daemon closes the connection.
func exchange(t *testing.T, addr remote.Address, cmd protocol.Message) []protocol.Message {
	t.Helper()
	conn, err := connector.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Stop()

	require.NoError(t, conn.Dispatch(cmd))
	var got []protocol.Message
	for {
		msg, err := conn.Receive()
		if errors.Is(err, io.EOF) {
			return got
		}
		require.NoError(t, err)
		got = append(got, msg)
	}
}

func build(name string) *protocol.Build {
	return &protocol.Build{
		Action:         protocol.Action{Name: name},
		ClientMetadata: protocol.ClientMetadata{Hostname: "ci", Pid: 7},
	}
}

func TestSession_SuccessfulBuildStreamsEventsThenCompletion(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reporter := &recordingReporter{}
	f := serveSessions(t, SessionDeps{
		Reporter: reporter,
		Engine: EngineFunc(func(ctx context.Context, action protocol.Action, _ protocol.BuildParameters) (any, error) {
			output.Emit(ctx, protocol.OutputEvent{Message: "e1"})
			output.Emit(ctx, protocol.OutputEvent{Message: "e2"})
			return "V", nil
		}),
	})

	got := exchange(t, f.acceptor.Addr(), build("assemble"))
	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0].(*protocol.OutputEvent).Message)
	assert.Equal(t, "e2", got[1].(*protocol.OutputEvent).Message)

	done := got[2].(*protocol.CommandComplete)
	require.NoError(t, done.Err())
	var v string
	require.NoError(t, done.DecodeValue(&v))
	assert.Equal(t, "V", v)
	assert.Empty(t, reporter.calls())

	f.shutdown(t)
	assert.Equal(t, int32(1), f.tracker.started.Load())
	assert.Equal(t, int32(1), f.tracker.completed.Load())
}

func TestSession_FailedBuildIsReportedExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fault := errors.New("compilation failed")
	reporter := &recordingReporter{}
	f := serveSessions(t, SessionDeps{
		Reporter: reporter,
		Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
			return nil, fault
		}),
	})

	got := exchange(t, f.acceptor.Addr(), build("compile"))
	require.Len(t, got, 1)
	done := got[0].(*protocol.CommandComplete)
	require.NotNil(t, done.Failure)
	assert.True(t, done.Failure.Reported)
	assert.Equal(t, "compilation failed", done.Failure.Message)

	calls := reporter.calls()
	require.Len(t, calls, 1)
	assert.Same(t, fault, calls[0])
}

func TestSession_AlreadyReportedFaultIsNotReportedAgain(t *testing.T) {
	reporter := &recordingReporter{}
	f := serveSessions(t, SessionDeps{
		Reporter: reporter,
		Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
			return nil, &ReportedError{Err: errors.New("already shown")}
		}),
	})

	got := exchange(t, f.acceptor.Addr(), build("compile"))
	require.Len(t, got, 1)
	done := got[0].(*protocol.CommandComplete)
	require.NotNil(t, done.Failure)
	assert.True(t, done.Failure.Reported)
	assert.Equal(t, "already shown", done.Failure.Message)
	assert.Empty(t, reporter.calls())
}

func TestSession_ReportRendersToClientBeforeCompletion(t *testing.T) {
	reporter := &recordingReporter{emit: "BUILD FAILED"}
	f := serveSessions(t, SessionDeps{
		Reporter: reporter,
		Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
			return nil, errors.New("boom")
		}),
	})

	got := exchange(t, f.acceptor.Addr(), build("compile"))
	require.Len(t, got, 2)
	assert.Equal(t, "BUILD FAILED", got[0].(*protocol.OutputEvent).Message)
	require.Error(t, got[1].(*protocol.CommandComplete).Err())
}

func TestSession_EngineAndReporterPanicsBecomeFailures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reporter := &recordingReporter{panics: true}
	f := serveSessions(t, SessionDeps{
		Reporter: reporter,
		Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
			panic("engine exploded")
		}),
	})

	for i := 0; i < 2; i++ {
		got := exchange(t, f.acceptor.Addr(), build("compile"))
		require.Len(t, got, 1)
		done := got[0].(*protocol.CommandComplete)
		require.NotNil(t, done.Failure)
		assert.True(t, done.Failure.Reported)
		assert.Contains(t, done.Failure.Message, "engine exploded")
	}

	calls := reporter.calls()
	require.Len(t, calls, 2)
	assert.ErrorIs(t, calls[0], ErrEnginePanic)

	f.shutdown(t)
	assert.Equal(t, int32(2), f.tracker.started.Load())
	assert.Equal(t, int32(2), f.tracker.completed.Load())
}

func TestSession_StopCompletesEmptyAndRefusesNewConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := serveSessions(t, SessionDeps{
		Reporter: &recordingReporter{},
		Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
			t.Error("engine must not run for stop")
			return nil, nil
		}),
	})
	addr := f.acceptor.Addr()

	got := exchange(t, addr, &protocol.Stop{})
	require.Len(t, got, 1)
	done := got[0].(*protocol.CommandComplete)
	require.NoError(t, done.Err())
	assert.Empty(t, done.Value)

	_, err := connector.Dial(context.Background(), addr)
	require.Error(t, err)
}

func TestSession_PeerDisconnectIsAborted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := serveSessions(t, SessionDeps{
		Reporter: &recordingReporter{},
		Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
			return nil, nil
		}),
	})

	conn, err := connector.Dial(context.Background(), f.acceptor.Addr())
	require.NoError(t, err)
	conn.Stop()

	require.Eventually(t, func() bool { return f.tracker.completed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), f.tracker.started.Load())
}

func TestSession_UnexpectedMessageFailsLoudly(t *testing.T) {
	reporter := &recordingReporter{}
	f := serveSessions(t, SessionDeps{
		Reporter: reporter,
		Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
			return nil, nil
		}),
	})

	got := exchange(t, f.acceptor.Addr(), &protocol.OutputEvent{Message: "not a command"})
	require.Len(t, got, 1)
	done := got[0].(*protocol.CommandComplete)
	require.NotNil(t, done.Failure)
	assert.False(t, done.Failure.Reported)
	assert.Contains(t, done.Failure.Message, ErrUnexpectedMessage.Error())
	assert.Empty(t, reporter.calls())
}

func TestSession_EnvironmentAppliedAndRestored(t *testing.T) {
	const key = "BUILDD_SESSION_TEST_OVERRIDE"
	require.NoError(t, os.Unsetenv(key))

	seen := make(chan string, 1)
	f := serveSessions(t, SessionDeps{
		Reporter:    &recordingReporter{},
		Environment: ProcessEnvironment{},
		Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
			seen <- os.Getenv(key)
			return nil, nil
		}),
	})

	cmd := build("env")
	cmd.Parameters.Environment = map[string]string{key: "on"}
	got := exchange(t, f.acceptor.Addr(), cmd)
	require.Len(t, got, 1)

	assert.Equal(t, "on", <-seen)
	_, present := os.LookupEnv(key)
	assert.False(t, present)
}

func TestSession_PropertiesAppliedAndRestored(t *testing.T) {
	const key = "BUILDD_PROP_SESSION_TEST_MODE"
	require.NoError(t, os.Unsetenv(key))

	seen := make(chan string, 1)
	f := serveSessions(t, SessionDeps{
		Reporter:    &recordingReporter{},
		Environment: ProcessEnvironment{},
		Engine: EngineFunc(func(_ context.Context, _ protocol.Action, params protocol.BuildParameters) (any, error) {
			assert.Equal(t, "fast", params.Properties["session.test.mode"])
			seen <- os.Getenv(key)
			return nil, nil
		}),
	})

	cmd := build("props")
	cmd.Parameters.Properties = map[string]string{"session.test.mode": "fast"}
	got := exchange(t, f.acceptor.Addr(), cmd)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].(*protocol.CommandComplete).Failure)

	assert.Equal(t, "fast", <-seen)
	_, present := os.LookupEnv(key)
	assert.False(t, present)
}

func TestNewSessionHandler_ValidatesDeps(t *testing.T) {
	_, err := NewSessionHandler(SessionDeps{Reporter: &recordingReporter{}})
	require.ErrorIs(t, err, ErrMissingEngine)

	_, err = NewSessionHandler(SessionDeps{Engine: EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) {
		return nil, nil
	})})
	require.ErrorIs(t, err, ErrMissingReporter)
}
