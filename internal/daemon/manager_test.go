// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/buildd/internal/activity"
	"github.com/ManuGH/buildd/internal/admin"
	"github.com/ManuGH/buildd/internal/client"
	"github.com/ManuGH/buildd/internal/connector"
	"github.com/ManuGH/buildd/internal/log"
	"github.com/ManuGH/buildd/internal/protocol"
)

func testIdentity() Identity {
	return Identity{DaemonID: "daemon-test", Version: "0.0.1", Pid: 1234, StartedAt: time.Unix(1700000000, 0).UTC()}
}

func newTestManager(t *testing.T, deps Deps) (Manager, *connector.Acceptor) {
	t.Helper()
	if deps.Acceptor == nil {
		var tracker activity.Tracker
		if deps.Monitor != nil {
			tracker = deps.Monitor
		}
		a, err := connector.Listen(connector.Config{}, tracker)
		require.NoError(t, err)
		deps.Acceptor = a
	}
	if deps.Handler == nil {
		h, err := NewSessionHandler(SessionDeps{
			Engine:      EngineFunc(func(context.Context, protocol.Action, protocol.BuildParameters) (any, error) { return "ok", nil }),
			Reporter:    &recordingReporter{},
			Environment: NopEnvironment{},
		})
		require.NoError(t, err)
		deps.Handler = h
	}
	if deps.Logger.GetLevel() == zerolog.Disabled {
		deps.Logger = log.WithComponent("test")
	}
	deps.Identity = testIdentity()

	mgr, err := NewManager(ManagerConfig{ShutdownTimeout: 5 * time.Second}, deps)
	require.NoError(t, err)
	return mgr, deps.Acceptor
}

func startManager(mgr Manager, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- mgr.Start(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
		return nil
	}
}

func TestDeps_Validate(t *testing.T) {
	a, err := connector.Listen(connector.Config{}, nil)
	require.NoError(t, err)
	defer a.Stop()
	h := connector.HandlerFunc(func(context.Context, connector.Conn, connector.CompletionHandler) {})

	tests := []struct {
		name string
		deps Deps
		want error
	}{
		{"missing logger", Deps{Logger: zerolog.Nop(), Acceptor: a, Handler: h}, ErrMissingLogger},
		{"missing acceptor", Deps{Logger: log.WithComponent("test"), Handler: h}, ErrMissingAcceptor},
		{"missing handler", Deps{Logger: log.WithComponent("test"), Acceptor: a}, ErrMissingHandler},
		{"valid", Deps{Logger: log.WithComponent("test"), Acceptor: a, Handler: h}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.deps.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)

			_, err = NewManager(ManagerConfig{}, tt.deps)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestManager_StopCommandEndsStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mgr, acceptor := newTestManager(t, Deps{})

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		mgr.RegisterShutdownHook(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	done := startManager(mgr, context.Background())
	require.NoError(t, client.Stop(context.Background(), acceptor.Addr()))
	require.NoError(t, waitErr(t, done))

	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.True(t, mgr.Status().Stopping)
}

func TestManager_ContextCancelShutsDown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mgr, _ := newTestManager(t, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := startManager(mgr, ctx)

	require.Eventually(t, func() bool { return mgr.Status().ControlAddress != "" }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))
	assert.NoError(t, mgr.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	mgr, acceptor := newTestManager(t, Deps{})
	defer acceptor.Stop()
	assert.ErrorIs(t, mgr.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestManager_StartTwice(t *testing.T) {
	mgr, acceptor := newTestManager(t, Deps{})
	done := startManager(mgr, context.Background())
	require.Eventually(t, func() bool { return acceptor.Addr().Port != 0 }, time.Second, 10*time.Millisecond)

	assert.Error(t, mgr.Start(context.Background()))

	require.NoError(t, mgr.Shutdown(context.Background()))
	require.NoError(t, waitErr(t, done))
}

func TestManager_HookErrorsAreJoined(t *testing.T) {
	mgr, acceptor := newTestManager(t, Deps{})
	boom := errors.New("flush failed")
	mgr.RegisterShutdownHook("flaky", func(context.Context) error { return boom })

	done := startManager(mgr, context.Background())
	require.NoError(t, client.Stop(context.Background(), acceptor.Addr()))

	err := waitErr(t, done)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "hook flaky")
}

func TestManager_StatusAndAdmin(t *testing.T) {
	monitor := activity.NewMonitor(0, nil)
	var mgr Manager
	srv, err := admin.Listen(admin.Config{ListenAddr: "127.0.0.1:0"}, admin.StatusFunc(func() admin.Status {
		return mgr.Status()
	}))
	require.NoError(t, err)

	mgr, acceptor := newTestManager(t, Deps{Monitor: monitor, Admin: srv})
	done := startManager(mgr, context.Background())

	var st admin.Status
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr().String() + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&st) == nil
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "daemon-test", st.DaemonID)
	assert.Equal(t, 1234, st.Pid)
	assert.Equal(t, acceptor.Addr().String(), st.ControlAddress)
	assert.Zero(t, st.Busy)
	assert.False(t, st.Stopping)

	require.NoError(t, mgr.Shutdown(context.Background()))
	require.NoError(t, waitErr(t, done))

	_, err = http.Get("http://" + srv.Addr().String() + "/status")
	assert.Error(t, err, "admin server is shut down by its hook")
}

func TestManager_SessionContextCarriesDaemonID(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	seen := make(chan string, 1)
	handler := connector.HandlerFunc(func(ctx context.Context, conn connector.Conn, control connector.CompletionHandler) {
		defer conn.Stop()
		seen <- log.DaemonIDFromContext(ctx)
		if _, err := conn.Receive(); err == nil {
			control.Stop()
			_ = conn.Dispatch(&protocol.CommandComplete{})
		}
	})
	mgr, acceptor := newTestManager(t, Deps{Handler: handler})
	done := startManager(mgr, context.Background())

	require.NoError(t, client.Stop(context.Background(), acceptor.Addr()))
	assert.Equal(t, testIdentity().DaemonID, <-seen)
	require.NoError(t, waitErr(t, done))
}
