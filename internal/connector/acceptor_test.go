// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package connector

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/buildd/internal/metrics"
	"github.com/ManuGH/buildd/internal/protocol"
)

type countingTracker struct {
	started, completed atomic.Int32
}

func (c *countingTracker) OnStartActivity()    { c.started.Add(1) }
func (c *countingTracker) OnActivityComplete() { c.completed.Add(1) }

func startAcceptor(t *testing.T, cfg Config, h Handler) (*Acceptor, <-chan error) {
	t.Helper()
	a, err := Listen(cfg, nil)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- a.Accept(context.Background(), h) }()
	return a, errCh
}

func waitAccept(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not terminate")
		return nil
	}
}

func TestAcceptor_SlowSessionDoesNotBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	var served atomic.Int32
	a, errCh := startAcceptor(t, Config{}, HandlerFunc(func(ctx context.Context, conn Conn, control CompletionHandler) {
		defer conn.Stop()
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		if b, ok := msg.(*protocol.Build); ok && b.Action.Name == "slow" {
			<-release
		}
		served.Add(1)
		_ = conn.Dispatch(&protocol.CommandComplete{})
	}))

	ctx := context.Background()
	slow, err := Dial(ctx, a.Addr())
	require.NoError(t, err)
	defer slow.Stop()
	require.NoError(t, slow.Dispatch(&protocol.Build{Action: protocol.Action{Name: "slow"}}))

	fast, err := Dial(ctx, a.Addr())
	require.NoError(t, err)
	defer fast.Stop()
	require.NoError(t, fast.Dispatch(&protocol.Build{Action: protocol.Action{Name: "fast"}}))

	msg, err := fast.Receive()
	require.NoError(t, err)
	require.IsType(t, &protocol.CommandComplete{}, msg)
	assert.Equal(t, int32(1), served.Load())

	close(release)
	_, err = slow.Receive()
	require.NoError(t, err)

	a.Stop()
	require.NoError(t, waitAccept(t, errCh))
}

func TestAcceptor_StopFromHandlerRefusesLaterConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tracker := &countingTracker{}
	a, err := Listen(Config{}, tracker)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Accept(context.Background(), HandlerFunc(func(ctx context.Context, conn Conn, control CompletionHandler) {
			defer conn.Stop()
			control.OnStartActivity()
			defer control.OnActivityComplete()
			if _, err := conn.Receive(); err == nil {
				control.Stop()
				_ = conn.Dispatch(&protocol.CommandComplete{})
			}
		}))
	}()

	conn, err := Dial(context.Background(), a.Addr())
	require.NoError(t, err)
	defer conn.Stop()
	require.NoError(t, conn.Dispatch(&protocol.Stop{}))
	msg, err := conn.Receive()
	require.NoError(t, err)
	require.IsType(t, &protocol.CommandComplete{}, msg)

	require.NoError(t, waitAccept(t, errCh))
	_, err = Dial(context.Background(), a.Addr())
	require.Error(t, err)
	assert.Equal(t, int32(1), tracker.started.Load())
	assert.Equal(t, int32(1), tracker.completed.Load())
}

func TestAcceptor_ContextCancelStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a, err := Listen(Config{}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Accept(ctx, HandlerFunc(func(ctx context.Context, conn Conn, _ CompletionHandler) { conn.Stop() }))
	}()

	cancel()
	require.ErrorIs(t, waitAccept(t, errCh), context.Canceled)
	select {
	case <-a.Done():
	default:
		t.Fatal("acceptor not stopped after cancel")
	}
}

func TestAcceptor_RecoversWorkerPanic(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	a, errCh := startAcceptor(t, Config{}, HandlerFunc(func(ctx context.Context, conn Conn, _ CompletionHandler) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		defer conn.Stop()
		_ = conn.Dispatch(&protocol.CommandComplete{})
	}))

	first, err := Dial(context.Background(), a.Addr())
	require.NoError(t, err)
	defer first.Stop()
	_, err = first.Receive()
	require.ErrorIs(t, err, io.EOF)

	second, err := Dial(context.Background(), a.Addr())
	require.NoError(t, err)
	defer second.Stop()
	msg, err := second.Receive()
	require.NoError(t, err)
	require.IsType(t, &protocol.CommandComplete{}, msg)

	a.Stop()
	require.NoError(t, waitAccept(t, errCh))
}

func TestAcceptor_DrainTimeoutStopsConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	received := make(chan error, 1)
	entered := make(chan struct{})
	a, errCh := startAcceptor(t, Config{DrainTimeout: 50 * time.Millisecond}, HandlerFunc(func(ctx context.Context, conn Conn, _ CompletionHandler) {
		defer conn.Stop()
		close(entered)
		_, err := conn.Receive()
		received <- err
	}))

	idle, err := Dial(context.Background(), a.Addr())
	require.NoError(t, err)
	defer idle.Stop()
	<-entered

	a.Stop()
	require.NoError(t, waitAccept(t, errCh))
	require.True(t, errors.Is(<-received, io.EOF))
	assert.Equal(t, 0, a.Active())
}

func acceptedTotal(t *testing.T) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, metrics.AcceptorConnectionsTotal.Write(m))
	return m.GetCounter().GetValue()
}

func TestAcceptor_StopWithFullPoolStillDrains(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	before := acceptedTotal(t)
	received := make(chan error, 1)
	entered := make(chan struct{})
	a, errCh := startAcceptor(t, Config{Workers: 1, DrainTimeout: 100 * time.Millisecond}, HandlerFunc(func(ctx context.Context, conn Conn, _ CompletionHandler) {
		defer conn.Stop()
		close(entered)
		_, err := conn.Receive()
		received <- err
	}))

	busy, err := Dial(context.Background(), a.Addr())
	require.NoError(t, err)
	defer busy.Stop()
	<-entered

	queued, err := Dial(context.Background(), a.Addr())
	require.NoError(t, err)
	defer queued.Stop()
	require.Eventually(t, func() bool {
		return acceptedTotal(t) >= before+2
	}, 2*time.Second, 5*time.Millisecond)

	a.Stop()
	require.NoError(t, waitAccept(t, errCh))
	require.True(t, errors.Is(<-received, io.EOF))
	assert.Equal(t, 0, a.Active())

	_, err = queued.Receive()
	assert.Error(t, err)
}

func TestListen_RejectsNegativeWorkers(t *testing.T) {
	_, err := Listen(Config{Workers: -1}, nil)
	require.Error(t, err)
}
