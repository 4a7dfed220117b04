// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state string
type event string

const (
	idle    state = "idle"
	running state = "running"
	done    state = "done"

	start  event = "start"
	finish event = "finish"
)

func TestMachine_FireAndObserve(t *testing.T) {
	var seen []string
	var actions int
	m, err := New(idle, []Transition[state, event]{
		{From: idle, Event: start, To: running, Action: func(context.Context, state, state, event) error {
			actions++
			return nil
		}},
		{From: running, Event: finish, To: done},
	}, func(from, to state, ev event) {
		seen = append(seen, string(from)+">"+string(to))
	})
	require.NoError(t, err)

	assert.True(t, m.Can(start))
	assert.False(t, m.Can(finish))

	to, err := m.Fire(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, running, to)
	assert.Equal(t, done, m.MustFire(context.Background(), finish))
	assert.Equal(t, 1, actions)
	assert.Equal(t, []string{"idle>running", "running>done"}, seen)
	assert.Equal(t, done, m.State())
}

func TestMachine_InvalidTransition(t *testing.T) {
	m, err := New(idle, []Transition[state, event]{{From: idle, Event: start, To: running}})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), finish)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, idle, m.State())
	assert.Panics(t, func() { m.MustFire(context.Background(), finish) })
}

func TestMachine_GuardAndActionErrorsKeepState(t *testing.T) {
	errGuard := errors.New("guard")
	errAction := errors.New("action")
	m, err := New(idle, []Transition[state, event]{
		{From: idle, Event: start, To: running, Guard: func(context.Context, state, event) error { return errGuard }},
		{From: idle, Event: finish, To: done, Action: func(context.Context, state, state, event) error { return errAction }},
	})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), start)
	require.ErrorIs(t, err, errGuard)
	_, err = m.Fire(context.Background(), finish)
	require.ErrorIs(t, err, errAction)
	assert.Equal(t, idle, m.State())
}

func TestNew_RejectsDuplicateEdges(t *testing.T) {
	_, err := New(idle, []Transition[state, event]{
		{From: idle, Event: start, To: running},
		{From: idle, Event: start, To: done},
	})
	require.Error(t, err)
}
