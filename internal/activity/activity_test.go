// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package activity

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_CountsBusySessions(t *testing.T) {
	m := NewMonitor(0, nil)
	defer m.Close()

	assert.False(t, m.IdleSince().IsZero())
	m.OnStartActivity()
	m.OnStartActivity()
	assert.Equal(t, 2, m.Busy())
	assert.True(t, m.IdleSince().IsZero())

	m.OnActivityComplete()
	m.OnActivityComplete()
	m.OnActivityComplete() // unbalanced completion is ignored
	assert.Equal(t, 0, m.Busy())
	assert.False(t, m.IdleSince().IsZero())
}

func TestMonitor_IdleTimeoutFiresOnce(t *testing.T) {
	var fired atomic.Int32
	m := NewMonitor(30*time.Millisecond, func() { fired.Add(1) })
	defer m.Close()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	m.OnStartActivity()
	m.OnActivityComplete()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestMonitor_BusyPreventsIdle(t *testing.T) {
	var fired atomic.Int32
	m := NewMonitor(30*time.Millisecond, func() { fired.Add(1) })
	defer m.Close()

	m.OnStartActivity()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	m.OnActivityComplete()
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_CloseDisarms(t *testing.T) {
	var fired atomic.Int32
	m := NewMonitor(30*time.Millisecond, func() { fired.Add(1) })
	m.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
