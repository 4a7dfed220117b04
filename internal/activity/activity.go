// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package activity tracks daemon busyness for idle-timeout decisions.
package activity

import (
	"sync"
	"time"

	"github.com/ManuGH/buildd/internal/log"
)

// Tracker is notified once at the start and once at the end of every session.
type Tracker interface {
	OnStartActivity()
	OnActivityComplete()
}

// Nop ignores all notifications.
type Nop struct{}

func (Nop) OnStartActivity()    {}
func (Nop) OnActivityComplete() {}

// Monitor counts busy sessions and calls onIdle once the daemon has been idle for
// idleTimeout. A zero idleTimeout disables the idle callback.
type Monitor struct {
	idleTimeout time.Duration
	onIdle      func()
	now         func() time.Time

	mu        sync.Mutex
	busy      int
	idleSince time.Time
	timer     *time.Timer
	gen       uint64
	fired     bool
	closed    bool
}

// NewMonitor returns a monitor that is idle from now on.
func NewMonitor(idleTimeout time.Duration, onIdle func()) *Monitor {
	m := &Monitor{idleTimeout: idleTimeout, onIdle: onIdle, now: time.Now}
	m.mu.Lock()
	m.idleSince = m.now()
	m.armLocked()
	m.mu.Unlock()
	return m
}

func (m *Monitor) OnStartActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy++
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) OnActivityComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy == 0 {
		logger := log.WithComponent("activity")
		logger.Warn().Str(log.FieldEvent, "activity.unbalanced").Msg("activity completed without matching start")
		return
	}
	m.busy--
	if m.busy == 0 {
		m.idleSince = m.now()
		m.armLocked()
	}
}

// Busy returns the number of sessions in progress.
func (m *Monitor) Busy() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// IdleSince returns when the daemon last became idle; zero while busy.
func (m *Monitor) IdleSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy > 0 {
		return time.Time{}
	}
	return m.idleSince
}

// Close disarms the idle timer.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) armLocked() {
	if m.idleTimeout <= 0 || m.onIdle == nil || m.closed || m.fired {
		return
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.idleTimeout, func() { m.expire(gen) })
}

func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.busy > 0 || m.fired || m.closed {
		m.mu.Unlock()
		return
	}
	m.fired = true
	m.timer = nil
	m.mu.Unlock()

	logger := log.WithComponent("activity")
	logger.Info().
		Str(log.FieldEvent, "activity.idle_timeout").
		Dur("idle_timeout", m.idleTimeout).
		Msg("daemon idle; requesting stop")
	m.onIdle()
}

var (
	_ Tracker = (*Monitor)(nil)
	_ Tracker = Nop{}
)
