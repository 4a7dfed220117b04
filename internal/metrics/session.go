// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeAborted  = "aborted"
	OutcomeStopped  = "stopped"
	OutcomeDeadPeer = "dead_peer"
)

var (
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildd_sessions_total",
		Help: "Total number of finished sessions by outcome",
	}, []string{"outcome"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildd_sessions_active",
		Help: "Number of sessions currently between start and completion",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildd_commands_total",
		Help: "Total number of commands received by type",
	}, []string{"command"})

	OutputEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildd_output_events_total",
		Help: "Total number of output events forwarded to clients",
	})

	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "buildd_build_duration_seconds",
		Help:    "Engine execution time per build command",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildd_session_transitions_total",
		Help: "Session state machine transitions",
	}, []string{"from", "to"})
)

// RecordSessionStart marks a session as active.
func RecordSessionStart() {
	SessionsActive.Inc()
}

// RecordSessionEnd releases an active session and counts its outcome.
func RecordSessionEnd(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	SessionsActive.Dec()
	SessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCommand counts one received command.
func RecordCommand(command string) {
	CommandsTotal.WithLabelValues(command).Inc()
}

// RecordOutputEvent counts one forwarded output event.
func RecordOutputEvent() {
	OutputEventsTotal.Inc()
}

// ObserveBuild records engine execution time.
func ObserveBuild(d time.Duration) {
	BuildDuration.Observe(d.Seconds())
}

// RecordTransition counts one state machine edge.
func RecordTransition(from, to string) {
	SessionTransitionsTotal.WithLabelValues(from, to).Inc()
}
