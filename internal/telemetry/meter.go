// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "buildd.session"

// Instrument names.
const (
	SessionsMetric      = "buildd.sessions"
	BuildDurationMetric = "buildd.build.duration"
)

// RecordSession counts one finished session by outcome.
// It uses the global meter provider at call time.
func RecordSession(ctx context.Context, outcome string) {
	meter := otel.GetMeterProvider().Meter(meterName)
	sessions, err := meter.Int64Counter(SessionsMetric, metric.WithDescription("Finished control sessions"))
	if err != nil {
		return
	}
	sessions.Add(ctx, 1, metric.WithAttributes(attribute.String(OutcomeKey, outcome)))
}

// RecordBuildDuration records how long the engine ran for action.
func RecordBuildDuration(ctx context.Context, action string, d time.Duration) {
	meter := otel.GetMeterProvider().Meter(meterName)
	duration, err := meter.Float64Histogram(BuildDurationMetric,
		metric.WithDescription("Engine execution time per build"),
		metric.WithUnit("s"))
	if err != nil {
		return
	}
	duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String(ActionKey, action)))
}
