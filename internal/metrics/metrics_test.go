// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestSessionLifecycleMetrics(t *testing.T) {
	active := gaugeValue(t, SessionsActive)
	failures := counterValue(t, SessionsTotal.WithLabelValues(OutcomeFailure))

	RecordSessionStart()
	require.Equal(t, active+1, gaugeValue(t, SessionsActive))

	RecordSessionEnd(OutcomeFailure)
	require.Equal(t, active, gaugeValue(t, SessionsActive))
	require.Equal(t, failures+1, counterValue(t, SessionsTotal.WithLabelValues(OutcomeFailure)))
}

func TestRecordDatagramDefaultsResult(t *testing.T) {
	before := counterValue(t, DiscoveryDatagramsTotal.WithLabelValues("sent", "ok"))
	RecordDatagram("sent", "")
	require.Equal(t, before+1, counterValue(t, DiscoveryDatagramsTotal.WithLabelValues("sent", "ok")))
}

func TestObserveBuild(t *testing.T) {
	m := &dto.Metric{}
	require.NoError(t, BuildDuration.Write(m))
	before := m.GetHistogram().GetSampleCount()

	ObserveBuild(250 * time.Millisecond)

	require.NoError(t, BuildDuration.Write(m))
	require.Equal(t, before+1, m.GetHistogram().GetSampleCount())
}
