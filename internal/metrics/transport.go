// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DiscoveryDatagramsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildd_discovery_datagrams_total",
		Help: "Discovery datagrams by direction (sent, received) and result",
	}, []string{"direction", "result"})

	AcceptorConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildd_acceptor_connections_total",
		Help: "Total number of accepted control connections",
	})

	AcceptorPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildd_acceptor_worker_panics_total",
		Help: "Worker panics recovered by the acceptor",
	})
)

// RecordDatagram counts one discovery datagram.
func RecordDatagram(direction, result string) {
	if result == "" {
		result = "ok"
	}
	DiscoveryDatagramsTotal.WithLabelValues(direction, result).Inc()
}

// RecordAccepted counts one accepted connection.
func RecordAccepted() {
	AcceptorConnectionsTotal.Inc()
}

// RecordWorkerPanic counts one recovered worker panic.
func RecordWorkerPanic() {
	AcceptorPanicsTotal.Inc()
}

var EngineTerminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "buildd_engine_terminations_total",
	Help: "Signals sent to build process groups by signal and result",
}, []string{"signal", "result"})

// RecordTerminate counts one signal sent to a build process group.
func RecordTerminate(signal, result string) {
	EngineTerminationsTotal.WithLabelValues(signal, result).Inc()
}
