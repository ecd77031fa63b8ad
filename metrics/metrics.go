// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client Connection Metrics
var (
	// ConnectedClients tracks clients currently held in the registry
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Number of TCP clients currently registered",
		},
	)

	// Admissions tracks accepted connections by result (admitted/rejected)
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_admissions_total",
			Help: "Accepted TCP connections by admission result",
		},
		[]string{"result"},
	)

	// AdmissionStalls tracks accept loop waits caused by a full registry
	AdmissionStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_admission_stalls_total",
			Help: "Times the accept loop waited because the registry was full",
		},
	)

	// Disconnects tracks client removals by reason
	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_disconnects_total",
			Help: "Client disconnections by reason (closed/read_error/write_error/shutdown)",
		},
		[]string{"reason"},
	)
)

// Broadcast Metrics
var (
	// LinesBroadcast tracks telemetry lines pushed to the client snapshot
	LinesBroadcast = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_lines_broadcast_total",
			Help: "Telemetry lines broadcast to clients",
		},
	)

	// ClientWriteErrors tracks failed telemetry or acknowledgment writes
	ClientWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_client_write_errors_total",
			Help: "Failed writes to client connections",
		},
	)

	// SerialReadErrors tracks transient device read failures
	SerialReadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_serial_read_errors_total",
			Help: "Serial device read errors seen by the broadcast loop",
		},
	)
)
