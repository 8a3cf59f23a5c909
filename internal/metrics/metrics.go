// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry Metrics
var (
	// ConnectedClients tracks the number of registered connections
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Number of registered relay connections",
		},
	)

	// ActiveChannels tracks the number of non-empty channels
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_channels",
			Help: "Number of channels with at least one member",
		},
	)
)

// Broadcast Metrics
var (
	// BroadcastsTotal counts broadcast calls that reached an existing channel
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total broadcasts to existing channels",
		},
	)

	// DeliveriesTotal counts per-recipient deliveries by result (ok/failed)
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total per-recipient deliveries by result",
		},
		[]string{"result"},
	)

	// EvictionsTotal counts connections evicted after a failed delivery
	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_evictions_total",
			Help: "Total connections evicted after a failed delivery",
		},
	)
)

// Session Metrics
var (
	// ProtocolErrorsTotal counts error replies sent to clients by reason
	ProtocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Total protocol error replies by reason",
		},
		[]string{"reason"},
	)

	// ProbesTotal counts served liveness probes
	ProbesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_probes_total",
			Help: "Total liveness probes served",
		},
	)
)

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
