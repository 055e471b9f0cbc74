package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry Metrics
var (
	// ConnectionsCurrent tracks entries currently registered in the relay
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_current",
			Help: "Number of connections currently registered in the relay",
		},
	)

	// ConnectionsTotal tracks every registration since process start
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total connections registered in the relay",
		},
	)

	// EvictionsTotal tracks entries removed because a broadcast write failed
	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_evictions_total",
			Help: "Total entries evicted after a failed broadcast write",
		},
	)
)

// Broadcast Metrics
var (
	// BroadcastsTotal tracks broadcast operations
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total broadcast operations",
		},
	)

	// DeliveriesTotal tracks per-entry writes by status (ok/error)
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total per-connection broadcast writes by status",
		},
		[]string{"status"},
	)

	// BroadcastDuration tracks the full traversal latency in seconds
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_broadcast_duration_seconds",
			Help:    "Time spent writing one broadcast to every registered connection",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// NicknameChangesTotal tracks accepted /nick commands
	NicknameChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_nickname_changes_total",
			Help: "Total accepted nickname changes",
		},
	)
)

// Acceptor Metrics
var (
	// AcceptErrorsTotal tracks listener accept failures by transport
	AcceptErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_accept_errors_total",
			Help: "Total accept errors by transport",
		},
		[]string{"transport"},
	)

	// ConnectionsRejectedTotal tracks connections refused by admission limits
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Total connections rejected by admission limits, by reason",
		},
		[]string{"reason"},
	)
)

// Delivery status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)
