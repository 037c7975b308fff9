package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Live channel metrics
	SnapshotsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairedrun_snapshots_published_total",
			Help: "Total number of snapshots accepted and broadcast",
		},
	)

	SnapshotsDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairedrun_snapshots_discarded_total",
			Help: "Total number of snapshots discarded for stale sequence numbers",
		},
	)

	BroadcastFanout = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairedrun_broadcast_fanout_total",
			Help: "Total number of messages delivered to stream subscribers",
		},
	)

	StreamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairedrun_stream_connections",
			Help: "Current number of open websocket subscriptions",
		},
	)

	// Session metrics
	RunsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairedrun_runs_completed_total",
			Help: "Total number of run sessions finalized",
		},
	)

	InviteOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairedrun_invite_outcomes_total",
			Help: "Total number of invites by outcome",
		},
		[]string{"outcome"},
	)

	SnapshotFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairedrun_snapshot_flushes_total",
			Help: "Total number of durable snapshot upserts",
		},
	)

	OutboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairedrun_outbox_depth",
			Help: "Guaranteed-class messages awaiting delivery to the service",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairedrun_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairedrun_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(SnapshotsPublished)
	prometheus.MustRegister(SnapshotsDiscarded)
	prometheus.MustRegister(BroadcastFanout)
	prometheus.MustRegister(StreamConnections)
	prometheus.MustRegister(RunsCompleted)
	prometheus.MustRegister(InviteOutcomes)
	prometheus.MustRegister(SnapshotFlushes)
	prometheus.MustRegister(OutboxDepth)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
