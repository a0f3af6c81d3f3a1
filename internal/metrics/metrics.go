package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HeartbeatsTotal counts agent heartbeats by the action returned
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_heartbeats_total",
			Help: "Total agent heartbeats received, by resulting action",
		},
		[]string{"action"},
	)
)

// Provider call metrics
var (
	// ProviderCallDuration tracks provider API call latency
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_provider_call_duration_seconds",
			Help:    "Duration of provider API calls by provider and operation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider", "operation"},
	)

	// ProviderCallErrors counts provider API call failures
	ProviderCallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_provider_call_errors_total",
			Help: "Total provider API call failures by provider, operation, and kind",
		},
		[]string{"provider", "operation", "kind"},
	)

	// ProviderRetries counts retried provider calls
	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_provider_retries_total",
			Help: "Total retried provider calls by provider and operation",
		},
		[]string{"provider", "operation"},
	)
)

// Standby and failover metrics
var (
	// StandbyPairs tracks standby associations by state
	StandbyPairs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_standby_pairs",
			Help: "Number of standby associations by state",
		},
		[]string{"state"},
	)

	// FailoversTotal counts failover activations
	FailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_failovers_total",
			Help: "Total failover activations",
		},
	)

	// RecoveriesTotal counts recovery outcomes
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_recoveries_total",
			Help: "Total GPU recovery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SyncRounds counts workspace sync rounds by outcome
	SyncRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sync_rounds_total",
			Help: "Total workspace sync rounds by outcome",
		},
		[]string{"outcome"},
	)

	// SyncDuration tracks the duration of one full sync round
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_sync_round_duration_seconds",
			Help:    "Duration of one pull+push sync round",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

// Serverless scheduler metrics
var (
	// ScaleDownsTotal counts serverless scale-down operations
	ScaleDownsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_scale_downs_total",
			Help: "Total serverless scale-down operations",
		},
	)

	// ScaleUpsTotal counts serverless scale-up operations by method
	ScaleUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_scale_ups_total",
			Help: "Total serverless scale-up operations by method",
		},
		[]string{"method"},
	)

	// WakeDuration tracks cold-start latency by method
	WakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_wake_duration_seconds",
			Help:    "Wake latency by method",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"method"},
	)

	// AutoDestroysTotal counts auto-destroyed paused instances
	AutoDestroysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_auto_destroys_total",
			Help: "Total instances destroyed by the auto-destroy policy",
		},
	)

	// SavingsDollars accumulates estimated savings from suspensions
	SavingsDollars = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_savings_dollars_total",
			Help: "Estimated cumulative savings from suspended instances in USD",
		},
	)
)

// Machine history metrics
var (
	// CreationAttemptsTotal counts instance creation attempts by outcome
	CreationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_creation_attempts_total",
			Help: "Total instance creation attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// BlacklistInserts counts blacklist entries added by type
	BlacklistInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_blacklist_inserts_total",
			Help: "Total blacklist entries added by provider and type",
		},
		[]string{"provider", "type"},
	)
)

// Snapshot and checkpoint metrics
var (
	// SnapshotDuration tracks backup/restore durations
	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_snapshot_duration_seconds",
			Help:    "Duration of snapshot operations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"operation"},
	)

	// CheckpointsTotal counts checkpoint operations by outcome
	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_checkpoints_total",
			Help: "Total checkpoint operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

// RecordHTTPRequest observes one HTTP request
func RecordHTTPRequest(method, path, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordProviderCall observes one provider call
func RecordProviderCall(provider, operation string, d time.Duration, err error) {
	ProviderCallDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
	if err != nil {
		ProviderCallErrors.WithLabelValues(provider, operation, "error").Inc()
	}
}

// RecordSyncRound observes one sync round
func RecordSyncRound(d time.Duration, err error) {
	SyncDuration.Observe(d.Seconds())
	if err != nil {
		SyncRounds.WithLabelValues("fail").Inc()
	} else {
		SyncRounds.WithLabelValues("ok").Inc()
	}
}
