package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the connection core. Scraped at :9090/metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connd_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connd_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connd_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connd_disconnects_total",
		Help: "Disconnections by reason and initiator",
	}, []string{"reason", "initiated_by"})

	// Per-message-type handling, keyed by the §4.4 client message set.
	ClientMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connd_client_messages_total",
		Help: "Client messages processed by type and outcome",
	}, []string{"type", "outcome"})

	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connd_notifications_delivered_total",
		Help: "Notifications written to the client socket, by class",
	}, []string{"class"})

	NotificationsAcked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connd_notifications_acked_total",
		Help: "Ack/Nack outcomes for delivered notifications",
	}, []string{"result"})

	StorageChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connd_storage_checks_total",
		Help: "Storage checks run on a Registry CheckStorage signal (§4.4.5)",
	})

	StorageCheckBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "connd_storage_check_batch_size",
		Help:    "Notifications fetched per storage check batch",
		Buckets: []float64{0, 1, 5, 10, 11, 20, 50, 100},
	})

	RegistryDisplacements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connd_registry_displacements_total",
		Help: "Times a new session displaced a prior session for the same UAID (P3)",
	})

	BroadcastChangeCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connd_broadcast_change_count",
		Help: "Current BCT change_count (monotonic revision counter)",
	})

	BroadcastPollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connd_broadcast_poll_errors_total",
		Help: "Failed broadcast source polls after retry exhaustion",
	})

	BroadcastSubscribersNotified = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connd_broadcast_subscribers_notified_total",
		Help: "Connections sent a Broadcast message after a BCT change",
	})

	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connd_store_errors_total",
		Help: "Store adapter operation failures, by operation",
	}, []string{"operation"})

	StoreCASConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connd_store_cas_conflicts_total",
		Help: "Compare-and-set register attempts that lost the race (P7)",
	})

	PingTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connd_ping_timeouts_total",
		Help: "Connections dropped for not answering a ping in time",
	})

	PingRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connd_ping_rate_limited_total",
		Help: "Client pings throttled for arriving under the minimum interval (P9)",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connd_goroutines_active",
		Help: "Current number of active goroutines",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connd_cpu_usage_percent",
		Help: "Container-aware CPU usage percentage",
	})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connd_errors_total",
		Help: "Errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		ClientMessagesTotal,
		NotificationsDelivered,
		NotificationsAcked,
		StorageChecksTotal,
		StorageCheckBatchSize,
		RegistryDisplacements,
		BroadcastChangeCount,
		BroadcastPollErrors,
		BroadcastSubscribersNotified,
		StoreErrors,
		StoreCASConflicts,
		PingTimeouts,
		PingRateLimited,
		GoroutinesActive,
		CPUUsagePercent,
		ErrorsTotal,
	)
}

// Error severities, shared across components that call ErrorsTotal.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityFatal    = "fatal"
)

// RecordError tracks an error by type and severity.
func RecordError(errorType, severity string) {
	ErrorsTotal.WithLabelValues(errorType, severity).Inc()
}

// RecordDisconnect tracks a disconnect by reason and initiator.
func RecordDisconnect(reason, initiatedBy string) {
	DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
}

// Handler serves the Prometheus exposition format at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
