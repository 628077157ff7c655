package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection / dispatcher metrics
	ConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantd_connections_open",
			Help: "Number of currently open client connections",
		},
	)

	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tyrantd_connections_total",
			Help: "Total number of accepted client connections",
		},
	)

	WorkersRestarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tyrantd_workers_restarted_total",
			Help: "Total number of worker goroutines replaced after a per-task timeout",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantd_dispatch_queue_depth",
			Help: "Number of readable connections waiting for a free worker",
		},
	)

	// Per-command counters, labeled by command name and outcome (hit/miss).
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tyrantd_commands_total",
			Help: "Total number of commands processed, by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tyrantd_command_duration_seconds",
			Help:    "Command handling latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// Update log metrics
	UlogAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tyrantd_ulog_appends_total",
			Help: "Total number of update-log entries appended",
		},
	)

	UlogAppendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tyrantd_ulog_append_failures_total",
			Help: "Total number of update-log append failures",
		},
	)

	UlogSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantd_ulog_size_bytes",
			Help: "Approximate on-disk size of the update-log directory",
		},
	)

	UlogFileID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantd_ulog_active_file_id",
			Help: "Numeric id of the update-log file currently being appended to",
		},
	)

	// Replication metrics
	ReplicationLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantd_replication_lag_seconds",
			Help: "Age of the last applied replication entry relative to now",
		},
	)

	ReplicationReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tyrantd_replication_reconnects_total",
			Help: "Total number of times the replication client reconnected to its master",
		},
	)

	ReplicationConsistencyMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tyrantd_replication_consistency_mismatch_total",
			Help: "Total number of redo operations whose result disagreed with the origin's recorded outcome",
		},
	)

	// Abstract DB metrics
	DBRecordsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantd_db_records_total",
			Help: "Number of records currently stored (rnum)",
		},
	)

	DBSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tyrantd_db_size_bytes",
			Help: "Approximate on-disk or in-memory size of the database (size)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpen,
		ConnectionsTotal,
		WorkersRestarted,
		QueueDepth,
		CommandsTotal,
		CommandDuration,
		UlogAppendsTotal,
		UlogAppendFailuresTotal,
		UlogSizeBytes,
		UlogFileID,
		ReplicationLagSeconds,
		ReplicationReconnectsTotal,
		ReplicationConsistencyMismatchTotal,
		DBRecordsTotal,
		DBSizeBytes,
	)
}

// Handler returns the Prometheus HTTP handler, mounted at /metrics by the
// lifecycle server alongside the memcached/binary/HTTP listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing command handling.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
