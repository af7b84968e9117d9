package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// Decode stage
	FilesDecodedTotal *prometheus.CounterVec
	DecodeErrorsTotal *prometheus.CounterVec
	RowsDecodedTotal  prometheus.Counter
	DecodeDuration    *prometheus.HistogramVec

	// Repair / normalize / rules
	RepairBlocksTotal prometheus.Counter
	RepairedRowsTotal prometheus.Counter
	DroppedRowsTotal  *prometheus.CounterVec
	RuleErrorsTotal   *prometheus.CounterVec
	FlaggedCellsTotal *prometheus.CounterVec

	// Persistence
	RowsWrittenTotal  *prometheus.CounterVec
	ReconcileErrors   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram

	// Database
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec

	// API
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec
}

// NewCollector creates a new metrics collector
func NewCollector(namespace string) *Collector {
	return &Collector{
		FilesDecodedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_decoded_total",
				Help:      "Total number of source files decoded by format",
			},
			[]string{"format"},
		),

		DecodeErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of decode failures by reason",
			},
			[]string{"reason"},
		),

		RowsDecodedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_decoded_total",
				Help:      "Total number of observation rows decoded",
			},
		),

		DecodeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decode_duration_seconds",
				Help:      "Per-file decode duration in seconds by format",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"format"},
		),

		RepairBlocksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repair_blocks_total",
				Help:      "Total number of chronology-repair blocks closed",
			},
		),

		RepairedRowsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repaired_rows_total",
				Help:      "Total number of rows whose timestamp was synthesized",
			},
		),

		DroppedRowsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_rows_total",
				Help:      "Total number of rows dropped by stage",
			},
			[]string{"stage"},
		),

		RuleErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_errors_total",
				Help:      "Total number of malformed rules skipped by kind",
			},
			[]string{"kind"},
		),

		FlaggedCellsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flagged_cells_total",
				Help:      "Total number of cells assigned a non-zero quality flag",
			},
			[]string{"kind"},
		),

		RowsWrittenTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Total number of rows written by backend",
			},
			[]string{"backend"},
		),

		ReconcileErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_errors_total",
				Help:      "Total number of reconcile failures by reason",
			},
			[]string{"reason"},
		),

		ReconcileDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of merge/persist operations in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),

		APIRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests by endpoint, method, and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APIRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"endpoint"},
		),

		APIErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors by type",
			},
			[]string{"error_type", "endpoint"},
		),
	}
}

// Timer measures the duration of an operation against a histogram
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a timer bound to a histogram
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordAPIRequest increments API request counter
func (c *Collector) RecordAPIRequest(endpoint, method, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordAPIError increments API error counter
func (c *Collector) RecordAPIError(errorType, endpoint string) {
	c.APIErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// RecordDecodeError increments decode error counter
func (c *Collector) RecordDecodeError(reason string) {
	c.DecodeErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordRuleError increments rule error counter
func (c *Collector) RecordRuleError(kind string) {
	c.RuleErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordReconcileError increments reconcile error counter
func (c *Collector) RecordReconcileError(reason string) {
	c.ReconcileErrors.WithLabelValues(reason).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}
