// Package metrics provides Prometheus metrics for airtable-backup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a backup run.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Progress metrics
	BasesProcessed  prometheus.Counter
	TablesProcessed prometheus.Counter
	TablesSkipped   prometheus.Counter
	TablesFailed    prometheus.Counter
	RecordsFetched  *prometheus.CounterVec
	PagesFetched    *prometheus.CounterVec

	// Attachment metrics
	AttachmentsDownloaded prometheus.Counter
	AttachmentsFailed     prometheus.Counter
	AttachmentBytes       prometheus.Counter

	// Timing metrics
	PageFetchDuration   prometheus.Histogram
	FormatFlushDuration *prometheus.HistogramVec
	TableDuration       prometheus.Histogram

	// Error metrics
	APIErrors     *prometheus.CounterVec
	FlushErrors   *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec

	// Throughput
	RecordsPerSecond prometheus.Gauge
}

var defaultMetrics *Metrics

// Init initializes the global metrics on the default registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(prometheus.DefaultRegisterer, namespace)
	return defaultMetrics
}

// New creates metrics registered on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "airtable_backup"
	}
	f := promauto.With(reg)

	return &Metrics{
		BasesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bases_processed_total",
			Help:      "Total number of bases fully walked",
		}),
		TablesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_processed_total",
			Help:      "Total number of tables backed up successfully",
		}),
		TablesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_skipped_total",
			Help:      "Total number of tables skipped on resume",
		}),
		TablesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_failed_total",
			Help:      "Total number of tables that failed",
		}),
		RecordsFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Total number of records fetched",
		}, []string{"base"}),
		PagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Total number of record pages fetched",
		}, []string{"base"}),
		AttachmentsDownloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_downloaded_total",
			Help:      "Total number of attachments downloaded",
		}),
		AttachmentsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_failed_total",
			Help:      "Total number of attachment downloads that failed",
		}),
		AttachmentBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_bytes_total",
			Help:      "Total bytes of attachments downloaded",
		}),
		PageFetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_fetch_duration_seconds",
			Help:      "Time to fetch one page of records, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		FormatFlushDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "format_flush_duration_seconds",
			Help:      "Time to write one snapshot in one format",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}, []string{"format"}),
		TableDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "table_duration_seconds",
			Help:      "Total time to back up one table",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		}),
		APIErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Total number of API request errors",
		}, []string{"kind"}),
		FlushErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_errors_total",
			Help:      "Total number of failed format writes",
		}, []string{"format"}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts",
		}, []string{"operation"}),
		RecordsPerSecond: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_per_second",
			Help:      "Record throughput of the last finished table",
		}),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// BaseDone increments the bases processed counter.
func (m *Metrics) BaseDone() {
	if m == nil {
		return
	}
	m.BasesProcessed.Inc()
}

// TableDone records a successful table.
func (m *Metrics) TableDone(records int, seconds float64) {
	if m == nil {
		return
	}
	m.TablesProcessed.Inc()
	m.TableDuration.Observe(seconds)
	if seconds > 0 {
		m.RecordsPerSecond.Set(float64(records) / seconds)
	}
}

// TableSkipped increments the tables skipped counter.
func (m *Metrics) TableSkipped() {
	if m == nil {
		return
	}
	m.TablesSkipped.Inc()
}

// TableFailed increments the tables failed counter.
func (m *Metrics) TableFailed() {
	if m == nil {
		return
	}
	m.TablesFailed.Inc()
}

// PageFetched records one fetched page.
func (m *Metrics) PageFetched(base string, records int, seconds float64) {
	if m == nil {
		return
	}
	m.PagesFetched.WithLabelValues(base).Inc()
	m.RecordsFetched.WithLabelValues(base).Add(float64(records))
	m.PageFetchDuration.Observe(seconds)
}

// AttachmentDownloaded records one downloaded attachment.
func (m *Metrics) AttachmentDownloaded(bytes int64) {
	if m == nil {
		return
	}
	m.AttachmentsDownloaded.Inc()
	m.AttachmentBytes.Add(float64(bytes))
}

// AttachmentFailed increments the attachments failed counter.
func (m *Metrics) AttachmentFailed() {
	if m == nil {
		return
	}
	m.AttachmentsFailed.Inc()
}

// ObserveFlush records one format write and whether it failed.
func (m *Metrics) ObserveFlush(format string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.FormatFlushDuration.WithLabelValues(format).Observe(seconds)
	if failed {
		m.FlushErrors.WithLabelValues(format).Inc()
	}
}

// IncAPIErrors increments the API errors counter for an error kind.
func (m *Metrics) IncAPIErrors(kind string) {
	if m == nil {
		return
	}
	m.APIErrors.WithLabelValues(kind).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
