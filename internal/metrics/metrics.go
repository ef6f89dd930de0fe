// Package metrics provides Prometheus metrics for the packing
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the packing pipeline.
type Metrics struct {
	// Per-file outcomes
	FilesFetched   *prometheus.CounterVec
	FilesFailed    *prometheus.CounterVec
	FilesSkipped   *prometheus.CounterVec
	FilesOversized *prometheus.CounterVec
	BytesFetched   *prometheus.CounterVec

	// Timing
	FetchDuration *prometheus.HistogramVec

	// Shard output
	ShardsWritten *prometheus.CounterVec
	ShardBytes    *prometheus.HistogramVec
	ShardRows     *prometheus.HistogramVec

	// Pipeline depth
	InFlightFetches  prometheus.Gauge
	SequencerPending prometheus.Gauge
	LastCommittedSeq *prometheus.GaugeVec

	// Errors
	SourceErrors  *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
	CatalogErrors prometheus.Counter
	ReportErrors  prometheus.Counter
	RetryAttempts *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init registers the global metric set under the given namespace.
// Call it once, before the pipeline starts.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "shardpack"
	}

	m := &Metrics{
		FilesFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_fetched_total",
				Help:      "Total number of files fetched successfully",
			},
			[]string{"source", "backend"},
		),
		FilesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_failed_total",
				Help:      "Total number of files that exhausted their fetch attempts",
			},
			[]string{"source", "backend"},
		),
		FilesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_skipped_total",
				Help:      "Total number of files skipped (duplicate content or already packed)",
			},
			[]string{"source"},
		),
		FilesOversized: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_oversized_total",
				Help:      "Total number of files recorded without content (over the size ceiling)",
			},
			[]string{"source"},
		),
		BytesFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_fetched_total",
				Help:      "Total content bytes fetched",
			},
			[]string{"source", "backend"},
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to fetch one file",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
			},
			[]string{"backend"},
		),
		ShardsWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shards_written_total",
				Help:      "Total number of shard files committed to storage",
			},
			[]string{"source"},
		),
		ShardBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "shard_bytes",
				Help:      "Size of committed shard files in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12), // 1MB to ~4GB
			},
			[]string{"source"},
		),
		ShardRows: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "shard_rows",
				Help:      "Number of rows per committed shard",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 12), // 10 to ~40k
			},
			[]string{"source"},
		),
		InFlightFetches: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_fetches",
				Help:      "Number of files currently being fetched",
			},
		),
		SequencerPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sequencer_pending",
				Help:      "Number of fetched files waiting for ordered commit",
			},
		),
		LastCommittedSeq: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_committed_sequence",
				Help:      "Enumeration sequence of the most recently committed file",
			},
			[]string{"source"},
		),
		SourceErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Total number of source listing and fetch errors",
			},
			[]string{"backend"},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of shard storage errors",
			},
			[]string{"backend"},
		),
		CatalogErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of catalog write errors",
			},
		),
		ReportErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_errors_total",
				Help:      "Total number of report delivery errors",
			},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of fetch retry attempts",
			},
			[]string{"backend"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metric set, or nil before Init.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer serves the scrape endpoint and a health probe. It blocks
// until the listener fails.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels carries the label values recorded with each observation.
type Labels struct {
	Source  string
	Backend string
}

// IncFilesFetched increments the fetched files counter.
func (m *Metrics) IncFilesFetched(l Labels) {
	m.FilesFetched.WithLabelValues(l.Source, l.Backend).Inc()
}

// IncFilesFailed increments the failed files counter.
func (m *Metrics) IncFilesFailed(l Labels) {
	m.FilesFailed.WithLabelValues(l.Source, l.Backend).Inc()
}

// IncFilesSkipped increments the skip counter.
func (m *Metrics) IncFilesSkipped(l Labels) {
	m.FilesSkipped.WithLabelValues(l.Source).Inc()
}

// IncFilesOversized increments the oversized files counter.
func (m *Metrics) IncFilesOversized(l Labels) {
	m.FilesOversized.WithLabelValues(l.Source).Inc()
}

// AddBytesFetched adds to the fetched bytes counter.
func (m *Metrics) AddBytesFetched(l Labels, n float64) {
	m.BytesFetched.WithLabelValues(l.Source, l.Backend).Add(n)
}

// ObserveFetchDuration records the time taken to fetch one file.
func (m *Metrics) ObserveFetchDuration(l Labels, seconds float64) {
	m.FetchDuration.WithLabelValues(l.Backend).Observe(seconds)
}

// IncShardsWritten increments the committed shards counter.
func (m *Metrics) IncShardsWritten(l Labels) {
	m.ShardsWritten.WithLabelValues(l.Source).Inc()
}

// ObserveShard records the size and row count of a committed shard.
func (m *Metrics) ObserveShard(l Labels, bytes, rows float64) {
	m.ShardBytes.WithLabelValues(l.Source).Observe(bytes)
	m.ShardRows.WithLabelValues(l.Source).Observe(rows)
}

// SetLastCommittedSeq sets the sequence of the latest committed file.
func (m *Metrics) SetLastCommittedSeq(l Labels, seq float64) {
	m.LastCommittedSeq.WithLabelValues(l.Source).Set(seq)
}

// IncSourceErrors increments the source error counter.
func (m *Metrics) IncSourceErrors(l Labels) {
	m.SourceErrors.WithLabelValues(l.Backend).Inc()
}

// IncStorageErrors increments the storage error counter.
func (m *Metrics) IncStorageErrors(backend string) {
	m.StorageErrors.WithLabelValues(backend).Inc()
}

// IncRetryAttempts increments the retry counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Backend).Inc()
}
