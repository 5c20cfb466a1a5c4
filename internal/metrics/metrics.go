// Package metrics provides Prometheus instrumentation for the import pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	RunsTotal            *prometheus.CounterVec
	FeedItemsTotal       prometheus.Counter
	ItemsRejectedTotal   prometheus.Counter
	EnqueueFailuresTotal prometheus.Counter
	ItemsProcessedTotal  *prometheus.CounterVec
	FetchDuration        prometheus.Histogram
	ItemDuration         prometheus.Histogram
	WorkerBusy           prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_runs_total",
			Help:      "Import runs by final status of the orchestrator stage.",
		}, []string{"status"}),

		FeedItemsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_feed_items_total",
			Help:      "Items decoded from fetched feeds.",
		}),

		ItemsRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_items_rejected_total",
			Help:      "Items rejected by validation before enqueue.",
		}),

		EnqueueFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_enqueue_failures_total",
			Help:      "Records that could not be published to the work queue.",
		}),

		ItemsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_items_processed_total",
			Help:      "Work items settled by the worker pool, by outcome.",
		}, []string{"outcome"}),

		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_fetch_duration_seconds",
			Help:      "Time spent downloading the feed.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		ItemDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_item_duration_seconds",
			Help:      "Time spent persisting one work item.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),

		WorkerBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_busy",
			Help:      "Number of workers currently processing an item.",
		}),
	}
}

// ObserveFetch records one feed download
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// RunFinished counts an orchestrator invocation by resulting status
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

// FeedItems adds decoded items
func (m *Metrics) FeedItems(n int) {
	if m == nil {
		return
	}
	m.FeedItemsTotal.Add(float64(n))
}

// Rejected adds records rejected by validation
func (m *Metrics) Rejected(n int) {
	if m == nil {
		return
	}
	m.ItemsRejectedTotal.Add(float64(n))
}

// EnqueueFailed adds records lost to failed batches
func (m *Metrics) EnqueueFailed(n int) {
	if m == nil {
		return
	}
	m.EnqueueFailuresTotal.Add(float64(n))
}

// ItemProcessed records a settled work item
func (m *Metrics) ItemProcessed(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ItemsProcessedTotal.WithLabelValues(outcome).Inc()
	m.ItemDuration.Observe(d.Seconds())
}

// WorkerStarted marks a worker busy
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkerBusy.Inc()
}

// WorkerDone marks a worker idle
func (m *Metrics) WorkerDone() {
	if m == nil {
		return
	}
	m.WorkerBusy.Dec()
}
