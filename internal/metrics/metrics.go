// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesIngestedTotal *prometheus.CounterVec
	eventsPublishedTotal  *prometheus.CounterVec
	publishRetriesTotal   *prometheus.CounterVec
	floodWaitsTotal       *prometheus.CounterVec
	batchesCommittedTotal *prometheus.CounterVec
	dataAnomaliesTotal    *prometheus.CounterVec
	backoffLevel          *prometheus.GaugeVec
	commitDurationSeconds prometheus.Histogram
	activeWorkers         prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. It is safe to call
// multiple times.
func Init() {
	once.Do(func() {
		messagesIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatfeed_messages_ingested_total",
				Help: "Messages fetched from the source network, labeled by source.",
			},
			[]string{"source_id"},
		)
		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatfeed_events_published_total",
				Help: "Events acknowledged by the bus, labeled by source.",
			},
			[]string{"source_id"},
		)
		publishRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatfeed_publish_retries_total",
				Help: "Single-event publish retries, labeled by source.",
			},
			[]string{"source_id"},
		)
		floodWaitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatfeed_flood_waits_total",
				Help: "Flood-wait signals received, labeled by source.",
			},
			[]string{"source_id"},
		)
		batchesCommittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatfeed_batches_committed_total",
				Help: "Batches whose cursor commit succeeded, labeled by source.",
			},
			[]string{"source_id"},
		)
		dataAnomaliesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatfeed_data_anomalies_total",
				Help: "Out-of-order or duplicate message ids corrected per source.",
			},
			[]string{"source_id"},
		)
		backoffLevel = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatfeed_backoff_level",
				Help: "Current backoff level per source.",
			},
			[]string{"source_id"},
		)
		commitDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatfeed_commit_duration_seconds",
				Help:    "Cursor commit transaction latency.",
				Buckets: prometheus.DefBuckets,
			},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatfeed_active_workers",
				Help: "Workers currently admitted by the scheduler.",
			},
		)
	})
}

// IncMessagesIngested adds fetched messages for a source.
func IncMessagesIngested(sourceID string, n int) {
	if messagesIngestedTotal != nil {
		messagesIngestedTotal.WithLabelValues(sourceID).Add(float64(n))
	}
}

// IncEventsPublished counts one acknowledged event.
func IncEventsPublished(sourceID string) {
	if eventsPublishedTotal != nil {
		eventsPublishedTotal.WithLabelValues(sourceID).Inc()
	}
}

// IncPublishRetries counts one publish retry.
func IncPublishRetries(sourceID string) {
	if publishRetriesTotal != nil {
		publishRetriesTotal.WithLabelValues(sourceID).Inc()
	}
}

// IncFloodWaits counts one flood-wait signal.
func IncFloodWaits(sourceID string) {
	if floodWaitsTotal != nil {
		floodWaitsTotal.WithLabelValues(sourceID).Inc()
	}
}

// IncBatchesCommitted counts one committed batch.
func IncBatchesCommitted(sourceID string) {
	if batchesCommittedTotal != nil {
		batchesCommittedTotal.WithLabelValues(sourceID).Inc()
	}
}

// AddDataAnomalies counts corrected message-id anomalies.
func AddDataAnomalies(sourceID string, n int) {
	if dataAnomaliesTotal != nil && n > 0 {
		dataAnomaliesTotal.WithLabelValues(sourceID).Add(float64(n))
	}
}

// SetBackoffLevel records the current backoff level of a source.
func SetBackoffLevel(sourceID string, level int) {
	if backoffLevel != nil {
		backoffLevel.WithLabelValues(sourceID).Set(float64(level))
	}
}

// ObserveCommitDuration records one commit transaction latency.
func ObserveCommitDuration(d time.Duration) {
	if commitDurationSeconds != nil {
		commitDurationSeconds.Observe(d.Seconds())
	}
}

// SetActiveWorkers records the number of admitted workers.
func SetActiveWorkers(n int) {
	if activeWorkers != nil {
		activeWorkers.Set(float64(n))
	}
}
