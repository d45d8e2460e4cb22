// Package metrics exposes Prometheus counters for the processing
// pipeline, served on /metrics by the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "marquee"

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Events run through duplicate detection, by processing mode.",
	}, []string{"mode"})

	DuplicatesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_found_total",
		Help:      "Candidate pairs that crossed the duplicate threshold, by processing mode.",
	}, []string{"mode"})

	MergesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merges_completed_total",
		Help:      "Merge decisions executed and persisted, by processing mode.",
	}, []string{"mode"})

	ProcessingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "processing_errors_total",
		Help:      "Per-event processing failures, by processing mode.",
	}, []string{"mode"})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Cache lookups by cache name and outcome.",
	}, []string{"cache", "outcome"})

	CompareDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "compare_duration_seconds",
		Help:      "Wall time of pairwise similarity comparisons.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
	})

	ClusterCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clusters",
		Help:      "Clusters currently tracked by the candidate index.",
	})

	ClusterMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_members",
		Help:      "Events currently assigned to a cluster.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "incremental_queue_depth",
		Help:      "Events waiting in the incremental processing queue.",
	})
)

// ObserveCompare records one comparison duration.
func ObserveCompare(start time.Time) {
	CompareDuration.Observe(time.Since(start).Seconds())
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	CacheRequests.WithLabelValues(cache, outcome).Inc()
}
