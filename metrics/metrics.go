// Package metrics defines the Prometheus collectors for the Trickle core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trickle_events_published_total",
			Help: "Total number of security events published successfully",
		},
		[]string{"event_type"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trickle_publish_failures_total",
			Help: "Total number of failed publish calls by failing stage",
		},
		[]string{"stage"},
	)

	SinkAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trickle_sink_attempts_total",
			Help: "Total number of sink operation attempts",
		},
		[]string{"sink"},
	)

	SinkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trickle_sink_retries_total",
			Help: "Total number of sink operation retries after transient errors",
		},
		[]string{"sink"},
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trickle_publish_duration_seconds",
			Help:    "Time taken to complete a publish call",
			Buckets: prometheus.DefBuckets,
		},
	)

	DimensionCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trickle_dimension_cache_hits_total",
			Help: "Total number of dimension cache hits",
		},
		[]string{"dimension"},
	)

	DimensionCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trickle_dimension_cache_misses_total",
			Help: "Total number of dimension cache misses",
		},
		[]string{"dimension"},
	)

	DimensionLoadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trickle_dimension_load_errors_total",
			Help: "Total number of dimension loader failures",
		},
		[]string{"dimension"},
	)

	DimensionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trickle_dimension_refreshes_total",
			Help: "Total number of dimension refresh attempts",
		},
		[]string{"dimension", "result"},
	)

	SchemaProvisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trickle_schema_provisions_total",
			Help: "Total number of schema provisioning runs issued to the store",
		},
	)
)
