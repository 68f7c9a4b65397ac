// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package metrics registers the Prometheus collectors for Moodgrid:
// playback ingest, cell aggregation, the Spotify feature client, caches,
// and the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Playback ingest
	PlaybacksRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbacks_recorded_total",
			Help: "Total number of playback events accepted",
		},
	)

	PlaybacksDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbacks_deduplicated_total",
			Help: "Total number of playback events dropped as duplicates",
		},
	)

	PlaybackErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playback_errors_total",
			Help: "Total number of playback ingest failures",
		},
		[]string{"stage"}, // "auth", "track", "event", "cell", "toptrack"
	)

	// Aggregation
	AggregationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cell_aggregations_total",
			Help: "Total number of single-cell aggregations",
		},
		[]string{"result"}, // "success", "skipped", "error"
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cell_aggregation_duration_seconds",
			Help:    "Duration of single-cell aggregations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AggregationPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregation_pass_duration_seconds",
			Help:    "Duration of scheduler passes in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	AggregationBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregation_batch_size",
			Help:    "Number of stale cells refreshed per scheduler pass",
			Buckets: []float64{1, 5, 10, 20, 50, 100},
		},
	)

	StaleCellsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stale_cells",
			Help: "Stale cells found by the most recent scheduler pass",
		},
	)

	// Spotify feature client
	FeatureFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feature_fetches_total",
			Help: "Total number of audio-feature fetches",
		},
		[]string{"result"}, // "success", "not_found", "error", "rejected"
	)

	FeatureFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feature_fetch_duration_seconds",
			Help:    "Duration of audio-feature fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FeatureQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feature_queue_depth",
			Help: "Jobs waiting in the feature-fetch worker queue",
		},
	)

	FeatureQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feature_queue_dropped_total",
			Help: "Feature-fetch jobs dropped because the queue was full",
		},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Caches
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"}, // "query", "cell_center"
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions (TTL expiry)",
		},
		[]string{"cache_type"},
	)

	// HTTP surface
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of in-flight API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// System
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)
)

// RecordAPIRequest records one served request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAggregation records the outcome of a single-cell aggregation.
func RecordAggregation(result string, duration time.Duration) {
	AggregationsTotal.WithLabelValues(result).Inc()
	AggregationDuration.Observe(duration.Seconds())
}

// RecordFeatureFetch records the outcome of an audio-feature fetch.
func RecordFeatureFetch(result string, duration time.Duration) {
	FeatureFetchesTotal.WithLabelValues(result).Inc()
	FeatureFetchDuration.Observe(duration.Seconds())
}
