// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     prometheus.Counter
	CacheEvictionsTotal  prometheus.Counter
	CacheHotBytes        prometheus.Gauge
	EntriesTotal         prometheus.Gauge
	IndexTermsTotal      prometheus.Gauge
	IngestRecordsTotal   *prometheus.CounterVec
	IngestChunksTotal    *prometheus.CounterVec
	IngestSourceState    *prometheus.GaugeVec
	IngestDuration       prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, miss, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits by tier (hot, overflow, persistent).",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses across all tiers.",
			},
		),
		CacheEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Total hot-tier blocks evicted by the LRU policy.",
			},
		),
		CacheHotBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_hot_tier_bytes",
				Help: "Estimated bytes currently held by the hot cache tier.",
			},
		),
		EntriesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lexicon_entries_total",
				Help: "Number of entries in the lexical store.",
			},
		),
		IndexTermsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_terms_total",
				Help: "Number of distinct terms in the inverted index.",
			},
		),
		IngestRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_total",
				Help: "Records contributed per source (merged vs deduplicated).",
			},
			[]string{"source", "outcome"},
		),
		IngestChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_chunks_total",
				Help: "Chunks processed per source by status.",
			},
			[]string{"source", "status"},
		),
		IngestSourceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_source_state",
				Help: "Per-source pipeline state (0=pending, 1=fetching, 2=processing, 3=merged, 4=failed).",
			},
			[]string{"source"},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Wall time of a full ingestion run.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.CacheHotBytes,
		m.EntriesTotal,
		m.IndexTermsTotal,
		m.IngestRecordsTotal,
		m.IngestChunksTotal,
		m.IngestSourceState,
		m.IngestDuration,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
