package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbengine_documents_ingested_total",
			Help: "Total number of documents ingested by terminal status",
		},
		[]string{"status"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbengine_chunks_indexed_total",
			Help: "Total number of chunks written to the vector store",
		},
	)

	IngestStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbengine_ingest_stage_seconds",
			Help:    "Ingestion stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Retrieval metrics
	RetrievalStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbengine_retrieval_stage_seconds",
			Help:    "Retrieval stage duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"stage"},
	)

	RetrievalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbengine_retrieval_requests_total",
			Help: "Total retrieval requests by method",
		},
		[]string{"method"},
	)

	// Provider metrics
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbengine_provider_calls_total",
			Help: "Provider calls by alias, vendor, operation and outcome",
		},
		[]string{"alias", "vendor", "op", "outcome"},
	)

	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbengine_provider_tokens_total",
			Help: "Token usage by alias and direction",
		},
		[]string{"alias", "direction"},
	)

	// Rate limit metrics
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbengine_ratelimit_rejections_total",
			Help: "Requests rejected by rate limiting, by scope",
		},
		[]string{"scope"},
	)

	RateLimitDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbengine_ratelimit_degraded",
			Help: "Whether rate limiting is running on process-local fallback (1 = degraded)",
		},
	)

	// Cache metrics
	EmbeddingCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbengine_embedding_cache_total",
			Help: "Embedding cache lookups by cache and outcome",
		},
		[]string{"cache", "outcome"},
	)

	// Streaming metrics
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbengine_sse_streams_active",
			Help: "Number of SSE streams currently open",
		},
	)

	StreamChunksForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbengine_sse_chunks_forwarded_total",
			Help: "Total SSE chunks forwarded to clients",
		},
	)

	// Job metrics
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbengine_jobs_processed_total",
			Help: "Background jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbengine_job_retries_total",
			Help: "Background job retry attempts",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbengine_api_requests_total",
			Help: "Total API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbengine_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// init registers all metrics with the default registry
func init() {
	prometheus.MustRegister(
		DocumentsIngested,
		ChunksIndexed,
		IngestStageDuration,
		RetrievalStageDuration,
		RetrievalRequests,
		ProviderCalls,
		ProviderTokens,
		RateLimitRejections,
		RateLimitDegraded,
		EmbeddingCacheHits,
		ActiveStreams,
		StreamChunksForwarded,
		JobsProcessed,
		JobRetries,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
