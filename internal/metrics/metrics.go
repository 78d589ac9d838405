package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_pipeline_requests_total",
			Help: "Total number of research pipeline requests",
		},
		[]string{"status"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		},
	)

	// Retrieval metrics
	SearchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_search_calls_total",
			Help: "Total number of search provider calls",
		},
		[]string{"outcome"},
	)

	SearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_search_latency_seconds",
			Help:    "Search provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_retry_attempts_total",
			Help: "Total number of retry attempts against the search provider",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_cache_hits_total",
			Help: "Total number of retrieval cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_cache_misses_total",
			Help: "Total number of retrieval cache misses",
		},
	)

	CacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_cache_errors_total",
			Help: "Total number of cache store errors treated as misses",
		},
	)

	// Aggregation metrics
	SourcesRanked = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_sources_ranked",
			Help:    "Number of sources in the ranked output per request",
			Buckets: []float64{0, 1, 3, 5, 10, 15, 25, 50},
		},
	)

	DedupPercent = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_dedup_percent",
			Help:    "Fraction of raw sources removed by URL deduplication",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
		},
	)

	// Planning metrics
	PlanningFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_planning_fallbacks_total",
			Help: "Total number of query plans that fell back to deterministic templates",
		},
	)

	// Reflexion metrics
	ReflexionIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_reflexion_iterations",
			Help:    "Number of reflexion iterations per request",
			Buckets: []float64{0, 1, 2, 3},
		},
	)

	ReflexionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_reflexion_outcomes_total",
			Help: "Terminal reflexion states by outcome",
		},
		[]string{"outcome"},
	)

	// Citation metrics
	CitationsInjected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_citations_injected_total",
			Help: "Total number of citation markers injected by the enforcer",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fathom_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)
)
