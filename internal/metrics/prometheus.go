package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actorgraph_queue_transitions_total",
			Help: "Queue item status transitions",
		},
		[]string{"to"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "actorgraph_queue_items",
			Help: "Queue items by status",
		},
		[]string{"status"},
	)

	ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actorgraph_extraction_duration_seconds",
			Help:    "Extraction duration in seconds by answering backend",
			Buckets: []float64{0.05, 0.25, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	BackendOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actorgraph_oracle_backend_outcomes_total",
			Help: "Oracle backend attempts by outcome",
		},
		[]string{"backend", "outcome"},
	)

	BackendBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "actorgraph_oracle_backend_breaker_state",
			Help: "Circuit breaker state per oracle backend (0 closed, 1 half-open, 2 open)",
		},
		[]string{"backend"},
	)

	ExtractionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "actorgraph_extraction_confidence",
			Help:    "Overall confidence of extraction results",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	SuggestionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actorgraph_suggestion_outcomes_total",
			Help: "Suggestion writes and reviews by outcome",
		},
		[]string{"outcome"},
	)

	ActorsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actorgraph_actors_written_total",
			Help: "Actor upserts performed by the evidence accumulator",
		},
	)

	GraphCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actorgraph_graph_cache_hits_total",
			Help: "Graph cache hits by tier",
		},
		[]string{"tier"},
	)

	GraphCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actorgraph_graph_cache_misses_total",
			Help: "Graph cache misses",
		},
	)

	GraphBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "actorgraph_graph_build_duration_seconds",
			Help:    "Graph build duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	DedupMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actorgraph_dedup_actors_merged_total",
			Help: "Actors absorbed into a canonical actor by deduplication",
		},
	)

	DocumentsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actorgraph_documents_submitted_total",
			Help: "Documents submitted for extraction",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(QueueTransitions)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(ExtractionDuration)
		prometheus.MustRegister(BackendOutcomes)
		prometheus.MustRegister(BackendBreakerState)
		prometheus.MustRegister(ExtractionConfidence)
		prometheus.MustRegister(SuggestionOutcomes)
		prometheus.MustRegister(ActorsWritten)
		prometheus.MustRegister(GraphCacheHits)
		prometheus.MustRegister(GraphCacheMisses)
		prometheus.MustRegister(GraphBuildDuration)
		prometheus.MustRegister(DedupMerged)
		prometheus.MustRegister(DocumentsSubmitted)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
