package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task lifecycle metrics
	TasksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_tasks_started_total",
			Help: "Total number of research tasks started",
		},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_tasks_finished_total",
			Help: "Total number of research tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_task_duration_seconds",
			Help:    "End-to-end task duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_state_transitions_total",
			Help: "Task state machine transitions",
		},
		[]string{"from", "to"},
	)

	InvalidDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_invalid_decisions_total",
			Help: "Inbound decisions discarded as no-ops",
		},
		[]string{"decision"},
	)

	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_approval_decisions_total",
			Help: "Approval gate outcomes",
		},
		[]string{"decision"},
	)

	ApprovalWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_approval_wait_seconds",
			Help:    "Time tasks spend suspended at the approval gate",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		},
	)

	IterationsPerTask = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_iterations_per_task",
			Help:    "Iteration passes executed per task",
			Buckets: []float64{1, 2, 3, 5, 8, 12, 20},
		},
	)

	// Generation backend metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_llm_calls_total",
			Help: "Generation calls by provider, model, and outcome",
		},
		[]string{"provider", "model", "status"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_llm_call_duration_seconds",
			Help:    "Generation call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"provider"},
	)

	RateLimitDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_rate_limit_delay_seconds",
			Help:    "Pacing delay applied before provider calls",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"provider"},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_task_tokens_used",
			Help:    "Number of tokens used per task",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	TaskCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_task_cost_usd",
			Help:    "Estimated cost in USD per task",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Evidence source metrics
	SearchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_search_calls_total",
			Help: "Evidence source gateway calls by source and outcome",
		},
		[]string{"source", "status"},
	)

	SearchCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_search_call_duration_seconds",
			Help:    "Evidence source call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	FindingsCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_findings_collected_total",
			Help: "Findings appended to evidence by source",
		},
		[]string{"source"},
	)

	// Event channel metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_events_published_total",
			Help: "Events published to task channels by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_events_dropped_total",
			Help: "Events dropped due to slow subscribers or full mirror queues",
		},
	)

	ChannelConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_channel_connects_total",
			Help: "Event channel connections by transport",
		},
		[]string{"transport"},
	)

	ChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_channels_active",
			Help: "Currently connected event channels",
		},
	)

	// Registry metrics
	TasksResident = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_tasks_resident",
			Help: "Task sessions resident in the registry",
		},
	)

	TasksEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_tasks_evicted_total",
			Help: "Terminal task sessions evicted from the registry",
		},
	)

	// Persistence metrics
	DBWriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_db_write_queue_depth",
			Help: "Pending writes in the async persistence queue",
		},
	)

	DBWritesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_db_writes_dropped_total",
			Help: "Persistence writes dropped because the queue was full",
		},
	)

	DBWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_db_write_errors_total",
			Help: "Persistence writes that failed",
		},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_policy_decisions_total",
			Help: "Policy engine decisions by outcome",
		},
		[]string{"outcome", "mode"},
	)

	// Health metrics
	HealthCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fathom_health_check_status",
			Help: "Latest health check result per component (0=healthy, 1=degraded, 2=unhealthy)",
		},
		[]string{"component"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fathom_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_circuit_breaker_trips_total",
			Help: "Circuit breaker open transitions",
		},
		[]string{"name", "service"},
	)

	// Embedding cache metrics
	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_embedding_cache_hits_total",
			Help: "Embedding cache lookups by layer and outcome",
		},
		[]string{"layer", "outcome"},
	)

	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_vector_searches_total",
			Help: "Vector store searches by collection and outcome",
		},
		[]string{"collection", "status"},
	)

	VectorSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_vector_search_duration_seconds",
			Help:    "Vector store search latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"collection"},
	)

	// Pricing metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_pricing_fallbacks_total",
			Help: "Cost estimates that fell back to the default rate",
		},
		[]string{"reason"},
	)

	// Prompt registry metrics
	PromptsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_prompts_loaded_total",
			Help: "Prompt templates loaded into the registry",
		},
		[]string{"name"},
	)

	PromptLoadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_prompt_load_errors_total",
			Help: "Prompt template files rejected at load time",
		},
		[]string{"reason"},
	)
)
