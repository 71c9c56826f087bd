package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APIAnalysesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "api",
		Name:      "analyses_submitted_total",
		Help:      "Total analysis tasks submitted through the API gateway.",
	}, []string{"kind"})

	APIStatusRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "api",
		Name:      "status_requests_total",
		Help:      "Total status poll requests, labelled by serving source.",
	}, []string{"source"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total analysis tasks run to a terminal state, labelled by kind and status.",
	}, []string{"kind", "status"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "thetamind",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Analysis tasks currently being executed.",
	}, []string{"kind"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "thetamind",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "End-to-end pipeline execution time in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"kind"})

	WorkerUnitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "worker",
		Name:      "unit_failures_total",
		Help:      "Analysis units that exhausted their retry budget.",
	}, []string{"unit"})

	WorkerDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "worker",
		Name:      "dlq_total",
		Help:      "Malformed envelopes forwarded to the dead-letter queue.",
	})

	// ─── Engine ──────────────────────────────────────────────────────────────────

	EngineModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "engine",
		Name:      "model_calls_total",
		Help:      "LLM completions issued, labelled by grounding and outcome.",
	}, []string{"grounded", "outcome"})

	EngineProviderFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "engine",
		Name:      "provider_fetches_total",
		Help:      "Market-data fetches during enrichment, labelled by data kind and outcome.",
	}, []string{"data_kind", "outcome"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "dispatcher",
		Name:      "tasks_routed_total",
		Help:      "Tasks routed to per-kind worker topics.",
	}, []string{"kind"})

	DispatcherDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Submissions sent to DLQ by the dispatcher (malformed or unknown kind).",
	})

	DispatcherRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "dispatcher",
		Name:      "rate_limited_total",
		Help:      "Submissions deferred by the rate limiter.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "scheduler",
		Name:      "requeued_total",
		Help:      "Stale PENDING tasks republished to their task topic.",
	})

	SchedulerScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thetamind",
		Subsystem: "scheduler",
		Name:      "scheduled_runs_total",
		Help:      "Recurring analyses submitted by the cron scheduler.",
	}, []string{"symbol"})
)
