package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: All metrics are registered globally, so every binary exposes the full
// set (the worker reports zero HTTP requests, the API zero materializations).

// namespace defines the global prefix for all metrics (e.g., segmentation_...).
const namespace = "segmentation"

// storeQueryBuckets covers customer store round trips, from indexed counts
// (a few ms) up to the probe timeout.
var storeQueryBuckets = []float64{.002, .005, .010, .025, .050, .100, .250, .500, 1, 2, 5}

// batchBuckets covers materialization runs, which page through every customer.
var batchBuckets = []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600}

var (
	// -------------------------------------------------------------------------
	// SEGMENT API (HTTP)
	// -------------------------------------------------------------------------

	// APIReqDuration measures the latency of HTTP requests.
	// Metric: segmentation_api_http_handling_seconds
	APIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the segment API",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// APIReqTotal counts HTTP requests by route pattern and status code.
	// Metric: segmentation_api_http_requests_total
	APIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the segment API",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// RULE ENGINE
	// -------------------------------------------------------------------------

	// ProbesTotal counts executability probes by outcome: ok, invalid, infra.
	// Metric: segmentation_engine_probes_total
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "probes_total",
		Help:      "Executability probes run before persisting rule sets",
	}, []string{"outcome"})

	// ProbeDuration includes retries.
	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "probe_duration_seconds",
		Help:      "Time taken by executability probes, retries included",
		Buckets:   storeQueryBuckets,
	})

	// RecomputeTotal counts statistics recomputations by status: success, fail.
	RecomputeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "recompute_total",
		Help:      "Segment statistics recomputations",
	}, []string{"kind", "status"})

	RecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "recompute_duration_seconds",
		Help:      "Time taken to recompute the statistics of one segment",
		Buckets:   storeQueryBuckets,
	})

	// --- Totals cache (Otter) ---

	TotalsCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "totals_cache_hits_total",
		Help:      "Store total customer counts served from memory",
	})

	TotalsCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "totals_cache_misses_total",
		Help:      "Store total customer counts read from the customer store",
	})

	// -------------------------------------------------------------------------
	// MATERIALIZATION
	// -------------------------------------------------------------------------

	// MaterializeRunsTotal counts runs by status: success, fail, skipped.
	// Metric: segmentation_materialize_runs_total
	MaterializeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "materialize",
		Name:      "runs_total",
		Help:      "Membership materialization runs",
	}, []string{"status"})

	MaterializeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "materialize",
		Name:      "run_duration_seconds",
		Help:      "Time taken by one materialization run over a store",
		Buckets:   batchBuckets,
	})

	CustomersEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "materialize",
		Name:      "customers_evaluated_total",
		Help:      "Customers run through the predicate evaluator",
	})

	MembershipsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "materialize",
		Name:      "memberships_created_total",
		Help:      "Membership rows inserted by materialization",
	})

	OrphansRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "materialize",
		Name:      "orphans_removed_total",
		Help:      "Membership rows deleted because their segment no longer exists",
	})

	// -------------------------------------------------------------------------
	// WORKER
	// -------------------------------------------------------------------------

	// WorkerJobDuration measures freshness (latency from enqueue to processed).
	// Metric: segmentation_worker_job_processing_duration_seconds
	WorkerJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "job_processing_duration_seconds",
		Help:      "End-to-end latency from enqueue to processing finish",
		Buckets:   prometheus.DefBuckets,
	})

	WorkerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Total recompute jobs processed",
	}, []string{"status"}) // success, retry, fail

	RecomputeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recompute_queue_depth",
		Help:      "Current number of jobs in the recompute queue",
	})

	// -------------------------------------------------------------------------
	// DATABASE POOL (pgxpool)
	// -------------------------------------------------------------------------

	// DBPoolConnections reports pool sizes by state: total, idle, in_use, max.
	// Metric: segmentation_database_pool_connections
	DBPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Connections in the PostgreSQL pool by state",
	}, []string{"state"})

	DBPoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Successful connection acquisitions from the pool",
	})

	DBPoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Cumulative time spent acquiring connections",
	})

	// DBPoolWaitCount counts acquisitions that had to wait for a free connection.
	DBPoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_wait_count_total",
		Help:      "Acquisitions that waited because the pool was exhausted",
	})
)
