package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP requests
	RequestsTotal *prometheus.CounterVec

	// Transfer outcomes
	TransfersTotal *prometheus.CounterVec // by result: completed, interrupted, failed, stalled

	// Registry operations
	RegistryOpsTotal     *prometheus.CounterVec // by op and result
	QuotaRejectionsTotal prometheus.Counter
	DuplicateInitiations prometheus.Counter

	// Performance metrics
	DurationHist  prometheus.Histogram
	BytesSentHist prometheus.Histogram

	// Backend performance
	DatabaseQueryDuration *prometheus.HistogramVec // DB query latency by db_type
	StorageFetchDuration  *prometheus.HistogramVec // Storage fetch latency by storage_type

	// Authentication/Security
	SignatureFailuresTotal prometheus.Counter
	ExpiredRequestsTotal   prometheus.Counter

	// Concurrency
	ActiveTransfers     prometheus.Gauge
	ActiveStorageReads  prometheus.Gauge

	// Client behavior
	ClientDisconnectsTotal prometheus.Counter
	RangeRequestsTotal     prometheus.Counter
	StallsTotal            prometheus.Counter

	// Guard
	GuardContention prometheus.Counter // initiate attempts that lost the per-user lock

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec // by backend: storage

	// Health checks
	HealthStatus       *prometheus.GaugeVec   // by component: database, storage (1=healthy, 0=unhealthy)
	HealthChecksFailed *prometheus.CounterVec // by component: database, storage

	// System metrics
	MemoryGauge     prometheus.Gauge
	GoroutinesGauge prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			// HTTP requests
			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "offlinehub_requests_total",
				Help: "Total number of HTTP requests by status code",
			}, []string{"status"}),

			// Transfer outcomes
			TransfersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "offlinehub_transfers_total",
				Help: "Total number of transfer attempts by outcome (completed, interrupted, failed, stalled)",
			}, []string{"result"}),

			// Registry operations
			RegistryOpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "offlinehub_registry_ops_total",
				Help: "Registry operations by op (initiate, pause, resume, cancel, retry, delete, progress) and result",
			}, []string{"op", "result"}),
			QuotaRejectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "offlinehub_quota_rejections_total",
				Help: "Initiations rejected because the tier budget was exceeded",
			}),
			DuplicateInitiations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "offlinehub_duplicate_initiations_total",
				Help: "Initiations rejected because an active download already existed",
			}),

			// Performance metrics
			DurationHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "offlinehub_transfer_duration_seconds",
				Help:    "Transfer duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800}, // 1s to 30min
			}),
			BytesSentHist: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "offlinehub_bytes_sent",
				Help:    "Bytes sent to the client per transfer attempt",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 35), // Up to ~32GB+
			}),

			// Backend performance
			DatabaseQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "offlinehub_database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			}, []string{"db_type"}),
			StorageFetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "offlinehub_storage_fetch_duration_seconds",
				Help:    "Storage open duration per object in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"storage_type", "result"}),

			// Authentication/Security
			SignatureFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "offlinehub_signature_failures_total",
				Help: "Total number of failed identity signature verifications",
			}),
			ExpiredRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "offlinehub_expired_requests_total",
				Help: "Total number of requests with expired timestamps",
			}),

			// Concurrency
			ActiveTransfers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "offlinehub_active_transfers",
				Help: "Number of currently active file transfers",
			}),
			ActiveStorageReads: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "offlinehub_active_storage_reads",
				Help: "Number of currently open storage reads",
			}),

			// Client behavior
			ClientDisconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "offlinehub_client_disconnects_total",
				Help: "Total number of client disconnects during transfer",
			}),
			RangeRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "offlinehub_range_requests_total",
				Help: "Total number of byte-range (resume) requests served",
			}),
			StallsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "offlinehub_stalls_total",
				Help: "Transfers terminated by the stall watchdog",
			}),

			// Guard
			GuardContention: promauto.NewCounter(prometheus.CounterOpts{
				Name: "offlinehub_guard_contention_total",
				Help: "Initiate attempts that found the per-user guard lock held",
			}),

			// Circuit breaker
			CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "offlinehub_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			}, []string{"backend"}),

			// Health checks
			HealthStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "offlinehub_health_status",
				Help: "Health status by component (1=healthy, 0=unhealthy)",
			}, []string{"component"}),
			HealthChecksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "offlinehub_health_checks_failed_total",
				Help: "Total number of failed health checks by component",
			}, []string{"component"}),

			// System metrics
			MemoryGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "offlinehub_memory_heap_alloc_bytes",
				Help: "Current heap allocation in bytes",
			}),
			GoroutinesGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "offlinehub_goroutines",
				Help: "Number of goroutines",
			}),
		}
	})

	return defaultMetrics
}

// StartRuntimeMetricsCollector starts a goroutine that updates runtime metrics
func (m *Metrics) StartRuntimeMetricsCollector() {
	go func() {
		for {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			m.MemoryGauge.Set(float64(mem.HeapAlloc))
			m.GoroutinesGauge.Set(float64(runtime.NumGoroutine()))
			time.Sleep(10 * time.Second)
		}
	}()
}
