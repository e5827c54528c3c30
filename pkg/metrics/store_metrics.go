package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Persistence metrics
var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_store_operations_total",
			Help: "Total number of store operations.",
		},
		[]string{"backend", "operation", "status"}, // status: "success", "error"
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"backend", "operation"},
	)

	StoreUpdateConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_store_update_conflicts_total",
			Help: "Optimistic read-modify-write attempts that had to be retried.",
		},
		[]string{"backend"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyd_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)
)

// Connection pool metrics for the PostgreSQL backend
var (
	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyd_db_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
	)
	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyd_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
	)
	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyd_db_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
	)
)
