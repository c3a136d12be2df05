// Package metrics registers the Prometheus metrics used by the connector.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ERP operation counters and histograms.
var (
	// OperationsTotal counts completed ERP operations labelled by operation
	// name, tenant, and outcome ("success", "error", "cancelled",
	// "rejected").
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnector_operations_total",
			Help: "Total number of ERP operations processed by the connector.",
		},
		[]string{"operation", "tenant", "status"},
	)

	// OperationDuration observes end-to-end operation latency in seconds,
	// including time spent waiting for the tenant's actor.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "erpconnector_operation_duration_seconds",
			Help:    "End-to-end ERP operation duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "tenant"},
	)

	// ActorWaitDuration observes how long operations queue behind the
	// tenant's single ERP session before executing.
	ActorWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "erpconnector_actor_wait_seconds",
			Help:    "Time operations spend waiting for exclusive session access.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"tenant"},
	)

	// ActiveActors tracks the number of live ERP sessions in the pool.
	ActiveActors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erpconnector_active_actors",
			Help: "Number of ERP session actors currently in the pool.",
		},
	)

	// ConnErrors counts connection-level failures broken down by tenant and
	// error type ("open_failed", "circuit_open", "conn_lost").
	ConnErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnector_conn_errors_total",
			Help: "Total ERP connection errors by type.",
		},
		[]string{"tenant", "error_type"},
	)

	// CircuitBreakerState tracks the per-actor connection circuit breaker as
	// a gauge: 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erpconnector_circuit_breaker_state",
			Help: "Connection circuit breaker state per tenant (0=closed 1=open 2=half_open).",
		},
		[]string{"tenant"},
	)

	// UnknownFilters counts query filters that named a property the entity
	// does not expose. The filter is passed through untranslated.
	UnknownFilters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnector_unknown_filter_total",
			Help: "Total query filters naming an unknown entity property.",
		},
		[]string{"entity", "property"},
	)

	// KeyValidations counts API key validation attempts labelled by outcome
	// ("valid", "invalid", "inactive").
	KeyValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnector_key_validations_total",
			Help: "Total API key validation attempts.",
		},
		[]string{"status"},
	)

	// RateLimitRejections counts operations rejected by per-tenant rate
	// limiting.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpconnector_rate_limit_rejections_total",
			Help: "Total operations rejected by rate limiting.",
		},
		[]string{"tenant"},
	)
)
