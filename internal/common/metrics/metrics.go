package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics

	// GatewayNotificationsReceived tracks notification items received per webhook
	GatewayNotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "gateway",
			Name:      "notifications_received_total",
			Help:      "Total notification items received per resource type",
		},
		[]string{"resource_type"},
	)

	// GatewayNotificationsDropped tracks items dropped before dispatch
	GatewayNotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "gateway",
			Name:      "notifications_dropped_total",
			Help:      "Total notification items dropped before dispatch",
		},
		[]string{"resource_type", "reason"}, // reason: unknown_subscription, spoofed, duplicate
	)

	// GatewayValidationHandshakes tracks validation handshakes answered
	GatewayValidationHandshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "gateway",
			Name:      "validation_handshakes_total",
			Help:      "Total subscription validation handshakes answered",
		},
		[]string{"resource_type"},
	)

	// GatewayBatchesRejected tracks batches rejected with 503 due to backpressure
	GatewayBatchesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "gateway",
			Name:      "batches_rejected_total",
			Help:      "Total notification batches rejected due to queue backpressure",
		},
		[]string{"resource_type"},
	)

	// Dispatch metrics

	// DispatchEventsDelivered tracks delivery outcomes
	DispatchEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "dispatch",
			Name:      "events_delivered_total",
			Help:      "Total canonical events delivered to the consumer",
		},
		[]string{"result"}, // result: success, failed, dropped
	)

	// DispatchDeliveryDuration tracks consumer POST duration
	DispatchDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "graphrelay",
			Subsystem: "dispatch",
			Name:      "delivery_duration_seconds",
			Help:      "Consumer delivery request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status_code"},
	)

	// DispatchQueueDepth tracks pending events in the dispatcher queue
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "graphrelay",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Number of events pending in the dispatcher queue",
		},
	)

	// DispatchActiveGroups tracks active per-subscription delivery goroutines
	DispatchActiveGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "graphrelay",
			Subsystem: "dispatch",
			Name:      "active_groups",
			Help:      "Number of active per-subscription delivery workers",
		},
	)

	// DispatchRetries tracks delivery retry attempts
	DispatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Total delivery retry attempts",
		},
	)

	// DispatchCircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	DispatchCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "graphrelay",
			Subsystem: "dispatch",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// DispatchCircuitBreakerTrips tracks circuit breaker trip events
	DispatchCircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "dispatch",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
	)

	// DispatchRateLimitWaits tracks events delayed by the pool rate limiter
	DispatchRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "dispatch",
			Name:      "rate_limit_waits_total",
			Help:      "Total deliveries delayed by the rate limiter",
		},
	)

	// Graph client metrics

	// GraphRequests tracks requests made to the Graph API
	GraphRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "graph",
			Name:      "requests_total",
			Help:      "Total requests made to the Graph API",
		},
		[]string{"operation", "status_code"},
	)

	// GraphRequestDuration tracks Graph API request duration
	GraphRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "graphrelay",
			Subsystem: "graph",
			Name:      "request_duration_seconds",
			Help:      "Graph API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// GraphTokenRefreshes tracks token acquisitions
	GraphTokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "graph",
			Name:      "token_refreshes_total",
			Help:      "Total access token acquisitions",
		},
		[]string{"result"}, // result: success, failed
	)

	// Subscription manager metrics

	// ManagerRenewals tracks renewal outcomes
	ManagerRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "manager",
			Name:      "renewals_total",
			Help:      "Total subscription renewal attempts",
		},
		[]string{"result"}, // result: success, failed, recreated
	)

	// ManagerActiveSubscriptions tracks subscriptions by status
	ManagerActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "graphrelay",
			Subsystem: "manager",
			Name:      "subscriptions",
			Help:      "Number of tracked subscriptions by status",
		},
		[]string{"status"},
	)

	// Dedup metrics

	// DedupHits tracks duplicate notifications suppressed
	DedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "gateway",
			Name:      "dedup_hits_total",
			Help:      "Total duplicate notifications suppressed",
		},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "graphrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
