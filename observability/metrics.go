package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayerMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	relayerMetricsOnce sync.Once
	relayerRegistry    *relayerMetrics

	keyPoolMetricsOnce sync.Once
	keyPoolRegistry    *KeyPoolMetrics

	kmsMetricsOnce sync.Once
	kmsRegistry    *KMSMetrics

	breakerMetricsOnce sync.Once
	breakerRegistry    *CircuitBreakerMetrics

	storageMetricsOnce sync.Once
	storageRegistry    *StorageMetrics
)

// RelayerHTTP returns the lazily-initialised registry used to record sponsor
// API request activity.
func RelayerHTTP() *relayerMetrics {
	relayerMetricsOnce.Do(func() {
		relayerRegistry = &relayerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "relayer_http",
				Name:      "requests_total",
				Help:      "Total relayer HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "relayer_http",
				Name:      "errors_total",
				Help:      "Total relayer HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "onsocial",
				Subsystem: "relayer_http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for relayer HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "relayer_http",
				Name:      "throttles_total",
				Help:      "Count of sponsor requests rejected by rate limiting.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			relayerRegistry.requests,
			relayerRegistry.errors,
			relayerRegistry.latency,
			relayerRegistry.throttles,
		)
	})
	return relayerRegistry
}

// Observe records the outcome of a sponsor request.
func (m *relayerMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, statusLabel(status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
func (m *relayerMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// KeyPoolMetrics tracks the access-key pool's lease lifecycle.
type KeyPoolMetrics struct {
	slotsByState *prometheus.GaugeVec
	leased       prometheus.Counter
	released     prometheus.Counter
	leaseWait    prometheus.Histogram
	scaleEvents  *prometheus.CounterVec
}

// KeyPool returns the singleton key pool metrics registry.
func KeyPool() *KeyPoolMetrics {
	keyPoolMetricsOnce.Do(func() {
		keyPoolRegistry = &KeyPoolMetrics{
			slotsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "onsocial",
				Subsystem: "key_pool",
				Name:      "slots",
				Help:      "Number of access key slots segmented by lifecycle state.",
			}, []string{"state"}),
			leased: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "key_pool",
				Name:      "leases_total",
				Help:      "Total number of successful key slot leases.",
			}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "key_pool",
				Name:      "releases_total",
				Help:      "Total number of key slot releases back to the pool.",
			}),
			leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "onsocial",
				Subsystem: "key_pool",
				Name:      "lease_wait_seconds",
				Help:      "Time spent waiting for an available key slot.",
				Buckets:   prometheus.DefBuckets,
			}),
			scaleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "key_pool",
				Name:      "scale_events_total",
				Help:      "Count of autoscaler decisions segmented by direction.",
			}, []string{"direction"}),
		}
		prometheus.MustRegister(
			keyPoolRegistry.slotsByState,
			keyPoolRegistry.leased,
			keyPoolRegistry.released,
			keyPoolRegistry.leaseWait,
			keyPoolRegistry.scaleEvents,
		)
	})
	return keyPoolRegistry
}

// SetSlotCount updates the gauge tracking how many slots are in a lifecycle
// state (warm, active, draining, dead).
func (m *KeyPoolMetrics) SetSlotCount(state string, count int) {
	if m == nil {
		return
	}
	m.slotsByState.WithLabelValues(state).Set(float64(count))
}

// RecordLease records a successful lease and how long the caller waited for
// a free slot.
func (m *KeyPoolMetrics) RecordLease(wait time.Duration) {
	if m == nil {
		return
	}
	m.leased.Inc()
	m.leaseWait.Observe(wait.Seconds())
}

// RecordRelease records a slot returning to the pool.
func (m *KeyPoolMetrics) RecordRelease() {
	if m == nil {
		return
	}
	m.released.Inc()
}

// RecordScaleEvent records an autoscaler grow or shrink decision.
func (m *KeyPoolMetrics) RecordScaleEvent(direction string) {
	if m == nil {
		return
	}
	m.scaleEvents.WithLabelValues(direction).Inc()
}

// KMSMetrics tracks signing requests issued to the external key management
// service.
type KMSMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// KMS returns the singleton KMS client metrics registry.
func KMS() *KMSMetrics {
	kmsMetricsOnce.Do(func() {
		kmsRegistry = &KMSMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "kms",
				Name:      "requests_total",
				Help:      "Total KMS signing requests segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "onsocial",
				Subsystem: "kms",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for KMS signing requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(kmsRegistry.requests, kmsRegistry.latency)
	})
	return kmsRegistry
}

// Observe records the outcome of a KMS request.
func (m *KMSMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// CircuitBreakerMetrics tracks the independent breakers guarding KMS and NEAR
// RPC calls.
type CircuitBreakerMetrics struct {
	state prometheus.GaugeVec
	trips *prometheus.CounterVec
}

// Breaker returns the singleton circuit breaker metrics registry.
func Breaker() *CircuitBreakerMetrics {
	breakerMetricsOnce.Do(func() {
		breakerRegistry = &CircuitBreakerMetrics{
			state: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "onsocial",
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state per guarded dependency: 0 closed, 1 open, 2 half-open.",
			}, []string{"dependency"}),
			trips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "circuit_breaker",
				Name:      "trips_total",
				Help:      "Count of times a circuit breaker tripped open.",
			}, []string{"dependency"}),
		}
		prometheus.MustRegister(&breakerRegistry.state, breakerRegistry.trips)
	})
	return breakerRegistry
}

// SetState records a breaker's current numeric state for a dependency.
func (m *CircuitBreakerMetrics) SetState(dependency string, state int) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(dependency).Set(float64(state))
}

// RecordTrip increments the trip counter for a dependency.
func (m *CircuitBreakerMetrics) RecordTrip(dependency string) {
	if m == nil {
		return
	}
	m.trips.WithLabelValues(dependency).Inc()
}

// StorageMetrics tracks key/value storage and sponsor quota activity.
type StorageMetrics struct {
	writes        *prometheus.CounterVec
	quotaRejected *prometheus.CounterVec
	bytesCharged  *prometheus.CounterVec
}

// Storage returns the singleton key/value storage metrics registry.
func Storage() *StorageMetrics {
	storageMetricsOnce.Do(func() {
		storageRegistry = &StorageMetrics{
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "storage",
				Name:      "writes_total",
				Help:      "Total key/value writes segmented by operation.",
			}, []string{"operation"}),
			quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "storage",
				Name:      "quota_rejected_total",
				Help:      "Count of writes rejected for exceeding a sponsor's storage quota.",
			}, []string{"group_id"}),
			bytesCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onsocial",
				Subsystem: "storage",
				Name:      "bytes_charged_total",
				Help:      "Cumulative storage bytes charged to a payer, positive deltas only.",
			}, []string{"payer"}),
		}
		prometheus.MustRegister(
			storageRegistry.writes,
			storageRegistry.quotaRejected,
			storageRegistry.bytesCharged,
		)
	})
	return storageRegistry
}

// RecordWrite increments the write counter for an operation (put or delete).
func (m *StorageMetrics) RecordWrite(operation string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(operation).Inc()
}

// RecordQuotaRejected increments the quota-exceeded counter for a group.
func (m *StorageMetrics) RecordQuotaRejected(groupID string) {
	if m == nil {
		return
	}
	m.quotaRejected.WithLabelValues(labelOrUnknown(groupID)).Inc()
}

// RecordBytesCharged adds a positive byte spend to a payer's running total.
func (m *StorageMetrics) RecordBytesCharged(payer string, deltaBytes int64) {
	if m == nil || deltaBytes <= 0 {
		return
	}
	m.bytesCharged.WithLabelValues(labelOrUnknown(payer)).Add(float64(deltaBytes))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

func labelOrUnknown(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
