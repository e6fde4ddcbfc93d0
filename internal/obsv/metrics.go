// Package obsv wires the Prometheus metrics and OpenTelemetry tracing named
// throughout the spec (queue_depth, enqueue_hot_total, backpressure_total,
// scanner_recovered_total, accept_latency_ms, process_latency_ms,
// session_duration_ms, circuit breaker state, rate-limiter admission
// counters) into the component-local Metrics seams. Modeled on
// service_layer's pkg/metrics package: a package-level registry, init-time
// registration, and small Record*/Observe* functions called from the hot
// path.
package obsv

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
	"github.com/codeready-toolchain/butlerfleet/internal/ratelimit"
)

const namespace = "butlerfleet"

// Registry holds every collector this package registers. Exported so
// cmd/butlerd can mount it behind /metrics alongside any process collectors
// it adds itself.
var Registry = prometheus.NewRegistry()

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "queue_depth",
		Help: "Current number of refs sitting in the durable buffer's in-memory channel.",
	})
	enqueueHotTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "enqueue_hot_total",
		Help: "Total refs accepted onto the buffer's hot path.",
	})
	enqueueColdTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "enqueue_cold_total",
		Help: "Total refs re-armed by the buffer's cold-path scanner.",
	})
	backpressureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "backpressure_total",
		Help: "Total enqueue attempts rejected because the buffer channel was full.",
	})
	scannerRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "scanner_recovered_total",
		Help: "Total rows the recovery scanner re-enqueued from message_inbox.",
	})

	acceptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "routeinbox", Name: "accept_latency_seconds",
		Help:    "Latency of the synchronous route.execute accept phase.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"target_butler", "status"})

	processLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "routeinbox", Name: "process_latency_seconds",
		Help:    "Latency of the asynchronous route_inbox process phase, claim to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"target_butler", "success"})

	sessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "spawner", Name: "session_duration_seconds",
		Help:    "Duration of a spawned LLM session, trigger to terminal Session row.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"butler", "success"})

	spawnerQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "spawner", Name: "queued",
		Help: "Triggers currently waiting for a free concurrency slot, per butler.",
	}, []string{"butler"})

	spawnerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "spawner", Name: "active",
		Help: "Triggers currently running, per butler.",
	}, []string{"butler"})

	circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "breaker", Name: "state",
		Help: "Circuit breaker state per provider, one-hot (1 for the current state label, 0 otherwise).",
	}, []string{"provider", "state"})

	circuitConsecutiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "breaker", Name: "consecutive_failures",
		Help: "Consecutive failures counted by the circuit breaker per provider.",
	}, []string{"provider"})

	rateLimitAdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ratelimit", Name: "admissions_total",
		Help: "Rate limiter admission decisions, by outcome and the layer that decided them.",
	}, []string{"decision", "limit_type"})

	rateLimitInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "ratelimit", Name: "global_in_flight",
		Help: "Current global in-flight admissions held by the rate limiter.",
	})
)

func init() {
	Registry.MustRegister(
		queueDepth,
		enqueueHotTotal,
		enqueueColdTotal,
		backpressureTotal,
		scannerRecoveredTotal,
		acceptLatency,
		processLatency,
		sessionDuration,
		spawnerQueued,
		spawnerActive,
		circuitState,
		circuitConsecutiveFailures,
		rateLimitAdmissionsTotal,
		rateLimitInFlight,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// BufferMetrics satisfies internal/buffer.Metrics.
type BufferMetrics struct{}

func (BufferMetrics) IncEnqueueHot()       { enqueueHotTotal.Inc() }
func (BufferMetrics) IncEnqueueCold()      { enqueueColdTotal.Inc() }
func (BufferMetrics) IncBackpressure()     { backpressureTotal.Inc() }
func (BufferMetrics) IncScannerRecovered() { scannerRecoveredTotal.Inc() }
func (BufferMetrics) SetQueueDepth(n int)  { queueDepth.Set(float64(n)) }

// RouteInboxMetrics satisfies internal/routeinbox.Metrics.
type RouteInboxMetrics struct{}

func (RouteInboxMetrics) ObserveAcceptLatency(targetButler string, d time.Duration, status string) {
	acceptLatency.WithLabelValues(targetButler, status).Observe(d.Seconds())
}

// ProcessorMetrics satisfies internal/routeinbox.ProcessorMetrics.
type ProcessorMetrics struct{}

func (ProcessorMetrics) ObserveProcessLatency(targetButler string, d time.Duration, success bool) {
	processLatency.WithLabelValues(targetButler, boolLabel(success)).Observe(d.Seconds())
}

// SpawnerMetrics satisfies internal/spawner.Metrics.
type SpawnerMetrics struct{}

func (SpawnerMetrics) ObserveSessionDuration(butler string, d time.Duration, success bool) {
	sessionDuration.WithLabelValues(butler, boolLabel(success)).Observe(d.Seconds())
}
func (SpawnerMetrics) SetQueued(butler string, n int) { spawnerQueued.WithLabelValues(butler).Set(float64(n)) }
func (SpawnerMetrics) SetActive(butler string, n int) { spawnerActive.WithLabelValues(butler).Set(float64(n)) }

// RecordCircuitBreakerStatuses publishes one-hot state gauges and the
// consecutive-failure count for every provider the registry is tracking.
// Intended to be called periodically by a poll loop (see BreakerCollector), mirroring
// service_layer's RecordModuleMetrics external-snapshot pattern: resetting
// before each pass keeps providers that stopped reporting from lingering at
// a stale state.
func RecordCircuitBreakerStatuses(statuses []breaker.Status) {
	circuitState.Reset()
	circuitConsecutiveFailures.Reset()
	for _, s := range statuses {
		for _, state := range []string{"closed", "half_open", "open"} {
			value := 0.0
			if state == s.State {
				value = 1.0
			}
			circuitState.WithLabelValues(s.Provider, state).Set(value)
		}
		circuitConsecutiveFailures.WithLabelValues(s.Provider).Set(float64(s.ConsecutiveFailures))
	}
}

// RecordRateLimitDecision records an admission outcome from ratelimit.Decision.
func RecordRateLimitDecision(d ratelimit.Decision) {
	decision := "denied"
	limitType := string(d.LimitType)
	if d.Admitted {
		decision = "admitted"
		limitType = "none"
	}
	rateLimitAdmissionsTotal.WithLabelValues(decision, limitType).Inc()
}

// SetRateLimitInFlight publishes the limiter's current global in-flight count.
func SetRateLimitInFlight(n int) {
	rateLimitInFlight.Set(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
