package obsv

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/butlerfleet/internal/breaker"
	"github.com/codeready-toolchain/butlerfleet/internal/ratelimit"
)

func TestBufferMetrics_RecordsAgainstTheGlobalRegistry(t *testing.T) {
	var m BufferMetrics
	before := testutil.ToFloat64(enqueueHotTotal)

	m.IncEnqueueHot()
	m.IncEnqueueCold()
	m.IncBackpressure()
	m.IncScannerRecovered()
	m.SetQueueDepth(42)

	assert.Equal(t, before+1, testutil.ToFloat64(enqueueHotTotal))
	assert.Equal(t, float64(42), testutil.ToFloat64(queueDepth))
}

func TestRouteInboxMetrics_ObserveAcceptLatency(t *testing.T) {
	var m RouteInboxMetrics
	m.ObserveAcceptLatency("concierge", 10*time.Millisecond, "ok")

	count := testutil.CollectAndCount(acceptLatency)
	assert.Greater(t, count, 0)
}

func TestProcessorMetrics_ObserveProcessLatency(t *testing.T) {
	var m ProcessorMetrics
	m.ObserveProcessLatency("mail", 100*time.Millisecond, true)

	count := testutil.CollectAndCount(processLatency)
	assert.Greater(t, count, 0)
}

func TestSpawnerMetrics_ObserveSessionDurationAndGauges(t *testing.T) {
	var m SpawnerMetrics
	m.ObserveSessionDuration("concierge", time.Second, true)
	m.SetQueued("concierge", 3)
	m.SetActive("concierge", 2)

	assert.Equal(t, float64(3), testutil.ToFloat64(spawnerQueued.WithLabelValues("concierge")))
	assert.Equal(t, float64(2), testutil.ToFloat64(spawnerActive.WithLabelValues("concierge")))
}

func TestRecordCircuitBreakerStatuses_SetsOneHotStateGauges(t *testing.T) {
	RecordCircuitBreakerStatuses([]breaker.Status{
		{Provider: "slack", State: "open", ConsecutiveFailures: 7},
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(circuitState.WithLabelValues("slack", "open")))
	assert.Equal(t, float64(0), testutil.ToFloat64(circuitState.WithLabelValues("slack", "closed")))
	assert.Equal(t, float64(7), testutil.ToFloat64(circuitConsecutiveFailures.WithLabelValues("slack")))
}

func TestRecordCircuitBreakerStatuses_ResetsStaleProviders(t *testing.T) {
	RecordCircuitBreakerStatuses([]breaker.Status{{Provider: "telegram", State: "closed"}})
	RecordCircuitBreakerStatuses([]breaker.Status{{Provider: "slack", State: "open"}})

	assert.Equal(t, float64(0), testutil.ToFloat64(circuitState.WithLabelValues("telegram", "closed")))
}

func TestRecordRateLimitDecision_CountsAdmittedAndDenied(t *testing.T) {
	before := testutil.ToFloat64(rateLimitAdmissionsTotal.WithLabelValues("admitted", "none"))
	RecordRateLimitDecision(ratelimit.Decision{Admitted: true})
	assert.Equal(t, before+1, testutil.ToFloat64(rateLimitAdmissionsTotal.WithLabelValues("admitted", "none")))

	RecordRateLimitDecision(ratelimit.Decision{Admitted: false, LimitType: ratelimit.LimitChannel})
	assert.Equal(t, float64(1), testutil.ToFloat64(rateLimitAdmissionsTotal.WithLabelValues("denied", string(ratelimit.LimitChannel))))
}

func TestSetRateLimitInFlight(t *testing.T) {
	SetRateLimitInFlight(12)
	assert.Equal(t, float64(12), testutil.ToFloat64(rateLimitInFlight))
}
