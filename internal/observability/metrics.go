package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent invocation metrics
	agentInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oscar_gateway_agent_invocations_total",
		Help: "Total number of Bedrock agent invocations",
	}, []string{"tier", "status"}) // tier: "privileged" or "limited"

	agentInvocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oscar_gateway_agent_invocation_duration_seconds",
		Help:    "End-to-end duration of agent invocations in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	streamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oscar_gateway_stream_events_total",
		Help: "Total agent completion stream events by variant",
	}, []string{"type"}) // type: "chunk", "trace", "unknown"

	responseSource = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oscar_gateway_response_source_total",
		Help: "Where the final response text came from",
	}, []string{"source"}) // source: "tool", "chunk", "empty"

	// Slack metrics
	slackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oscar_gateway_slack_events_total",
		Help: "Total number of Slack events processed",
	}, []string{"type", "status"})

	duplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oscar_gateway_duplicate_events_total",
		Help: "Slack events skipped because the event id was already seen",
	})

	// Session store metrics
	sessionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oscar_gateway_session_ops_total",
		Help: "Total session store operations",
	}, []string{"op", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oscar_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oscar_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oscar_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// InvocationMetrics tracks metrics for a single agent invocation
type InvocationMetrics struct {
	startTime time.Time
}

// NewInvocationMetrics creates a metrics tracker for one agent invocation
func NewInvocationMetrics() *InvocationMetrics {
	return &InvocationMetrics{startTime: time.Now()}
}

// RecordEnd records the completion of an agent invocation
func (m *InvocationMetrics) RecordEnd(tier string, success bool) {
	agentInvocationDuration.Observe(time.Since(m.startTime).Seconds())

	status := "success"
	if !success {
		status = "error"
	}
	agentInvocations.WithLabelValues(tier, status).Inc()
}

// RecordStreamEvent counts one completion stream event by variant
func RecordStreamEvent(eventType string) {
	streamEvents.WithLabelValues(eventType).Inc()
}

// RecordResponseSource records which buffer produced the final response text
func RecordResponseSource(source string) {
	responseSource.WithLabelValues(source).Inc()
}

// RecordSlackEvent records a processed Slack event
func RecordSlackEvent(eventType string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	slackEvents.WithLabelValues(eventType, status).Inc()
}

// RecordDuplicateEvent counts a Slack event dropped by deduplication
func RecordDuplicateEvent() {
	duplicateEvents.Inc()
}

// RecordSessionOp records a session store operation
func RecordSessionOp(op string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	sessionOps.WithLabelValues(op, status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
