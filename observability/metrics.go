package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the taskmesh instruments.
type Metrics struct {
	routerAttempts     metric.Int64Counter
	routerLatency      metric.Float64Histogram
	routerExhausted    metric.Int64Counter
	circuitOpens       metric.Int64Counter
	tasksTotal         metric.Int64Counter
	taskDuration       metric.Float64Histogram
	taskQuality        metric.Float64Histogram
	agentInvocations   metric.Int64Counter
	retrainsTotal      metric.Int64Counter
	eventsDroppedTotal metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	if m.routerAttempts, err = meter.Int64Counter(
		"taskmesh_router_attempts_total",
		metric.WithDescription("Provider call attempts by endpoint and outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.routerLatency, err = meter.Float64Histogram(
		"taskmesh_router_call_duration_seconds",
		metric.WithDescription("Provider call latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.routerExhausted, err = meter.Int64Counter(
		"taskmesh_router_exhausted_total",
		metric.WithDescription("Calls that failed on every configured endpoint"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.circuitOpens, err = meter.Int64Counter(
		"taskmesh_router_circuit_opens_total",
		metric.WithDescription("Circuit breaker open transitions by endpoint"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.tasksTotal, err = meter.Int64Counter(
		"taskmesh_tasks_total",
		metric.WithDescription("Finished tasks by type, topology and status"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"taskmesh_task_duration_seconds",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.taskQuality, err = meter.Float64Histogram(
		"taskmesh_task_quality_score",
		metric.WithDescription("Aggregate task quality score"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.agentInvocations, err = meter.Int64Counter(
		"taskmesh_agent_invocations_total",
		metric.WithDescription("Agent invocations by agent, phase and status"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.retrainsTotal, err = meter.Int64Counter(
		"taskmesh_predictor_retrains_total",
		metric.WithDescription("Predictive model retrains by outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.eventsDroppedTotal, err = meter.Int64Counter(
		"taskmesh_events_dropped_total",
		metric.WithDescription("Events dropped because a subscriber mailbox was full"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAttempt records one router attempt. outcome is "success", "skipped"
// or an error kind.
func (m *Metrics) RecordAttempt(ctx context.Context, endpoint, outcome string, latency time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("endpoint", endpoint), attribute.String("outcome", outcome))
	m.routerAttempts.Add(ctx, 1, attrs)

	if latency > 0 {
		m.routerLatency.Record(ctx, latency.Seconds(), attrs)
	}
}

// RecordExhausted counts a call that failed on every endpoint.
func (m *Metrics) RecordExhausted(ctx context.Context) {
	if m == nil {
		return
	}

	m.routerExhausted.Add(ctx, 1)
}

// RecordCircuitOpen counts a circuit breaker opening.
func (m *Metrics) RecordCircuitOpen(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}

	m.circuitOpens.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordTask records a finished task.
func (m *Metrics) RecordTask(ctx context.Context, taskType, topology, status string, dur time.Duration, quality float64) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("topology", topology),
		attribute.String("status", status),
	)

	m.tasksTotal.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, dur.Seconds(), attrs)
	m.taskQuality.Record(ctx, quality, attrs)
}

// RecordAgentInvocation counts one agent invocation.
func (m *Metrics) RecordAgentInvocation(ctx context.Context, agentID, phase, status string) {
	if m == nil {
		return
	}

	m.agentInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("phase", phase),
		attribute.String("status", status),
	))
}

// RecordRetrain counts a retrain attempt.
func (m *Metrics) RecordRetrain(ctx context.Context, success bool) {
	if m == nil {
		return
	}

	m.retrainsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordDroppedEvents adds n dropped events.
func (m *Metrics) RecordDroppedEvents(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}

	m.eventsDroppedTotal.Add(ctx, n)
}
