package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all coordination server metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram

	TasksEnqueued  metric.Int64Counter
	TasksClaimed   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksReclaimed metric.Int64Counter

	EventsPublished metric.Int64Counter

	AuditAppends        metric.Int64Counter
	AuditVerifyFailures metric.Int64Counter

	RateLimitRejects metric.Int64Counter
	StaleAgents      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("cmdcenter.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("cmdcenter.tasks.enqueued",
		metric.WithDescription("Tasks added to the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("cmdcenter.tasks.claimed",
		metric.WithDescription("Tasks atomically claimed by agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("cmdcenter.tasks.completed",
		metric.WithDescription("Tasks reported completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("cmdcenter.tasks.failed",
		metric.WithDescription("Tasks reported failed, including retry exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReclaimed, err = meter.Int64Counter("cmdcenter.tasks.reclaimed",
		metric.WithDescription("Tasks returned to pending after agent staleness"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("cmdcenter.events.published",
		metric.WithDescription("Event log rows appended"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditAppends, err = meter.Int64Counter("cmdcenter.audit.appends",
		metric.WithDescription("Audit log entries appended"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditVerifyFailures, err = meter.Int64Counter("cmdcenter.audit.verify_failures",
		metric.WithDescription("Audit chain verifications that found a broken chain"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("cmdcenter.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleAgents, err = meter.Int64Counter("cmdcenter.agents.stale",
		metric.WithDescription("Agents detected stale by the heartbeat monitor"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
