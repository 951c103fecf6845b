package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all crewd metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	EventsAppended   metric.Int64Counter
	Transitions      metric.Int64Counter
	TokensUsed       metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
	PendingApprovals metric.Int64UpDownCounter
	PolicyDenials    metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	DeadLetters      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("crewd.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("crewd.dispatch.duration",
		metric.WithDescription("Scheduler dispatch-to-response duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("crewd.events.appended",
		metric.WithDescription("Task events appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("crewd.task.transitions",
		metric.WithDescription("Task status transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("crewd.provider.tokens",
		metric.WithDescription("Total tokens consumed across provider accounts"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("crewd.scheduler.queue_depth",
		metric.WithDescription("Requests currently waiting in the scheduler queue"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingApprovals, err = meter.Int64UpDownCounter("crewd.approvals.pending",
		metric.WithDescription("Tool calls parked awaiting human approval"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("crewd.policy.denials",
		metric.WithDescription("Tool calls denied by the policy engine"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("crewd.ratelimit.rejects",
		metric.WithDescription("Dispatch attempts deferred for lack of account capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("crewd.deadletter.parked",
		metric.WithDescription("Events parked in the dead letter table"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
