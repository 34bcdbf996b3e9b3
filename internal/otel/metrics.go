package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all ClawDeck metric instruments.
type Metrics struct {
	TaskDuration        metric.Float64Histogram
	TasksResolved       metric.Int64Counter
	TasksTimedOut       metric.Int64Counter
	ActiveSupervisors   metric.Int64UpDownCounter
	CacheRefreshes      metric.Int64Counter
	CacheRefreshErrs    metric.Int64Counter
	GatewayCallDuration metric.Float64Histogram
	GatewayCallErrors   metric.Int64Counter
	RecoveredTasks      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("clawdeck.task.duration",
		metric.WithDescription("Task wall time from execute to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksResolved, err = meter.Int64Counter("clawdeck.task.resolved",
		metric.WithDescription("Tasks resolved via poll-path result extraction"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksTimedOut, err = meter.Int64Counter("clawdeck.task.timeouts",
		metric.WithDescription("Tasks resolved by the deadline timer"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSupervisors, err = meter.Int64UpDownCounter("clawdeck.supervisor.active",
		metric.WithDescription("Currently running task supervisors"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheRefreshes, err = meter.Int64Counter("clawdeck.cache.refreshes",
		metric.WithDescription("Completed cache refresh attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheRefreshErrs, err = meter.Int64Counter("clawdeck.cache.refresh_errors",
		metric.WithDescription("Cache refresh attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayCallDuration, err = meter.Float64Histogram("clawdeck.gateway.duration",
		metric.WithDescription("Gateway RPC duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayCallErrors, err = meter.Int64Counter("clawdeck.gateway.errors",
		metric.WithDescription("Gateway RPC failures"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveredTasks, err = meter.Int64Counter("clawdeck.recovery.completed",
		metric.WithDescription("Tasks completed by the startup recovery scan"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
