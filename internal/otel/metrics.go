package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all scheduler metrics instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	TaskRunDuration      metric.Float64Histogram
	TickDuration         metric.Float64Histogram
	TasksRunning         metric.Int64UpDownCounter
	TaskFiresTotal       metric.Int64Counter
	TaskCascadesTotal    metric.Int64Counter
	ConditionProbesTotal metric.Int64Counter
	RateLimitRejects     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskscheduler.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunDuration, err = meter.Float64Histogram("taskscheduler.task.run_duration",
		metric.WithDescription("Task script execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TickDuration, err = meter.Float64Histogram("taskscheduler.dispatcher.tick_duration",
		metric.WithDescription("Dispatcher tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRunning, err = meter.Int64UpDownCounter("taskscheduler.task.running",
		metric.WithDescription("Number of tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFiresTotal, err = meter.Int64Counter("taskscheduler.task.fires",
		metric.WithDescription("Total fire-requests submitted to the runner, by trigger reason"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskCascadesTotal, err = meter.Int64Counter("taskscheduler.task.cascades",
		metric.WithDescription("Total prerequisite-cascade fires triggered by a successful run"),
	)
	if err != nil {
		return nil, err
	}

	m.ConditionProbesTotal, err = meter.Int64Counter("taskscheduler.condition.probes",
		metric.WithDescription("Total condition-script probe executions across all pollers"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskscheduler.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
