package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all hivegate metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	HookDispatches   metric.Int64Counter
	BroadcastDrops   metric.Int64Counter
	AuthRejects      metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	RunsDispatched   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("hivegate.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HookDispatches, err = meter.Int64Counter("hivegate.hooks.dispatches",
		metric.WithDescription("Hook requests that produced an action"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastDrops, err = meter.Int64Counter("hivegate.broadcast.drops",
		metric.WithDescription("Broadcast events dropped for slow sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthRejects, err = meter.Int64Counter("hivegate.auth.rejects",
		metric.WithDescription("Requests denied by the auth resolver"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("hivegate.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the auth rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("hivegate.sessions.active",
		metric.WithDescription("Number of currently connected gateway sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsDispatched, err = meter.Int64Counter("hivegate.runs.dispatched",
		metric.WithDescription("Agent runs dispatched through the gateway"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
