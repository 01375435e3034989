package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the workflow pipeline instruments.
type Metrics struct {
	HTTPDuration      metric.Float64Histogram
	ActionDuration    metric.Float64Histogram
	Actions           metric.Int64Counter
	Transitions       metric.Int64Counter
	StaleWrites       metric.Int64Counter
	Completions       metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	SSESubscribers    metric.Int64UpDownCounter
	AdapterReconnects metric.Int64Counter
	AdapterFrames     metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPDuration, err = meter.Float64Histogram("clawoffice.http.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionDuration, err = meter.Float64Histogram("clawoffice.action.duration",
		metric.WithDescription("Coordinator action duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Actions, err = meter.Int64Counter("clawoffice.actions",
		metric.WithDescription("Coordinator actions handled"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("clawoffice.transitions",
		metric.WithDescription("Request state transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleWrites, err = meter.Int64Counter("clawoffice.stale_writes",
		metric.WithDescription("Scheduled or racing writes dropped by a precondition"),
	)
	if err != nil {
		return nil, err
	}

	m.Completions, err = meter.Int64Counter("clawoffice.completions",
		metric.WithDescription("Tasks completed, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("clawoffice.task.duration",
		metric.WithDescription("Task working time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SSESubscribers, err = meter.Int64UpDownCounter("clawoffice.stream.subscribers",
		metric.WithDescription("Connected workflow stream subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterReconnects, err = meter.Int64Counter("clawoffice.adapter.reconnects",
		metric.WithDescription("Upstream gateway reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterFrames, err = meter.Int64Counter("clawoffice.adapter.frames",
		metric.WithDescription("Upstream gateway frames received, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("clawoffice.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Add increments c when the metrics set is present. Components hold a
// possibly-nil *Metrics so tests can skip telemetry entirely.
func Add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Record observes v on h when h is present.
func Record(ctx context.Context, h metric.Float64Histogram, v float64, attrs ...attribute.KeyValue) {
	if h == nil {
		return
	}
	h.Record(ctx, v, metric.WithAttributes(attrs...))
}

// AddUpDown adjusts u when present.
func AddUpDown(ctx context.Context, u metric.Int64UpDownCounter, n int64, attrs ...attribute.KeyValue) {
	if u == nil {
		return
	}
	u.Add(ctx, n, metric.WithAttributes(attrs...))
}
