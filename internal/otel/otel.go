// Package otel wires OpenTelemetry tracing and metrics for the workflow
// pipeline. When disabled every tracer and instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "clawoffice"
	MeterName  = "clawoffice"
	Version    = "v0.1.0"
)

type Config struct {
	// Enabled turns on tracing.
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
	// Metrics turns on the meter provider and a Prometheus registry that
	// serves it.
	Metrics bool
	// Reader, when set, is attached to the meter provider. Tests pass a
	// manual reader to collect what was recorded.
	Reader sdkmetric.Reader
}

// Provider hands out the tracer and meter. Shutdown flushes whatever was
// enabled.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	// Gatherer serves the recorded instruments in Prometheus format. Nil
	// unless metrics are enabled.
	Gatherer prometheus.Gatherer

	shutdown []func(context.Context) error
}

func Init(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}
	wantMeter := cfg.Metrics || cfg.Reader != nil
	if !cfg.Enabled && !wantMeter {
		return p, nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	if cfg.Enabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		p.Tracer = tp.Tracer(TracerName)
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	if wantMeter {
		mp, reg, err := newMeterProvider(cfg, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		p.Meter = mp.Meter(MeterName)
		if reg != nil {
			p.Gatherer = reg
		}
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}
	return p, nil
}

// Shutdown flushes and stops every enabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "clawoffice"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
			attribute.String("clawoffice.component", "server"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1.0
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	), nil
}

func newMeterProvider(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, *prometheus.Registry, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var reg *prometheus.Registry
	if cfg.Metrics {
		// A private registry keeps repeated Init calls from colliding on
		// the global default one.
		reg = prometheus.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exp))
	}
	if cfg.Reader != nil {
		opts = append(opts, sdkmetric.WithReader(cfg.Reader))
	}
	return sdkmetric.NewMeterProvider(opts...), reg, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                           { return nil }
