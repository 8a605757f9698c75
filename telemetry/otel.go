// Package telemetry provides the OpenTelemetry implementation of
// core.Telemetry: OTLP trace and metric export over gRPC, with metric
// instruments created lazily and cached so the hot path never allocates.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"prpline/core"
)

// Provider implements core.Telemetry with OpenTelemetry.
type Provider struct {
	tracer        trace.Tracer
	instruments   *MetricInstruments
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
}

// NewProvider creates an OpenTelemetry provider exporting to the configured
// OTLP endpoint. Tracing and metrics can be toggled independently.
func NewProvider(cfg core.TelemetryConfig, serviceName string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ctx := context.Background()
	p := &Provider{}

	if cfg.TracingEnabled {
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		sampler := sdktrace.AlwaysSample()
		if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
			sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})

		p.traceProvider = tp
		p.tracer = tp.Tracer("prpline")
	}

	if cfg.MetricsEnabled {
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)

		p.meterProvider = mp
		p.instruments = NewMetricInstruments(mp.Meter("prpline"))
	}

	return p, nil
}

// StartSpan starts a new telemetry span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	if p.tracer == nil {
		return ctx, &core.NoOpSpan{}
	}
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records one metric sample. Duration names (ending in _ms)
// and sampled absolute values (.depth, .backlog) land in histograms;
// everything else counts.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	if p.instruments == nil {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	ctx := context.Background()
	opt := metric.WithAttributes(attrs...)

	var err error
	if strings.HasSuffix(name, "_ms") || strings.HasSuffix(name, ".depth") || strings.HasSuffix(name, ".backlog") {
		err = p.instruments.RecordHistogram(ctx, name, value, opt)
	} else {
		err = p.instruments.RecordFloatCounter(ctx, name, value, opt)
	}
	_ = err // instrument creation failures are not worth failing the caller
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.traceProvider != nil {
		if err := p.traceProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// otelSpan wraps an OpenTelemetry span to implement core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
