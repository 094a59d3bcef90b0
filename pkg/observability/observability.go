// Package observability wires OpenTelemetry tracing and RED metrics for the
// verification pipeline. When disabled the provider falls back to the global
// no-op tracer and meter so call sites never branch.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const instrumentationName = "carbonmrv"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // gRPC, e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
	CAFile         string // PEM bundle used to verify the collector
}

// DefaultConfig returns defaults with export switched off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "carbon-mrv",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers and the pipeline instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations    metric.Int64Counter
	failures      metric.Int64Counter
	duration      metric.Float64Histogram
	inflight      metric.Int64UpDownCounter
	creditsMinted metric.Float64Counter
}

// New creates a provider. A disabled config yields a provider backed by the
// global (no-op unless configured elsewhere) tracer and meter.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				semconv.DeploymentEnvironment(config.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
		p.tracer = p.tracerProvider.Tracer(instrumentationName,
			trace.WithInstrumentationVersion(config.ServiceVersion))
		p.meter = p.meterProvider.Meter(instrumentationName,
			metric.WithInstrumentationVersion(config.ServiceVersion))
	} else {
		p.tracer = otel.Tracer(instrumentationName)
		p.meter = otel.Meter(instrumentationName)
	}

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"enabled", config.Enabled,
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	switch {
	case p.config.Insecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case p.config.CAFile != "":
		creds, err := credentials.NewClientTLSFromFile(p.config.CAFile, "")
		if err != nil {
			return fmt.Errorf("load collector CA: %w", err)
		}
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	switch {
	case p.config.Insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case p.config.CAFile != "":
		creds, err := credentials.NewClientTLSFromFile(p.config.CAFile, "")
		if err != nil {
			return fmt.Errorf("load collector CA: %w", err)
		}
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := p.config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.operations, err = p.meter.Int64Counter("mrv.operations.total",
		metric.WithDescription("Pipeline operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.failures, err = p.meter.Int64Counter("mrv.errors.total",
		metric.WithDescription("Pipeline operations that failed"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("mrv.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return err
	}
	if p.inflight, err = p.meter.Int64UpDownCounter("mrv.operations.active",
		metric.WithDescription("Operations currently in flight"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.creditsMinted, err = p.meter.Float64Counter("mrv.credits.minted",
		metric.WithDescription("Carbon credits minted"),
		metric.WithUnit("t")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// RecordCredits adds minted tonnage to the credits counter.
func (p *Provider) RecordCredits(ctx context.Context, tons float64, attrs ...attribute.KeyValue) {
	if tons > 0 {
		p.creditsMinted.Add(ctx, tons, metric.WithAttributes(attrs...))
	}
}

// TrackOperation starts a span and RED measurements for one operation. The
// returned func must be called exactly once with the operation's outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	base := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	opAttrs := metric.WithAttributes(base...)
	p.inflight.Add(ctx, 1, opAttrs)
	p.operations.Add(ctx, 1, opAttrs)

	return ctx, func(err error) {
		p.inflight.Add(ctx, -1, opAttrs)
		p.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			errAttrs := append(append([]attribute.KeyValue(nil), base...), attribute.String("error.type", fmt.Sprintf("%T", err)))
			p.failures.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		}
		span.End()
	}
}
