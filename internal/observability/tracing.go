package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig holds configuration for the tracing provider.
type TracingConfig struct {
	// Enabled turns trace export on.
	Enabled bool

	// ServiceName is the name reported with every span.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g. production, staging).
	Environment string

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string

	// Insecure disables TLS for the exporter connection.
	Insecure bool

	// SampleRate is the sampling rate (0.0 to 1.0).
	SampleRate float64

	// BatchTimeout is the maximum time to wait before exporting a batch.
	BatchTimeout time.Duration
}

// DefaultTracingConfig returns a TracingConfig with default values.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        false,
		ServiceName:    "avamcpgw",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// TracerProvider manages the OpenTelemetry trace provider lifecycle.
type TracerProvider struct {
	config   TracingConfig
	provider *sdktrace.TracerProvider
	logger   Logger
}

// NewTracerProvider creates a new tracing provider.
func NewTracerProvider(cfg TracingConfig, logger Logger) *TracerProvider {
	if logger == nil {
		logger = NopLogger()
	}
	return &TracerProvider{config: cfg, logger: logger}
}

// Start initializes the exporter and installs the global tracer provider.
// When tracing is disabled this is a no-op and Tracer returns a noop tracer.
func (p *TracerProvider) Start(ctx context.Context) error {
	if !p.config.Enabled {
		return nil
	}

	res, err := p.createResource(ctx)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := p.createExporter(ctx)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(p.config.BatchTimeout),
	)

	p.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithSampler(p.createSampler()),
	)

	otel.SetTracerProvider(p.provider)

	p.logger.Info("tracing provider started",
		String("service", p.config.ServiceName),
		String("endpoint", p.config.Endpoint),
		Float64("sampleRate", p.config.SampleRate),
	)

	return nil
}

// Stop shuts down the tracing provider, flushing pending spans.
func (p *TracerProvider) Stop(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	p.logger.Info("stopping tracing provider")
	return p.provider.Shutdown(ctx)
}

// Tracer returns a tracer with the given name.
func (p *TracerProvider) Tracer(name string) trace.Tracer {
	if p.provider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.provider.Tracer(name)
}

// createResource creates the OpenTelemetry resource.
func (p *TracerProvider) createResource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(p.config.ServiceName),
		semconv.ServiceVersion(p.config.ServiceVersion),
		semconv.DeploymentEnvironment(p.config.Environment),
	}

	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
}

// createExporter creates the OTLP gRPC trace exporter.
func (p *TracerProvider) createExporter(ctx context.Context) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.Endpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// createSampler creates the trace sampler.
func (p *TracerProvider) createSampler() sdktrace.Sampler {
	if p.config.SampleRate <= 0 {
		return sdktrace.NeverSample()
	}
	if p.config.SampleRate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(p.config.SampleRate)
}
