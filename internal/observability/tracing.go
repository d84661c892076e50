package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "roomchat"

// Tracer wraps an OpenTelemetry tracer for the client's outbound calls.
// A nil *Tracer falls back to the global provider, which is a no-op unless
// NewTracer installed an exporter.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig configures the distributed tracing behavior.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4317").
	// If empty, tracing is disabled.
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded (0.0 to 1.0).
	SamplingRate float64

	// EnableInsecure disables TLS for the OTLP connection.
	EnableInsecure bool
}

// NewTracer creates a tracer and the shutdown function that flushes it.
// Without an endpoint a no-op tracer is returned.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = defaultServiceName
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return NewTracerFromProvider(otel.GetTracerProvider(), config.ServiceName), noop
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return NewTracerFromProvider(otel.GetTracerProvider(), config.ServiceName), noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracerFromProvider(provider, config.ServiceName)
	tracer.provider = provider
	tracer.config = config
	return tracer, provider.Shutdown
}

// NewTracerFromProvider builds a Tracer on an existing provider. NewTracer
// uses the global provider when no exporter is configured.
func NewTracerFromProvider(provider trace.TracerProvider, name string) *Tracer {
	if name == "" {
		name = defaultServiceName
	}
	return &Tracer{tracer: provider.Tracer(name), config: TraceConfig{ServiceName: name}}
}

// Start creates a client span. The caller must end it.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(defaultServiceName)
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	}
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// RecordError records err on the span and marks it failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InjectHeaders propagates the span context into outbound HTTP headers.
func InjectHeaders(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// SpanAttr converts a loosely typed value into a span attribute.
func SpanAttr(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
