package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/roomchat/pkg/models"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTracerFromProvider(provider, "test"), recorder
}

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil || tracer.tracer == nil {
		t.Fatal("expected a usable no-op tracer")
	}
	if tracer.config.ServiceName != "roomchat" {
		t.Errorf("ServiceName = %q", tracer.config.ServiceName)
	}
}

func TestNewTracerWithoutEndpointUsesGlobalProvider(t *testing.T) {
	tests := []struct {
		service string
		scope   string
	}{
		{service: "", scope: "roomchat"},
		{service: "roomchat-cli", scope: "roomchat-cli"},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			recorder := tracetest.NewSpanRecorder()
			provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
			prev := otel.GetTracerProvider()
			otel.SetTracerProvider(provider)
			t.Cleanup(func() {
				otel.SetTracerProvider(prev)
				_ = provider.Shutdown(context.Background())
			})

			tracer, shutdown := NewTracer(TraceConfig{ServiceName: tt.service})
			defer func() { _ = shutdown(context.Background()) }()
			_, span := tracer.Start(context.Background(), "api.rooms")
			span.End()

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans = %d, want 1", len(spans))
			}
			if got := spans[0].InstrumentationScope().Name; got != tt.scope {
				t.Errorf("scope = %q, want %q", got, tt.scope)
			}
		})
	}
}

func TestTracerStartRecordsSpan(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "api.signin", attribute.String("op", "signin"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "api.signin" {
		t.Errorf("span name = %q", spans[0].Name())
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "api.rooms")
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)
	span.End()

	got := recorder.Ended()[0]
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status().Code)
	}
	if len(got.Events()) != 1 {
		t.Errorf("expected one error event, got %d", len(got.Events()))
	}
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
}

func TestSpanAttr(t *testing.T) {
	tests := []struct {
		value any
		want  attribute.Type
	}{
		{"x", attribute.STRING},
		{3, attribute.INT64},
		{int64(3), attribute.INT64},
		{true, attribute.BOOL},
		{1.5, attribute.FLOAT64},
		{models.ChannelConnected, attribute.STRING},
		{[]int{1}, attribute.STRING},
	}
	for _, tt := range tests {
		if got := SpanAttr("k", tt.value).Value.Type(); got != tt.want {
			t.Errorf("SpanAttr(%v) type = %v, want %v", tt.value, got, tt.want)
		}
	}
}
