package otelhelper

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestContextPropagationRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	header := InjectContext(ctx)
	if header.Get("traceparent") == "" {
		t.Fatal("Expected traceparent header injected")
	}

	got := trace.SpanContextFromContext(ExtractContext(context.Background(), header))
	if got.TraceID() != sc.TraceID() || got.SpanID() != sc.SpanID() {
		t.Errorf("Round trip lost the span context: got %s/%s", got.TraceID(), got.SpanID())
	}
}

func TestExtractContext_NilHeader(t *testing.T) {
	ctx := context.Background()
	if got := ExtractContext(ctx, nil); got != ctx {
		t.Error("Expected the context unchanged for a nil header")
	}
}

func TestHeaderCarrierKeys(t *testing.T) {
	h := nats.Header{}
	h.Set("traceparent", "00-0-0-00")
	h.Set("tracestate", "vendor=1")

	keys := headerCarrier(h).Keys()
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %v", keys)
	}
}
