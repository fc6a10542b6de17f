package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/costlens/meter-sdk-go/event"
)

func TestExporterEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	exp := New(tp)

	cached := int64(3)
	exp.Export(event.Event{
		RunID:        "run-123",
		SectionPath:  "agent:research/tool:web_search",
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  10,
		OutputTokens: 8,
		CachedTokens: &cached,
		CostUSD:      0.00078,
		LatencyMS:    150,
		Status:       event.StatusOK,
		TenantID:     "acme",
		CreatedAt:    time.Now(),
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name != "llm.openai.gpt-4o" {
		t.Errorf("expected span name 'llm.openai.gpt-4o', got %q", span.Name)
	}

	attrMap := attrToMap(span.Attributes)
	if v, ok := attrMap["meter.run.id"]; !ok || v != "run-123" {
		t.Errorf("missing or wrong meter.run.id: %v", attrMap)
	}
	if v, ok := attrMap["meter.section.path"]; !ok || v != "agent:research/tool:web_search" {
		t.Errorf("missing or wrong meter.section.path: %v", attrMap)
	}
	if v, ok := attrMap["llm.usage.input_tokens"]; !ok || v != int64(10) {
		t.Errorf("missing or wrong llm.usage.input_tokens: %v", attrMap)
	}
	if v, ok := attrMap["llm.usage.cached_tokens"]; !ok || v != int64(3) {
		t.Errorf("missing or wrong llm.usage.cached_tokens: %v", attrMap)
	}
	if v, ok := attrMap["llm.cost.usd"]; !ok || v != 0.00078 {
		t.Errorf("missing or wrong llm.cost.usd: %v", attrMap)
	}
	if v, ok := attrMap["meter.tenant.id"]; !ok || v != "acme" {
		t.Errorf("missing or wrong meter.tenant.id: %v", attrMap)
	}
}

func TestExporterErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	exp := New(tp)

	tests := []struct {
		status   event.Status
		wantCode codes.Code
	}{
		{event.StatusOK, codes.Ok},
		{event.StatusError, codes.Error},
		{event.StatusTimeout, codes.Error},
	}

	for _, tt := range tests {
		exporter.Reset()
		exp.Export(event.Event{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4",
			Status:    tt.status,
			CreatedAt: time.Now(),
		})
		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span for status %q, got %d", tt.status, len(spans))
		}
		if spans[0].Status.Code != tt.wantCode {
			t.Errorf("status %q: expected code %v, got %v", tt.status, tt.wantCode, spans[0].Status.Code)
		}
	}
}

func TestSpanNaming(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	exp := New(tp)

	tests := []struct {
		ev       event.Event
		wantName string
	}{
		{event.Event{Provider: "openai", Model: "gpt-4o"}, "llm.openai.gpt-4o"},
		{event.Event{Provider: "gemini"}, "llm.gemini"},
		{event.Event{}, "llm.unknown"},
	}

	for _, tt := range tests {
		exporter.Reset()
		exp.Export(tt.ev)
		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Errorf("expected 1 span for %s, got %d", tt.wantName, len(spans))
			continue
		}
		if spans[0].Name != tt.wantName {
			t.Errorf("expected span name %q, got %q", tt.wantName, spans[0].Name)
		}
	}
}

func TestNewNilProviderIsNoop(t *testing.T) {
	exp := New(nil)
	// Must not panic with no real tracer provider wired.
	exp.Export(event.Event{Provider: "openai"})
}

func attrToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.AsInterface()
	}
	return m
}
