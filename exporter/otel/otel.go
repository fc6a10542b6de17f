// Package otel mirrors captured usage events into OpenTelemetry tracing.
//
// It converts event.Event objects into OTel spans so that model calls,
// their token counts, and their cost are visible in any
// OpenTelemetry-compatible backend (Jaeger, Zipkin, Grafana, etc.)
// alongside whatever traces the application already produces.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/costlens/meter-sdk-go/buffer"
	"github.com/costlens/meter-sdk-go/event"
)

const instrumentationName = "github.com/costlens/meter-sdk-go"

// Exporter emits one span per captured event. It satisfies the buffer's
// Exporter contract and runs on the flusher goroutine, never on the
// request path.
type Exporter struct {
	tracer trace.Tracer
}

// New creates an exporter using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func New(tp trace.TracerProvider) *Exporter {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Exporter{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Export converts an event.Event into an OTel span.
func (e *Exporter) Export(ev event.Event) {
	ev.Normalize()

	// CreatedAt is when the call was issued; latency places the end.
	startTime := ev.CreatedAt
	endTime := startTime.Add(time.Duration(ev.LatencyMS) * time.Millisecond)
	_, span := e.tracer.Start(context.Background(), spanNameFor(ev), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", ev.Provider),
	}
	if ev.Model != "" {
		attrs = append(attrs, attribute.String("llm.model", ev.Model))
	}
	if ev.Endpoint != "" {
		attrs = append(attrs, attribute.String("llm.endpoint", ev.Endpoint))
	}
	if ev.RunID != "" {
		attrs = append(attrs, attribute.String("meter.run.id", ev.RunID))
	}
	if ev.SpanID != "" {
		attrs = append(attrs, attribute.String("meter.span.id", ev.SpanID))
	}
	if ev.ParentSpanID != "" {
		attrs = append(attrs, attribute.String("meter.parent_span.id", ev.ParentSpanID))
	}
	if ev.SectionPath != "" {
		attrs = append(attrs, attribute.String("meter.section.path", ev.SectionPath))
	}
	if ev.TenantID != "" {
		attrs = append(attrs, attribute.String("meter.tenant.id", ev.TenantID))
	}
	if ev.CustomerID != "" {
		attrs = append(attrs, attribute.String("meter.customer.id", ev.CustomerID))
	}
	attrs = append(attrs,
		attribute.Int64("llm.usage.input_tokens", ev.InputTokens),
		attribute.Int64("llm.usage.output_tokens", ev.OutputTokens),
	)
	if ev.CachedTokens != nil {
		attrs = append(attrs, attribute.Int64("llm.usage.cached_tokens", *ev.CachedTokens))
	}
	attrs = append(attrs, attribute.Float64("llm.cost.usd", ev.CostUSD))
	if ev.Estimated {
		attrs = append(attrs, attribute.Bool("llm.usage.estimated", true))
	}
	if ev.PricingUnknown {
		attrs = append(attrs, attribute.Bool("llm.cost.pricing_unknown", true))
	}
	if ev.LatencyMS > 0 {
		attrs = append(attrs, attribute.Int64("llm.latency_ms", ev.LatencyMS))
	}
	span.SetAttributes(attrs...)

	switch ev.Status {
	case event.StatusError, event.StatusTimeout:
		span.SetStatus(codes.Error, string(ev.Status))
		span.RecordError(fmt.Errorf("call finished with status %s", ev.Status))
	default:
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(endTime))
}

var _ buffer.Exporter = (*Exporter)(nil)

func spanNameFor(ev event.Event) string {
	if ev.Model != "" {
		return "llm." + ev.Provider + "." + ev.Model
	}
	return "llm." + ev.Provider
}
