package dcb

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracer is obtained lazily from the globally configured otel TracerProvider.
// Per spec.md §6, when no provider has been registered otel's default is a
// no-op tracer, so every span call below is zero-overhead without any
// conditional code in this package.
func tracer() trace.Tracer {
	return otel.Tracer("go-dcbstore")
}

// startSpan opens a span named "dcb.<op>" carrying the store name and
// (where known) the event count, per spec.md §6's observability hooks.
func startSpan(ctx context.Context, op, storeName string, eventCount int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("store.name", storeName),
	}
	if eventCount >= 0 {
		attrs = append(attrs, attribute.Int("event.count", eventCount))
	}
	return tracer().Start(ctx, "dcb."+op, trace.WithAttributes(attrs...))
}

// endSpan records the outcome. A ConcurrencyError (append_condition_failed)
// is an expected DCB outcome, not a span failure — it's surfaced only as
// the "conflict" attribute, per spec.md §6 ("not treated as an error
// state"). Every other non-nil error sets the span to error status.
func endSpan(span trace.Span, err error) {
	defer span.End()
	conflict := IsConcurrencyError(err)
	span.SetAttributes(attribute.Bool("conflict", conflict))
	if err != nil && !conflict {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
}

// metrics holds the counters this package emits, grounded on
// plaenen-eventstore/pkg/observability/metrics.go's NewMetrics shape
// (one instrument per named concern, created once from the globally
// configured MeterProvider). Like tracer(), a no-op MeterProvider makes
// every instrument a no-op, so there's no conditional code at call sites.
type metrics struct {
	eventsAppended  metric.Int64Counter
	appendConflicts metric.Int64Counter
	rebuildDuration metric.Float64Histogram
}

var (
	instrumentsOnce sync.Once
	instruments     metrics
)

func metricsInstruments() metrics {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("go-dcbstore")
		instruments.eventsAppended, _ = meter.Int64Counter(
			"dcbstore.events.appended",
			metric.WithDescription("Total events appended to the store"),
		)
		instruments.appendConflicts, _ = meter.Int64Counter(
			"dcbstore.append.conflicts",
			metric.WithDescription("Total append_condition_failed outcomes"),
		)
		instruments.rebuildDuration, _ = meter.Float64Histogram(
			"dcbstore.projection.rebuild.duration",
			metric.WithDescription("Projection rebuild duration in seconds"),
			metric.WithUnit("s"),
		)
	})
	return instruments
}
