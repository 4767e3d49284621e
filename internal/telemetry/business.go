package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BusinessTracer provides spans for the correlation and backtest pipelines
type BusinessTracer struct {
	tracer trace.Tracer
}

// NewBusinessTracer creates a new instance of BusinessTracer.
func NewBusinessTracer() *BusinessTracer {
	return &BusinessTracer{tracer: Tracer("business")}
}

// NewBusinessTracerWith creates a tracer backed by the given provider.
func NewBusinessTracerWith(provider trace.TracerProvider) *BusinessTracer {
	return &BusinessTracer{tracer: provider.Tracer(ServiceName + "/business")}
}

// GraphStats are the span attributes recorded for a graph computation
type GraphStats struct {
	Markets    int
	Pairs      int
	Candidates int
	Retained   int
}

// TraceGraphComputation starts a span for a correlation graph computation.
func (bt *BusinessTracer) TraceGraphComputation(ctx context.Context, markets int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "graph_computation",
		trace.WithAttributes(attribute.Int("markets", markets)))
}

// RecordGraphStats adds the computation outcome to a span.
func (bt *BusinessTracer) RecordGraphStats(span trace.Span, stats GraphStats) {
	span.SetAttributes(
		attribute.Int("markets", stats.Markets),
		attribute.Int("pairs", stats.Pairs),
		attribute.Int("links.candidate", stats.Candidates),
		attribute.Int("links.retained", stats.Retained),
	)
}

// TraceBacktest starts a span for a backtest run.
func (bt *BusinessTracer) TraceBacktest(ctx context.Context, leaderID string, followers int) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "backtest",
		trace.WithAttributes(
			attribute.String("leader_id", leaderID),
			attribute.Int("followers", followers),
		))
}

// TraceRefresh starts a span for a data refresh run.
func (bt *BusinessTracer) TraceRefresh(ctx context.Context) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "market_refresh")
}

// RecordError marks the span as failed.
func (bt *BusinessTracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
