package logger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "issuesync"

// SpanContext wraps an OTel span for managed lifecycle.
type SpanContext struct {
	ctx  context.Context
	span trace.Span
}

// StartSpan creates a new span as a child of the current trace context.
// The span attributes mirror the LogFields already present on ctx so traces
// and logs can be joined on activity_id / issue_key.
//
//	sc := logger.StartSpan(ctx, "dispatcher.attempt", trace.WithSpanKind(trace.SpanKindClient))
//	defer sc.End()
//	ctx = sc.Context()
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) *SpanContext {
	opts = append(opts, trace.WithAttributes(fieldAttributes(GetLogFields(ctx))...))
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, opts...)
	return &SpanContext{ctx: ctx, span: span}
}

// StartSpanFromTraceID creates a span linked to a trace started in another
// process, e.g. the producer that wrote an activity to the intake stream.
// An empty or malformed traceID yields a root span.
func StartSpanFromTraceID(ctx context.Context, traceIDStr string, name string, opts ...trace.SpanStartOption) *SpanContext {
	if traceIDStr == "" {
		return StartSpan(ctx, name, opts...)
	}

	traceID, err := trace.TraceIDFromHex(traceIDStr)
	if err != nil {
		return StartSpan(ctx, name, opts...)
	}

	remote := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	opts = append(opts, trace.WithLinks(trace.Link{SpanContext: remote}))
	ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
	return StartSpan(ctx, name, opts...)
}

func (sc *SpanContext) Context() context.Context {
	return sc.ctx
}

// End completes the span. Safe to call multiple times.
func (sc *SpanContext) End() {
	if sc.span != nil {
		sc.span.End()
	}
}

// RecordError records err on the span and marks the span as failed.
func (sc *SpanContext) RecordError(err error) {
	if sc.span != nil && err != nil {
		sc.span.RecordError(err)
		sc.span.SetStatus(codes.Error, err.Error())
	}
}

// SetAttributes adds attributes after the span has started (e.g. the remote id).
func (sc *SpanContext) SetAttributes(kv ...attribute.KeyValue) {
	if sc.span != nil {
		sc.span.SetAttributes(kv...)
	}
}

func (sc *SpanContext) Span() trace.Span {
	return sc.span
}

func fieldAttributes(fields LogFields) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if fields.ActivityID != nil {
		attrs = append(attrs, attribute.String("issuesync.activity_id", *fields.ActivityID))
	}
	if fields.IssueKey != nil {
		attrs = append(attrs, attribute.String("issuesync.issue_key", *fields.IssueKey))
	}
	if fields.OperationKind != nil {
		attrs = append(attrs, attribute.String("issuesync.operation_kind", *fields.OperationKind))
	}
	if fields.Attempt != nil {
		attrs = append(attrs, attribute.Int("issuesync.attempt", *fields.Attempt))
	}
	return attrs
}
