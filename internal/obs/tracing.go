package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const TracerName = "httpcoord"

const (
	AttrMethod      = attribute.Key("http.request.method")
	AttrURL         = attribute.Key("url.full")
	AttrStatus      = attribute.Key("http.response.status_code")
	AttrOutcome     = attribute.Key("httpcoord.outcome")
	AttrWaiters     = attribute.Key("httpcoord.waiters")
	AttrErrCategory = attribute.Key("error.type")
)

// StartSpan starts a span on tracer. With tracing disabled it returns ctx
// untouched and a no-op span, so the caller's own span is never ended or
// annotated from here.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, noop.Span{}
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed. The status text stays generic so URLs and
// payload fragments carried by err only appear in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
	}
}
