package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Settlement attribute keys.
var (
	AttrOperation = attribute.Key("streams.operation")
	AttrStreamID  = attribute.Key("streams.stream.id")
	AttrRequested = attribute.Key("streams.claim.requested_sats")
	AttrAccepted  = attribute.Key("streams.claim.accepted_sats")
	AttrOutcome   = attribute.Key("streams.claim.outcome")
	AttrVia       = attribute.Key("streams.remote.via")
	AttrService   = attribute.Key("streams.remote.service")
)

// ClaimOperation creates attributes for a claim against streamID.
func ClaimOperation(streamID string, requestedSats int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStreamID.String(streamID),
		AttrRequested.Int64(requestedSats),
	}
}

// ClaimCommitted records the accepted amount and resulting status of a
// committed claim on the current span.
func ClaimCommitted(ctx context.Context, acceptedSats int64, status string) {
	AddSpanEvent(ctx, "claim.committed",
		AttrAccepted.Int64(acceptedSats),
		AttrOutcome.String(status),
	)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
