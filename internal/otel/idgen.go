package otel

import (
	"context"
	"crypto/rand"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type traceIDKey struct{}

// ContextWithTraceID asks the IDGenerator to start the next root span in
// traceID.
func ContextWithTraceID(ctx context.Context, traceID trace.TraceID) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// IDGenerator generates random ids, except for root spans whose context
// carries a trace id.
type IDGenerator struct{}

var _ sdktrace.IDGenerator = IDGenerator{}

func (IDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	traceID, ok := ctx.Value(traceIDKey{}).(trace.TraceID)
	if !ok || !traceID.IsValid() {
		for !traceID.IsValid() {
			_, _ = rand.Read(traceID[:]) //nolint:errcheck // never fails
		}
	}
	return traceID, newSpanID()
}

func (IDGenerator) NewSpanID(context.Context, trace.TraceID) trace.SpanID {
	return newSpanID()
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:]) //nolint:errcheck // never fails
	}
	return id
}
