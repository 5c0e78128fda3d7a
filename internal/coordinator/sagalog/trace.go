package sagalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty string if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Both are empty when ctx carries no
// valid span, e.g. in unit tests or with tracing disabled.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds an Entry with the trace info automatically extracted from
// ctx.
//
//	entry := sagalog.NewEntry(ctx, executionID, "Create or update managed resource", "txlog", position, out)
//	err := log.Append(ctx, entry)
func NewEntry(
	ctx context.Context,
	executionID ulid.ULID,
	sagaName string,
	nodeID string,
	positionKey string,
	payload json.RawMessage,
) Entry {
	ti := ExtractTraceInfo(ctx)
	return Entry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		SagaName:    sagaName,
		PositionKey: positionKey,
		Payload:     payload,
		TraceID:     ti.TraceID,
		SpanID:      ti.SpanID,
		CreatedAt:   time.Now().UTC(),
	}
}
