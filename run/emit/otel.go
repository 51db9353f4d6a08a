package emit

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span.
//
// Span names follow "channel.msg" (for example "state.node_completed") and
// carry the session, sequence number, step, node, and namespace path as
// attributes, so a trace viewer can render nested sub-graph progress
// without re-deriving structure. Events whose payload contains an "error"
// key mark the span status as Error.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter producing spans from the given tracer.
//
//	tracer := otel.Tracer("skein")
//	mux := emit.NewMux(emit.WithSinks(emit.NewOTelEmitter(tracer)))
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a zero-duration span. Emit never blocks on the
// exporter; batching is the SDK's concern.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("session_id", event.SessionID),
		attribute.Int64("seq", int64(event.Seq)), // #nosec G115 -- sequence numbers stay far below int64 range
		attribute.Int("step", event.Step),
		attribute.String("channel", string(event.Channel)),
	}
	if event.NodeID != "" {
		attrs = append(attrs, attribute.String("node_id", event.NodeID))
	}
	if len(event.Namespace) > 0 {
		attrs = append(attrs, attribute.String("namespace", strings.Join(event.Namespace, "/")))
	}
	for k, v := range event.Payload {
		attrs = append(attrs, attribute.String("payload."+k, fmt.Sprintf("%v", v)))
	}

	_, span := o.tracer.Start(context.Background(), string(event.Channel)+"."+event.Msg,
		trace.WithAttributes(attrs...))
	if errVal, ok := event.Payload["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
	span.End()
}
