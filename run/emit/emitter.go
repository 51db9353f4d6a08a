package emit

// Emitter is a terminal sink for events that have already been sequenced
// by the Mux. Sinks back observability targets: structured logs, trace
// spans, metrics.
//
// Implementations should be:
//   - Non-blocking: never stall workflow execution
//   - Thread-safe: events arrive concurrently from many sessions
//   - Resilient: a failing backend must not crash the run
type Emitter interface {
	// Emit delivers one event. Emit must not panic; backend errors are
	// handled internally (buffered, dropped with a log line, or sent
	// asynchronously).
	Emit(event Event)
}

// NullEmitter discards all events. Useful as a default when no sink is
// configured and in benchmarks that should exclude observability cost.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (*NullEmitter) Emit(Event) {}
