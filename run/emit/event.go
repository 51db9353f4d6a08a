// Package emit provides the multiplexed progress event stream for workflow
// execution.
//
// Every state transition, sub-graph entry/exit, token fragment, and custom
// progress signal becomes an Event tagged with a channel and a hierarchical
// namespace. The Mux assigns strictly increasing per-session sequence
// numbers and fans events out to subscribers and to pluggable sinks
// (logging, OpenTelemetry spans, or nothing).
package emit

// Channel classifies an event stream. The set is closed: consumers can
// subscribe to any subset and rely on exhaustive switches.
type Channel string

const (
	// ChannelState carries state transitions: node completions, suspends,
	// terminal outcomes.
	ChannelState Channel = "state"

	// ChannelToken carries incremental output fragments from collaborator
	// calls, for live rendering.
	ChannelToken Channel = "token"

	// ChannelCustom carries node-defined progress signals.
	ChannelCustom Channel = "custom"

	// ChannelDebug carries engine bookkeeping useful during development.
	ChannelDebug Channel = "debug"
)

// Event is one element of a session's progress stream.
//
// Events are ephemeral: they are not persisted beyond the checkpoint that
// already captures the state they narrate. A disconnected subscriber
// recovers by resubscribing from a sequence number.
type Event struct {
	// SessionID identifies the session this event belongs to.
	SessionID string `json:"session_id"`

	// Seq is the per-session sequence number. Strictly increasing, no
	// duplicates, no gaps under normal operation. Assigned by the Mux.
	Seq uint64 `json:"seq"`

	// Channel classifies the event.
	Channel Channel `json:"channel"`

	// Namespace is the path of enclosing sub-graph node names, outermost
	// first. Empty for top-level events.
	Namespace []string `json:"namespace,omitempty"`

	// Step is the engine step that produced the event. Zero for
	// session-level events.
	Step int `json:"step,omitempty"`

	// NodeID identifies the node concerned, if any.
	NodeID string `json:"node_id,omitempty"`

	// Msg is a short machine-readable event name ("node_completed",
	// "run_suspended", "subgraph_enter", ...).
	Msg string `json:"msg"`

	// Payload carries event-specific structured data.
	Payload map[string]any `json:"payload,omitempty"`

	// Terminal marks the last event of a session's stream. Subscriptions
	// end after delivering a terminal event.
	Terminal bool `json:"terminal,omitempty"`
}

// Event names published by the engine on the state channel.
const (
	MsgNodeCompleted = "node_completed"
	MsgNodeFault     = "node_fault"
	MsgSubgraphEnter = "subgraph_enter"
	MsgSubgraphExit  = "subgraph_exit"
	MsgRunSuspended  = "run_suspended"
	MsgRunResumed    = "run_resumed"
	MsgRunCompleted  = "run_completed"
	MsgRunFailed     = "run_failed"
	MsgCheckpoint    = "checkpoint_saved"
)
