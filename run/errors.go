// Package run implements the workflow orchestration runtime: graph
// compilation, the step loop, suspend/resume, checkpointing, and session
// control.
package run

import "errors"

// Code classifies a run-level failure for programmatic handling.
type Code string

const (
	// CodeSchemaViolation marks a state update that broke the state schema:
	// an unknown field, a bad blackboard merge rule, or a deleted file that
	// is still referenced.
	CodeSchemaViolation Code = "SCHEMA_VIOLATION"

	// CodeRoutingExhausted marks a node whose exclusive edge set matched no
	// predicate and declared no default.
	CodeRoutingExhausted Code = "ROUTING_EXHAUSTED"

	// CodePlanningFailure marks a planner that produced an uncompilable
	// workflow fragment.
	CodePlanningFailure Code = "PLANNING_FAILURE"

	// CodeToolFailure marks a tool invocation that exhausted its retry
	// budget without being absorbed by routing.
	CodeToolFailure Code = "TOOL_FAILURE"

	// CodeNodeTimeout marks a node that exceeded its execution deadline.
	CodeNodeTimeout Code = "NODE_TIMEOUT"

	// CodeInvalidResumeState marks a resume attempt against a session that
	// is not suspended.
	CodeInvalidResumeState Code = "INVALID_RESUME_STATE"

	// CodeCancelled marks a run ended by explicit cancellation.
	CodeCancelled Code = "CANCELLED"

	// CodeNodeFailure marks an unclassified node error.
	CodeNodeFailure Code = "NODE_FAILURE"
)

// Error is a classified runtime failure. Node is set when the failure is
// attributable to a single node.
type Error struct {
	Code    Code
	Message string
	Node    string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Node != "" {
		msg += " (node " + e.Node + ")"
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the classification from an error chain. Returns "" for
// unclassified errors.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// ErrMaxStepsExceeded indicates the run reached the configured step limit
// without completing. Guards against routing loops with no exit predicate.
var ErrMaxStepsExceeded = errors.New("run exceeded maximum steps limit")

// ErrNoProgress indicates the frontier drained with join nodes still
// waiting for arrivals that can never come. The graph has a wiring bug.
var ErrNoProgress = errors.New("no runnable nodes and unsatisfied joins remain")

// ErrReplayMismatch indicates a checkpoint chain failed integrity
// verification: a recomputed idempotency key or step link disagrees with
// what was recorded.
var ErrReplayMismatch = errors.New("checkpoint chain fails replay verification")

// ErrSessionActive indicates an operation that requires a quiescent
// session was attempted while its run loop is executing.
var ErrSessionActive = errors.New("session has an active run")

// ErrQueueOverflow indicates a fan-out pushed the frontier past the
// configured queue depth. Raise WithQueueDepth or reduce the fan-out.
var ErrQueueOverflow = errors.New("frontier exceeded queue depth")
