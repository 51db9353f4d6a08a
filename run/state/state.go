// Package state defines the run state record and its merge rules.
//
// A RunState is the single mutable record threaded through a workflow run.
// Nodes never mutate it directly; they return Update fragments that are
// merged by Apply using each field's declared reducer. Apply is pure and
// performs no I/O, which keeps state handling deterministic and testable.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is a single conversation turn. The messages field is append-only:
// history is concatenated, never replaced.
type Message struct {
	// Role identifies the message sender ("user", "assistant", "system").
	Role string `json:"role"`

	// Content contains the message text.
	Content string `json:"content"`

	// FileIDs references entries in RunState.Files attached to this turn.
	FileIDs []string `json:"file_ids,omitempty"`

	// At records when the turn was produced.
	At time.Time `json:"at,omitzero"`
}

// Action is one entry in the append-only action history. Every node
// completion, fault, and suspension lands here, making the history a
// per-run audit trail.
type Action struct {
	Node    string    `json:"node"`
	At      time.Time `json:"at,omitzero"`
	Summary string    `json:"summary"`
}

// FileOrigin distinguishes uploaded inputs from node-generated artifacts.
type FileOrigin string

const (
	OriginUploaded  FileOrigin = "uploaded"
	OriginGenerated FileOrigin = "generated"
)

// File describes one entry in the run's file table.
type File struct {
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	MediaType string            `json:"media_type"`
	Size      int64             `json:"size"`
	Origin    FileOrigin        `json:"origin"`
	Producer  string            `json:"producer,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// TaskStatus enumerates the lifecycle of the current task.
type TaskStatus string

const (
	TaskNotStarted    TaskStatus = "not_started"
	TaskInProgress    TaskStatus = "in_progress"
	TaskAwaitingInput TaskStatus = "awaiting_input"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
)

// Task is the single active task value. It is replaced wholesale on
// transition; there is at most one current task per run.
type Task struct {
	ID      string         `json:"id"`
	Status  TaskStatus     `json:"status"`
	Owner   string         `json:"owner,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ToolStatus is the outcome of one tool invocation.
type ToolStatus string

const (
	ToolOK      ToolStatus = "ok"
	ToolError   ToolStatus = "error"
	ToolPending ToolStatus = "pending"
)

// ToolResult records one tool invocation. The Digest is a normalized,
// order-independent fingerprint of the arguments; it is unique per
// (tool, run) and doubles as the idempotence cache key.
type ToolResult struct {
	Tool     string         `json:"tool"`
	Digest   string         `json:"digest"`
	Output   map[string]any `json:"output,omitempty"`
	Status   ToolStatus     `json:"status"`
	Duration time.Duration  `json:"duration_ns"`
	FileIDs  []string       `json:"file_ids,omitempty"`
}

// RunState is the complete progress record for one run.
type RunState struct {
	// Messages is the ordered conversation history. Append-only.
	Messages []Message `json:"messages"`

	// Actions is the ordered audit trail. Append-only.
	Actions []Action `json:"action_history"`

	// Files maps file IDs to file descriptors. Entries are added by nodes
	// that produce or receive files and removed only by explicit deletion.
	Files map[string]File `json:"files,omitempty"`

	// Task is the current task. Never nil once a run has started.
	Task *Task `json:"current_task,omitempty"`

	// ToolResults is the ordered invocation log, used for audit and for
	// idempotence lookups. Append-only, digest-unique per tool.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Blackboard holds values shared across all nodes and sub-graphs.
	// Last-writer-wins per key unless the schema declares a custom rule.
	Blackboard map[string]any `json:"blackboard,omitempty"`

	// Meta holds the session ID, user ID, and free-form run attributes.
	Meta map[string]string `json:"metadata,omitempty"`
}

// Metadata keys the runtime itself reads and writes.
const (
	MetaSessionID = "session_id"
	MetaUserID    = "user_id"
)

// New returns a RunState initialized for the given session. The current
// task starts as not_started so the "never nil once started" invariant
// holds from the first step.
func New(sessionID string) *RunState {
	return &RunState{
		Files:      make(map[string]File),
		Blackboard: make(map[string]any),
		Meta:       map[string]string{MetaSessionID: sessionID},
		Task:       &Task{ID: "root", Status: TaskNotStarted},
	}
}

// Clone returns a deep copy of the state using a JSON round trip. Every
// field of RunState is JSON-serializable by construction, so the copy is
// total. Concurrent branches each receive a clone of the pre-step snapshot.
func (s *RunState) Clone() (*RunState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone: marshal state: %w", err)
	}
	var out RunState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone: unmarshal state: %w", err)
	}
	if out.Files == nil {
		out.Files = make(map[string]File)
	}
	if out.Blackboard == nil {
		out.Blackboard = make(map[string]any)
	}
	if out.Meta == nil {
		out.Meta = make(map[string]string)
	}
	return &out, nil
}

// FindToolResult returns the recorded result for (tool, digest), if any.
// Deterministic tools consult this before re-executing.
func (s *RunState) FindToolResult(tool, digest string) (ToolResult, bool) {
	for _, tr := range s.ToolResults {
		if tr.Tool == tool && tr.Digest == digest {
			return tr, true
		}
	}
	return ToolResult{}, false
}

// referencedFiles collects every file ID referenced by a message or tool
// result. Referenced files may not be deleted.
func (s *RunState) referencedFiles() map[string]bool {
	refs := make(map[string]bool)
	for _, m := range s.Messages {
		for _, id := range m.FileIDs {
			refs[id] = true
		}
	}
	for _, tr := range s.ToolResults {
		for _, id := range tr.FileIDs {
			refs[id] = true
		}
	}
	return refs
}

// SchemaError reports a malformed state update: an unknown field, an
// unknown blackboard merge rule, or an invariant violation. Schema errors
// are fatal to the step that produced them.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return "schema violation: " + e.Field + ": " + e.Reason
	}
	return "schema violation: " + e.Reason
}
