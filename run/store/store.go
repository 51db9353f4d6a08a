// Package store provides durable checkpoint persistence for workflow
// sessions.
//
// A session's checkpoint chain is its audit log: checkpoints are
// append-only, addressed by (session ID, step number), and each records its
// predecessor step so the chain can branch. The engine serializes its own
// state and frontier into the checkpoint payload; stores treat it as an
// opaque document, which keeps every backend schema-agnostic.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session or checkpoint step does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrStepExists is returned when saving a checkpoint for a (session, step)
// pair that was already written. Checkpoints are immutable once written.
var ErrStepExists = errors.New("checkpoint step already exists")

// ErrDuplicateCommit is returned when a checkpoint's idempotency key was
// already committed. The save that produced it already succeeded; callers
// treat this as success during crash recovery.
var ErrDuplicateCommit = errors.New("duplicate checkpoint commit")

// Checkpoint is one immutable snapshot in a session's history.
type Checkpoint struct {
	// SessionID groups the checkpoint chain.
	SessionID string `json:"session_id"`

	// Step is the monotonically increasing step counter within the session.
	Step int `json:"step"`

	// PrevStep is the predecessor step number, or -1 for the chain root.
	// Chains are linear in normal operation and branch when a run is
	// resumed from an older step.
	PrevStep int `json:"prev_step"`

	// Status is the run status at snapshot time ("running", "suspended",
	// "completed", "failed").
	Status string `json:"status"`

	// Payload is the engine-serialized snapshot: run state, frozen
	// frontier, join arrivals, and branch completion order.
	Payload json.RawMessage `json:"payload"`

	// IdempotencyKey prevents duplicate commits of the same snapshot
	// during retries or crash recovery. Optional.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Label optionally names the checkpoint as a save point.
	Label string `json:"label,omitempty"`

	// CreatedAt records when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists session checkpoints.
//
// Implementations must allow concurrent Save calls for unrelated sessions
// and must never mutate a checkpoint once written.
type Store interface {
	// Save appends a checkpoint. Returns ErrStepExists if the (session,
	// step) pair was already written and ErrDuplicateCommit if the
	// idempotency key was already committed.
	Save(ctx context.Context, cp Checkpoint) error

	// Load retrieves the checkpoint at a specific step.
	// Returns ErrNotFound if it does not exist.
	Load(ctx context.Context, sessionID string, step int) (Checkpoint, error)

	// LoadLatest retrieves the checkpoint with the highest step number for
	// the session. Returns ErrNotFound for unknown sessions.
	LoadLatest(ctx context.Context, sessionID string) (Checkpoint, error)

	// LoadLabel retrieves a checkpoint by its save-point label.
	LoadLabel(ctx context.Context, sessionID, label string) (Checkpoint, error)

	// List returns the session's step numbers in ascending order. An
	// unknown session yields an empty list, not an error.
	List(ctx context.Context, sessionID string) ([]int, error)
}
