package run

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/skeinworks/skein/run/state"
	"github.com/skeinworks/skein/run/store"
)

// Status is the lifecycle state of a run, persisted in every checkpoint.
type Status string

const (
	// StatusReady marks a created session that has not started executing.
	StatusReady Status = "ready"

	// StatusRunning marks a run whose step loop is executing.
	StatusRunning Status = "running"

	// StatusSuspended marks a run frozen at a human-interaction point,
	// waiting for Resume.
	StatusSuspended Status = "suspended"

	// StatusCompleted marks a run that reached a terminal route.
	StatusCompleted Status = "completed"

	// StatusFailed marks a run ended by an unabsorbed error.
	StatusFailed Status = "failed"

	// StatusCancelled marks a run ended by explicit cancellation.
	StatusCancelled Status = "cancelled"
)

// suspension records where a run stopped to await external input.
type suspension struct {
	Namespace []string       `json:"namespace,omitempty"`
	NodeID    string         `json:"node_id"`
	Prompt    map[string]any `json:"prompt,omitempty"`
}

// payload is the engine's checkpoint document: everything needed to
// resume a run on any process that reaches the same store. It travels as
// the opaque Payload of a store.Checkpoint, keeping the storage backends
// schema-agnostic.
type payload struct {
	// State is the run state after the checkpointed step.
	State *state.RunState `json:"state"`

	// Frontier is the work pending for the next step, in order-key order.
	Frontier []WorkItem `json:"frontier,omitempty"`

	// Joins maps a namespace-qualified join node to the upstream nodes
	// that have already arrived.
	Joins map[string][]string `json:"joins,omitempty"`

	// MergeOrder records the completion order in which this step's deltas
	// were merged, as namespace-qualified node keys. Replay applies the
	// same order to reproduce the state byte for byte.
	MergeOrder []string `json:"merge_order,omitempty"`

	// Suspension is set when Status is suspended.
	Suspension *suspension `json:"suspension,omitempty"`

	// Input records the external update merged just before this step: the
	// session seed on the first checkpoint, the resume input on the first
	// checkpoint after a suspension. Replay re-applies it to re-drive the
	// step without the external party.
	Input *state.Update `json:"input,omitempty"`

	// Seq is the last event sequence number assigned when the checkpoint
	// was written, anchoring stream replay to the checkpoint log.
	Seq uint64 `json:"seq,omitempty"`
}

func encodePayload(p payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint payload: %w", err)
	}
	return data, nil
}

func decodePayload(cp store.Checkpoint) (payload, error) {
	var p payload
	if err := json.Unmarshal(cp.Payload, &p); err != nil {
		return payload{}, fmt.Errorf("decode checkpoint payload (session %s step %d): %w",
			cp.SessionID, cp.Step, err)
	}
	return p, nil
}

// idempotencyKey fingerprints a checkpoint commit: session, step, the
// sorted pending work, and the exact state bytes. Two commits with the
// same key are the same logical step; the store's uniqueness constraint
// turns the second into ErrDuplicateCommit instead of a divergent chain.
func idempotencyKey(sessionID string, step int, items []WorkItem, stateJSON []byte) string {
	h := sha256.New()
	h.Write([]byte(sessionID))

	var stepBytes [8]byte
	binary.BigEndian.PutUint64(stepBytes[:], uint64(step))
	h.Write(stepBytes[:])

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.key()
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}

	h.Write(stateJSON)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
