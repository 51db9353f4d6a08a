// Package tool defines the deterministic-tool boundary: the Tool contract,
// normalized argument digests used for idempotence, and a registry that
// caches deterministic results per session and enforces retry budgets.
package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Tool is an executable collaborator a workflow node can invoke.
//
// Implementations should validate input, respect context cancellation, and
// return structured output. A tool declares whether it is deterministic:
// deterministic tools are cached by argument digest within a session, so a
// repeated invocation with identical arguments returns the recorded result
// without re-execution.
type Tool interface {
	// Name returns the unique tool identifier, lowercase with underscores
	// ("search_web", "render_report").
	Name() string

	// Deterministic reports whether identical inputs always produce
	// identical outputs with no side effects worth repeating.
	Deterministic() bool

	// Call executes the tool. Input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Background is implemented by tools whose work completes asynchronously.
// Start returns a job handle immediately; completion is reported later by
// a Poller feeding the run's tool results.
type Background interface {
	Tool

	// Start begins the background operation and returns its handle.
	Start(ctx context.Context, input map[string]any) (Job, error)
}

// Job identifies an in-flight background tool invocation.
type Job struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Digest string `json:"digest"`
}

// Poller checks background jobs for completion.
type Poller interface {
	// Poll returns the job's output and done=true once the job finished.
	// A non-nil error with done=true marks the job failed.
	Poll(ctx context.Context, job Job) (output map[string]any, done bool, err error)
}

// Digest computes the normalized, order-independent fingerprint of a tool
// invocation: sha256 over the tool name and the canonical JSON encoding of
// the arguments. Arguments are round-tripped through JSON first so that
// equivalent inputs (int vs float64, differing map insertion order) yield
// the same digest. Format: "sha256:<hex>".
func Digest(tool string, args map[string]any) (string, error) {
	normalized, err := normalize(args)
	if err != nil {
		return "", fmt.Errorf("normalize args for %s: %w", tool, err)
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("encode args for %s: %w", tool, err)
	}

	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(data)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func normalize(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
