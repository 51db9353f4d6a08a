package tool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/skeinworks/skein/run/state"
)

// ErrUnknownTool is returned when invoking a name no tool was registered
// under.
var ErrUnknownTool = errors.New("unknown tool")

// ErrRetriesExhausted is returned when a tool failed more times than its
// retry policy allows. The last underlying error is wrapped.
var ErrRetriesExhausted = errors.New("tool retry budget exhausted")

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for impossible
// budgets.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy bounds automatic re-invocation of a failing tool.
//
// Backoff is exponential with jitter: min(base * 2^attempt, maxDelay) +
// jitter(0, base), which avoids synchronized retry storms across
// concurrent branches.
type RetryPolicy struct {
	// MaxAttempts is the total invocation budget including the first
	// attempt. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means uncapped.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying. Nil retries
	// every error.
	Retryable func(error) bool
}

// Validate rejects impossible budgets.
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp RetryPolicy) backoff(attempt int, rng *rand.Rand) time.Duration {
	if rp.BaseDelay <= 0 {
		return 0
	}
	delay := rp.BaseDelay * (1 << attempt)
	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(rp.BaseDelay)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(rp.BaseDelay))) // #nosec G404 -- retry jitter, not security
	}
	return delay + jitter
}

// Registry holds the tools available to a workflow and mediates every
// invocation: digest computation, per-session idempotence via the run
// state's tool results, bounded retries, and background job dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("duplicate tool name: %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Invoke runs a tool against the given pre-step snapshot and returns the
// result entry to be appended to the run state.
//
// Idempotence: for deterministic tools, a prior result with the same
// digest is returned as-is with cached=true and the tool is not
// re-executed. Failures are retried within the policy's budget; when the
// budget is exhausted the returned entry has status error and the error
// wraps ErrRetriesExhausted so routing (typically a critic node) can
// decide what happens next.
//
// Background tools are started, not awaited: the returned entry has
// status pending and carries the job handle in its output.
func (r *Registry) Invoke(ctx context.Context, snap *state.RunState, name string, args map[string]any, policy RetryPolicy) (state.ToolResult, bool, error) {
	t, ok := r.Get(name)
	if !ok {
		return state.ToolResult{}, false, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	digest, err := Digest(name, args)
	if err != nil {
		return state.ToolResult{}, false, err
	}

	if t.Deterministic() {
		if prior, ok := snap.FindToolResult(name, digest); ok {
			return prior, true, nil
		}
	}

	if bg, ok := t.(Background); ok {
		job, err := bg.Start(ctx, args)
		if err != nil {
			return state.ToolResult{}, false, fmt.Errorf("start background tool %s: %w", name, err)
		}
		job.Digest = digest
		return state.ToolResult{
			Tool:   name,
			Digest: digest,
			Status: state.ToolPending,
			Output: map[string]any{"job_id": job.ID},
		}, false, nil
	}

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := policy.backoff(attempt-1, nil)
			select {
			case <-ctx.Done():
				return state.ToolResult{}, false, ctx.Err()
			case <-time.After(delay):
			}
		}

		output, err := t.Call(ctx, args)
		if err == nil {
			return state.ToolResult{
				Tool:     name,
				Digest:   digest,
				Output:   output,
				Status:   state.ToolOK,
				Duration: time.Since(start),
			}, false, nil
		}
		lastErr = err
		if policy.Retryable != nil && !policy.Retryable(err) {
			break
		}
	}

	// Exhausted. The error entry still lands in tool_results so routing
	// can see it; the wrapped error signals the failure upward.
	res := state.ToolResult{
		Tool:     name,
		Digest:   digest,
		Output:   map[string]any{"error": lastErr.Error()},
		Status:   state.ToolError,
		Duration: time.Since(start),
	}
	return res, false, fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, name, lastErr)
}

// CompleteJob builds the state update that records a finished background
// job, promoting its pending tool_results entry.
func CompleteJob(job Job, output map[string]any, jobErr error) state.Update {
	tr := state.ToolResult{
		Tool:   job.Tool,
		Digest: job.Digest,
		Output: output,
		Status: state.ToolOK,
	}
	if jobErr != nil {
		tr.Status = state.ToolError
		tr.Output = map[string]any{"error": jobErr.Error()}
	}
	return state.Update{ToolResults: []state.ToolResult{tr}}
}

// PollJob checks one background job. When the job has finished it returns
// the completion update and done=true; until then the update is zero. A
// poll transport error is returned as-is so the caller can retry later.
func PollJob(ctx context.Context, p Poller, job Job) (state.Update, bool, error) {
	output, done, err := p.Poll(ctx, job)
	if !done {
		return state.Update{}, false, err
	}
	return CompleteJob(job, output, err), true, nil
}
