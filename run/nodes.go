package run

import (
	"context"

	"github.com/skeinworks/skein/run/state"
)

// HumanNode suspends the run to collect external input. The prompt
// function renders what is being asked from the current snapshot; its
// result travels in the run_suspended event and in the suspension record
// so user-facing surfaces can display it. Routing continues from this
// node's edges once Resume supplies the response.
func HumanNode(prompt func(snapshot *state.RunState) map[string]any) Node {
	return NodeFunc(func(ctx context.Context, snapshot *state.RunState, rc *RunContext) NodeResult {
		var p map[string]any
		if prompt != nil {
			p = prompt(snapshot)
		}
		return NodeResult{Route: Await(p)}
	})
}

// ToolNode invokes one registered tool, drawing its arguments from the
// snapshot. The invocation result is appended to tool_results whether it
// succeeded, failed, or started a background job; a failed invocation
// does not fail the run here, so downstream routing (typically a critic)
// can inspect the recorded error and decide.
func ToolNode(toolName string, args func(snapshot *state.RunState) map[string]any) Node {
	return NodeFunc(func(ctx context.Context, snapshot *state.RunState, rc *RunContext) NodeResult {
		var in map[string]any
		if args != nil {
			in = args(snapshot)
		}
		res, cached, err := rc.InvokeTool(ctx, toolName, in)
		if err != nil && res.Tool == "" {
			// No result entry to record: the tool is unknown or the digest
			// could not be computed. That is a topology bug, not a tool
			// outcome.
			return NodeResult{Err: err}
		}
		if cached {
			rc.EmitDebug("tool_cache_hit", map[string]any{"tool": toolName, "digest": res.Digest})
			return NodeResult{Delta: state.Update{}}
		}
		return NodeResult{Delta: state.Update{ToolResults: []state.ToolResult{res}}}
	})
}

// Verdict is a critic's assessment of the work so far.
type Verdict struct {
	// Delta carries any state the critic wants to record (notes on the
	// blackboard, a revised task).
	Delta state.Update

	// Route is where execution goes next. The zero value follows the
	// critic's declared edges.
	Route Next
}

// CriticNode evaluates the snapshot and routes accordingly: accept and
// continue, loop back for another attempt, or stop. The assess function
// holds the actual judgment; the node only shapes it into the runtime
// contract.
func CriticNode(assess func(snapshot *state.RunState) (Verdict, error)) Node {
	return NodeFunc(func(ctx context.Context, snapshot *state.RunState, rc *RunContext) NodeResult {
		v, err := assess(snapshot)
		if err != nil {
			return NodeResult{Err: err}
		}
		return NodeResult{Delta: v.Delta, Route: v.Route}
	})
}
