package run

import (
	"context"
	"time"

	"github.com/skeinworks/skein/run/emit"
	"github.com/skeinworks/skein/run/state"
	"github.com/skeinworks/skein/run/tool"
)

// Node is a processing unit in the workflow graph. A node receives an
// immutable snapshot of the run state, performs its work, and returns a
// NodeResult carrying a state update and a routing decision.
//
// Nodes must not mutate the snapshot; all state changes flow through the
// returned Update and are merged by the engine's reducers.
type Node interface {
	Run(ctx context.Context, snapshot *state.RunState, rc *RunContext) NodeResult
}

// NodeResult is the output of one node execution.
type NodeResult struct {
	// Delta is the partial state update to merge into the run state.
	Delta state.Update

	// Route is the next hop decision. The zero value defers to the node's
	// declared edge set.
	Route Next

	// Err is a node-level failure. Non-nil errors fail the run.
	Err error
}

// Next is a routing decision. The zero value means "follow my edges".
type Next struct {
	// To routes to a single named node, overriding declared edges.
	To string `json:"to,omitempty"`

	// Many fans out to several nodes in parallel, overriding declared
	// edges.
	Many []string `json:"many,omitempty"`

	// Terminal ends the enclosing graph. In a sub-graph this completes the
	// parent node; at the top level it completes the run.
	Terminal bool `json:"terminal,omitempty"`

	// Await suspends the run at this node until external input arrives
	// via Resume. Prompt describes what input is expected.
	Await  bool           `json:"await,omitempty"`
	Prompt map[string]any `json:"prompt,omitempty"`
}

// Stop returns a terminal routing decision.
func Stop() Next { return Next{Terminal: true} }

// Goto routes to a single node.
func Goto(nodeID string) Next { return Next{To: nodeID} }

// FanOut routes to several nodes executed in parallel.
func FanOut(nodeIDs ...string) Next { return Next{Many: nodeIDs} }

// Await suspends the run until Resume supplies the input described by
// prompt. Routing continues from this node's edges once resumed.
func Await(prompt map[string]any) Next { return Next{Await: true, Prompt: prompt} }

// Follow defers to the node's declared edge set.
func Follow() Next { return Next{} }

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, snapshot *state.RunState, rc *RunContext) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, snapshot *state.RunState, rc *RunContext) NodeResult {
	return f(ctx, snapshot, rc)
}

// TimeoutAction selects what the engine does when a node exceeds its
// timeout.
type TimeoutAction int

const (
	// TimeoutFail ends the run with a NODE_TIMEOUT error. The default.
	TimeoutFail TimeoutAction = iota

	// TimeoutReenqueue records the fault and schedules the node again for
	// the next step. Bound runaway retries with WithMaxSteps.
	TimeoutReenqueue

	// TimeoutRoute records the fault and routes to the policy's
	// TimeoutTarget instead of the node's declared edges.
	TimeoutRoute
)

// NodePolicy carries per-node execution overrides.
type NodePolicy struct {
	// Timeout bounds one execution of the node. Zero falls back to the
	// engine default.
	Timeout time.Duration

	// Retry overrides the engine's tool retry policy for tools invoked
	// through this node's RunContext.
	Retry *tool.RetryPolicy

	// OnTimeout selects the disposition when the node exceeds its
	// timeout. TimeoutRoute requires TimeoutTarget.
	OnTimeout TimeoutAction

	// TimeoutTarget names the node TimeoutRoute hands control to.
	TimeoutTarget string
}

// RunContext gives a node access to per-invocation runtime services:
// progress emission, tool invocation, and dynamic sub-graph splicing. It
// is valid only for the duration of the Run call that received it.
type RunContext struct {
	SessionID string
	Step      int
	Namespace []string
	NodeID    string

	engine   *Engine
	snapshot *state.RunState
	retry    tool.RetryPolicy
}

// EmitToken publishes an incremental output fragment on the token channel.
func (rc *RunContext) EmitToken(text string) {
	rc.publish(emit.ChannelToken, "token", map[string]any{"text": text})
}

// EmitCustom publishes a node-defined progress signal on the custom
// channel.
func (rc *RunContext) EmitCustom(msg string, payload map[string]any) {
	rc.publish(emit.ChannelCustom, msg, payload)
}

// EmitDebug publishes engine-facing diagnostics on the debug channel.
func (rc *RunContext) EmitDebug(msg string, payload map[string]any) {
	rc.publish(emit.ChannelDebug, msg, payload)
}

func (rc *RunContext) publish(ch emit.Channel, msg string, payload map[string]any) {
	if rc.engine == nil || rc.engine.events == nil {
		return
	}
	rc.engine.events.Publish(emit.Event{
		SessionID: rc.SessionID,
		Channel:   ch,
		Namespace: rc.Namespace,
		Step:      rc.Step,
		NodeID:    rc.NodeID,
		Msg:       msg,
		Payload:   payload,
	})
}

// InvokeTool runs a registered tool against the node's snapshot, honoring
// the idempotence cache and the effective retry policy. The returned
// result must be included in the node's Delta for it to persist.
func (rc *RunContext) InvokeTool(ctx context.Context, name string, args map[string]any) (state.ToolResult, bool, error) {
	if rc.engine == nil || rc.engine.tools == nil {
		return state.ToolResult{}, false, &Error{
			Code:    CodeToolFailure,
			Message: "no tool registry configured",
			Node:    rc.NodeID,
		}
	}
	return rc.engine.tools.Invoke(ctx, rc.snapshot, name, args, rc.retry)
}

// Splice registers a dynamically planned sub-graph under the given name
// for this session only. The node can then route to it like any declared
// sub-graph. Splicing a name that already exists is an error.
func (rc *RunContext) Splice(name string, g *Graph) error {
	if rc.engine == nil {
		return &Error{Code: CodePlanningFailure, Message: "no engine bound", Node: rc.NodeID}
	}
	return rc.engine.splice(rc.SessionID, rc.Namespace, name, g)
}
