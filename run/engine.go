package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skeinworks/skein/run/emit"
	"github.com/skeinworks/skein/run/state"
	"github.com/skeinworks/skein/run/store"
	"github.com/skeinworks/skein/run/tool"
)

// Engine executes compiled workflow graphs step by step.
//
// Each step drains the frontier, runs every queued node concurrently
// against a clone of the pre-step snapshot, merges the resulting updates
// in completion order, resolves routing into the next frontier, and
// commits a checkpoint. Suspension freezes the frontier inside the
// checkpoint so any process reaching the same store can resume the run.
//
// An Engine is immutable after construction and safe for concurrent use
// across many sessions.
type Engine struct {
	graph  *Graph
	store  store.Store
	events *emit.Mux
	tools  *tool.Registry
	cfg    config

	mu       sync.Mutex
	overlays map[string]map[string]*Graph
}

// New creates an engine for the given graph. The store is required; a nil
// mux gets a private one, and a nil registry disables tool invocation.
func New(g *Graph, st store.Store, events *emit.Mux, tools *tool.Registry, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if events == nil {
		events = emit.NewMux()
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	return &Engine{
		graph:    g,
		store:    st,
		events:   events,
		tools:    tools,
		cfg:      cfg,
		overlays: make(map[string]map[string]*Graph),
	}, nil
}

// Events returns the engine's event multiplexer for subscriptions.
func (e *Engine) Events() *emit.Mux { return e.events }

// Store returns the checkpoint store backing the engine.
func (e *Engine) Store() store.Store { return e.store }

// Start begins executing a session from the graph's entry node. A nil
// initial state gets a fresh one. Returns the final state and status;
// StatusSuspended is a normal outcome, not an error.
func (e *Engine) Start(ctx context.Context, sessionID string, initial *state.RunState) (*state.RunState, Status, error) {
	return e.start(ctx, sessionID, initial, nil)
}

// start is the shared entry for fresh runs. A non-nil input is recorded
// in the first checkpoint so replay can reproduce the step without the
// external party.
func (e *Engine) start(ctx context.Context, sessionID string, initial *state.RunState, input *state.Update) (*state.RunState, Status, error) {
	if sessionID == "" {
		return nil, StatusFailed, fmt.Errorf("session ID is required")
	}
	st := initial
	if st == nil {
		st = state.New(sessionID)
	}
	if st.Task != nil {
		st.Task.Status = state.TaskInProgress
	}

	rl := &runLoop{
		e:         e,
		sessionID: sessionID,
		st:        st,
		f:         newFrontier(nil),
		joins:     make(map[string][]string),
		step:      0,
		prevStep:  0,
		input:     input,
	}
	if err := rl.enqueueTarget(nil, e.graph.Start(), "", 0); err != nil {
		return nil, StatusFailed, err
	}
	return e.loop(ctx, rl)
}

// Resume continues a suspended session. The input update carries the
// external response (typically a user message plus blackboard values); it
// is merged before routing continues from the suspension point. Resuming
// a session that is not suspended fails with CodeInvalidResumeState.
func (e *Engine) Resume(ctx context.Context, sessionID string, input state.Update) (*state.RunState, Status, error) {
	cp, err := e.store.LoadLatest(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, StatusFailed, &Error{Code: CodeInvalidResumeState, Message: "unknown session: " + sessionID}
	}
	if err != nil {
		return nil, StatusFailed, fmt.Errorf("load latest checkpoint: %w", err)
	}
	if Status(cp.Status) != StatusSuspended {
		return nil, Status(cp.Status), &Error{
			Code:    CodeInvalidResumeState,
			Message: fmt.Sprintf("session %s is %s, not suspended", sessionID, cp.Status),
		}
	}

	p, err := decodePayload(cp)
	if err != nil {
		return nil, StatusFailed, err
	}
	if p.Suspension == nil {
		return nil, StatusFailed, &Error{Code: CodeInvalidResumeState, Message: "suspended checkpoint has no suspension record"}
	}

	st, err := state.Apply(e.cfg.schema, p.State, input)
	if err != nil {
		var se *state.SchemaError
		if errors.As(err, &se) {
			return nil, StatusFailed, &Error{Code: CodeSchemaViolation, Message: se.Error(), Err: err}
		}
		return nil, StatusFailed, err
	}
	if st.Task != nil {
		st.Task.Status = state.TaskInProgress
	}

	e.events.Publish(emit.Event{
		SessionID: sessionID,
		Channel:   emit.ChannelState,
		Namespace: p.Suspension.Namespace,
		Step:      cp.Step,
		NodeID:    p.Suspension.NodeID,
		Msg:       emit.MsgRunResumed,
	})

	rl := &runLoop{
		e:         e,
		sessionID: sessionID,
		st:        st,
		f:         newFrontier(p.Frontier),
		joins:     p.Joins,
		step:      cp.Step,
		prevStep:  cp.Step,
	}
	if !input.IsZero() {
		in := input
		rl.input = &in
	}
	if rl.joins == nil {
		rl.joins = make(map[string][]string)
	}

	// Routing continues from the suspension point against the post-input
	// state, as if the node had just completed.
	if err := rl.routeFrom(p.Suspension.Namespace, p.Suspension.NodeID, st); err != nil {
		return rl.fail(ctx, err)
	}
	return e.loop(ctx, rl)
}

// splice registers a dynamically planned sub-graph for one session.
func (e *Engine) splice(sessionID string, namespace []string, name string, g *Graph) error {
	if name == "" || g == nil {
		return &Error{Code: CodePlanningFailure, Message: "spliced sub-graph needs a name and a graph"}
	}
	key := qualify(namespace, name)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.overlays[sessionID] == nil {
		e.overlays[sessionID] = make(map[string]*Graph)
	}
	if _, dup := e.overlays[sessionID][key]; dup {
		return &Error{Code: CodePlanningFailure, Message: "sub-graph already spliced: " + key}
	}
	e.overlays[sessionID][key] = g
	return nil
}

func (e *Engine) overlay(sessionID, key string) (*Graph, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.overlays[sessionID][key]
	return g, ok
}

func (e *Engine) dropOverlays(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.overlays, sessionID)
}

// graphAt walks the namespace path from the root graph, consulting the
// session's spliced overlays where the static topology has no match.
func (e *Engine) graphAt(sessionID string, namespace []string) (*Graph, error) {
	g := e.graph
	for i, elem := range namespace {
		if sub, ok := g.Subgraph(elem); ok {
			g = sub
			continue
		}
		if sub, ok := e.overlay(sessionID, qualify(namespace[:i], elem)); ok {
			g = sub
			continue
		}
		return nil, fmt.Errorf("namespace %s names no sub-graph at %s",
			strings.Join(namespace, "/"), elem)
	}
	return g, nil
}

func qualify(namespace []string, name string) string {
	if len(namespace) == 0 {
		return name
	}
	return strings.Join(namespace, "/") + "/" + name
}

// runLoop is the mutable execution state of one run. Only the step loop
// goroutine touches it.
type runLoop struct {
	e         *Engine
	sessionID string
	st        *state.RunState
	f         *frontier
	joins     map[string][]string
	step      int
	prevStep  int

	// input is the external update merged before the next step, recorded
	// in that step's checkpoint for replay and then cleared.
	input *state.Update

	mergeOrder []string
	suspended  *suspension
	terminal   bool
}

// execResult is one node execution outcome, collected in completion
// order. Timeout dispositions travel with the result so the step loop
// can act on them without re-resolving the node's policy.
type execResult struct {
	item          WorkItem
	res           NodeResult
	dur           time.Duration
	err           error
	onTimeout     TimeoutAction
	timeoutTarget string
}

func (e *Engine) loop(ctx context.Context, rl *runLoop) (*state.RunState, Status, error) {
	if e.cfg.wallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.wallClockBudget)
		defer cancel()
	}

	for {
		if err := ctx.Err(); err != nil {
			return rl.cancel(err)
		}

		batch := rl.f.drain()
		rl.step++
		if e.cfg.maxSteps > 0 && rl.step > e.cfg.maxSteps {
			return rl.fail(ctx, ErrMaxStepsExceeded)
		}

		if len(batch) == 0 {
			if len(rl.joins) > 0 {
				return rl.fail(ctx, fmt.Errorf("%w: waiting joins %v", ErrNoProgress, joinKeys(rl.joins)))
			}
			rl.terminal = true
		}

		results, err := e.executeBatch(ctx, rl, batch)
		if err != nil {
			return rl.fail(ctx, err)
		}

		rl.mergeOrder = rl.mergeOrder[:0]
		for _, r := range results {
			if r.err != nil {
				// A node failing because the run context was cancelled is a
				// cancellation, not a node fault.
				if ctx.Err() != nil {
					return rl.cancel(ctx.Err())
				}
				if CodeOf(r.err) == CodeNodeTimeout && r.onTimeout != TimeoutFail {
					rl.recordFault(r)
					if err := rl.absorbTimeout(r); err != nil {
						return rl.fail(ctx, err)
					}
					continue
				}
				rl.recordFault(r)
				return rl.fail(ctx, r.err)
			}
			if err := rl.merge(r); err != nil {
				return rl.fail(ctx, err)
			}
			if err := rl.route(r); err != nil {
				return rl.fail(ctx, err)
			}
		}

		if e.cfg.queueDepth > 0 && rl.f.len() > e.cfg.queueDepth {
			return rl.fail(ctx, fmt.Errorf("%w: %d items queued", ErrQueueOverflow, rl.f.len()))
		}

		status := StatusRunning
		switch {
		case rl.suspended != nil:
			status = StatusSuspended
			if rl.st.Task != nil {
				rl.st.Task.Status = state.TaskAwaitingInput
			}
		case rl.terminal:
			// A terminal route ends the run; work still queued by sibling
			// branches in the same step is abandoned.
			status = StatusCompleted
			rl.f = newFrontier(nil)
			if rl.st.Task != nil {
				rl.st.Task.Status = state.TaskCompleted
			}
		}
		e.cfg.metrics.setQueueDepth(rl.f.len())

		// A failed commit still ends the run through fail so subscribers
		// get their terminal event and the failure state is preserved on a
		// best-effort basis.
		if err := rl.checkpoint(ctx, status); err != nil {
			return rl.fail(ctx, err)
		}

		switch status {
		case StatusSuspended:
			return rl.suspend()
		case StatusCompleted:
			return rl.complete()
		}
	}
}

// executeBatch runs one step's work items concurrently, each against its
// own clone of the pre-step snapshot, bounded by the concurrency limit.
// Results arrive in completion order, which becomes the merge order.
func (e *Engine) executeBatch(ctx context.Context, rl *runLoop, batch []WorkItem) ([]execResult, error) {
	sem := make(chan struct{}, e.cfg.maxConcurrent)
	out := make(chan execResult, len(batch))
	e.cfg.metrics.setInflight(len(batch))
	defer e.cfg.metrics.setInflight(0)

	var wg sync.WaitGroup
	for _, item := range batch {
		g, err := e.graphAt(rl.sessionID, item.Namespace)
		if err != nil {
			return nil, err
		}
		node, ok := g.Node(item.NodeID)
		if !ok {
			return nil, fmt.Errorf("node not found during execution: %s", item.key())
		}
		snap, err := rl.st.Clone()
		if err != nil {
			return nil, err
		}

		wg.Add(1)
		go func(item WorkItem, node Node, snap *state.RunState, policy *NodePolicy) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out <- e.runNode(ctx, rl, item, node, snap, policy)
		}(item, node, snap, g.Policy(item.NodeID))
	}
	wg.Wait()
	close(out)

	results := make([]execResult, 0, len(batch))
	for r := range out {
		results = append(results, r)
	}
	return results, nil
}

// runNode executes one node under its effective timeout.
func (e *Engine) runNode(ctx context.Context, rl *runLoop, item WorkItem, node Node, snap *state.RunState, policy *NodePolicy) execResult {
	timeout := e.cfg.defaultNodeTimeout
	retry := e.cfg.retry
	if policy != nil {
		if policy.Timeout > 0 {
			timeout = policy.Timeout
		}
		if policy.Retry != nil {
			retry = *policy.Retry
		}
	}

	rc := &RunContext{
		SessionID: rl.sessionID,
		Step:      rl.step,
		Namespace: item.Namespace,
		NodeID:    item.NodeID,
		engine:    e,
		snapshot:  snap,
		retry:     retry,
	}

	nodeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res := node.Run(nodeCtx, snap, rc)
	dur := time.Since(start)

	if nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		e.cfg.metrics.recordStepLatency(item.NodeID, dur, "timeout")
		r := execResult{item: item, dur: dur, err: &Error{
			Code:    CodeNodeTimeout,
			Message: fmt.Sprintf("node exceeded timeout of %v", timeout),
			Node:    item.key(),
			Err:     context.DeadlineExceeded,
		}}
		if policy != nil {
			r.onTimeout = policy.OnTimeout
			r.timeoutTarget = policy.TimeoutTarget
		}
		return r
	}
	if res.Err != nil {
		e.cfg.metrics.recordStepLatency(item.NodeID, dur, "error")
		return execResult{item: item, res: res, dur: dur, err: classify(res.Err, item.key())}
	}
	e.cfg.metrics.recordStepLatency(item.NodeID, dur, "success")
	return execResult{item: item, res: res, dur: dur}
}

// classify wraps a node error into the run error taxonomy, preserving an
// existing classification.
func classify(err error, nodeKey string) error {
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	var se *state.SchemaError
	if errors.As(err, &se) {
		return &Error{Code: CodeSchemaViolation, Message: se.Error(), Node: nodeKey, Err: err}
	}
	if errors.Is(err, tool.ErrRetriesExhausted) || errors.Is(err, tool.ErrUnknownTool) {
		return &Error{Code: CodeToolFailure, Message: err.Error(), Node: nodeKey, Err: err}
	}
	return &Error{Code: CodeNodeFailure, Message: err.Error(), Node: nodeKey, Err: err}
}

// merge folds one result's delta into the run state and records the
// completion, emitting node_completed on the state channel.
func (rl *runLoop) merge(r execResult) error {
	merged, err := state.Apply(rl.e.cfg.schema, rl.st, r.res.Delta)
	if err != nil {
		var se *state.SchemaError
		if errors.As(err, &se) {
			rl.e.cfg.metrics.incNodeFault(r.item.NodeID, CodeSchemaViolation)
			return &Error{Code: CodeSchemaViolation, Message: se.Error(), Node: r.item.key(), Err: err}
		}
		return err
	}
	rl.st = merged
	rl.st.Actions = append(rl.st.Actions, state.Action{
		Node:    r.item.key(),
		At:      time.Now().UTC(),
		Summary: "completed",
	})
	rl.mergeOrder = append(rl.mergeOrder, r.item.key())

	rl.e.events.Publish(emit.Event{
		SessionID: rl.sessionID,
		Channel:   emit.ChannelState,
		Namespace: r.item.Namespace,
		Step:      rl.step,
		NodeID:    r.item.NodeID,
		Msg:       emit.MsgNodeCompleted,
		Payload:   map[string]any{"duration_ms": r.dur.Milliseconds()},
	})
	return nil
}

func (rl *runLoop) recordFault(r execResult) {
	code := CodeOf(r.err)
	rl.e.cfg.metrics.incNodeFault(r.item.NodeID, code)
	rl.st.Actions = append(rl.st.Actions, state.Action{
		Node:    r.item.key(),
		At:      time.Now().UTC(),
		Summary: "fault: " + r.err.Error(),
	})
	rl.e.events.Publish(emit.Event{
		SessionID: rl.sessionID,
		Channel:   emit.ChannelState,
		Namespace: r.item.Namespace,
		Step:      rl.step,
		NodeID:    r.item.NodeID,
		Msg:       emit.MsgNodeFault,
		Payload:   map[string]any{"error": r.err.Error(), "code": string(code)},
	})
}

// absorbTimeout applies a non-fatal timeout disposition: the node runs
// again next step, or control routes to the policy's target.
func (rl *runLoop) absorbTimeout(r execResult) error {
	if r.onTimeout == TimeoutReenqueue {
		rl.requeue(r.item)
		return nil
	}
	return rl.enqueueTarget(r.item.Namespace, r.timeoutTarget, r.item.NodeID, 0)
}

// requeue schedules the same work item for the next step, provenance
// intact so its order key is stable.
func (rl *runLoop) requeue(item WorkItem) {
	item.Step = rl.step + 1
	rl.f.push(item)
}

// route turns one result's routing decision into frontier items.
func (rl *runLoop) route(r execResult) error {
	route := r.res.Route

	switch {
	case route.Await:
		// One suspension per checkpoint. When several branches await in
		// the same step, the first (in merge order) holds the suspension
		// and the rest stay queued in the frozen frontier, so each resume
		// satisfies one gate and the run re-suspends on the next.
		if rl.suspended != nil {
			rl.requeue(r.item)
			return nil
		}
		rl.suspended = &suspension{
			Namespace: r.item.Namespace,
			NodeID:    r.item.NodeID,
			Prompt:    route.Prompt,
		}
		return nil

	case route.Terminal:
		return rl.exit(r.item.Namespace)

	case route.To != "":
		return rl.enqueueTarget(r.item.Namespace, route.To, r.item.NodeID, 0)

	case len(route.Many) > 0:
		for i, to := range route.Many {
			if err := rl.enqueueTarget(r.item.Namespace, to, r.item.NodeID, i); err != nil {
				return err
			}
		}
		return nil

	default:
		return rl.routeFrom(r.item.Namespace, r.item.NodeID, rl.st)
	}
}

// routeFrom resolves a node's declared edge set against a snapshot and
// enqueues the successors.
func (rl *runLoop) routeFrom(namespace []string, nodeID string, snapshot *state.RunState) error {
	g, err := rl.e.graphAt(rl.sessionID, namespace)
	if err != nil {
		return err
	}
	hops, ok := g.EdgeSetFor(nodeID).resolve(snapshot)
	if !ok {
		return &Error{
			Code:    CodeRoutingExhausted,
			Message: "no edge matched and no default declared",
			Node:    qualify(namespace, nodeID),
		}
	}
	for _, h := range hops {
		if err := rl.enqueueTarget(namespace, h.to, nodeID, h.edgeIndex); err != nil {
			return err
		}
	}
	return nil
}

// exit completes the graph at the given namespace level. At the top level
// the run is done; inside a sub-graph the parent node completes and its
// edges route in the enclosing graph. A parent with no edge set exits
// recursively.
func (rl *runLoop) exit(namespace []string) error {
	if len(namespace) == 0 {
		rl.terminal = true
		return nil
	}

	parentNS := namespace[:len(namespace)-1]
	parentNode := namespace[len(namespace)-1]

	rl.e.events.Publish(emit.Event{
		SessionID: rl.sessionID,
		Channel:   emit.ChannelState,
		Namespace: parentNS,
		Step:      rl.step,
		NodeID:    parentNode,
		Msg:       emit.MsgSubgraphExit,
	})

	g, err := rl.e.graphAt(rl.sessionID, parentNS)
	if err != nil {
		return err
	}
	if g.EdgeSetFor(parentNode) == nil {
		return rl.exit(parentNS)
	}
	return rl.routeFrom(parentNS, parentNode, rl.st)
}

// enqueueTarget schedules a successor. Sub-graph targets are entered
// immediately: the namespace is pushed and the child's start node is
// scheduled instead, recursively for nested sub-graphs. Join targets wait
// until every declared upstream has arrived.
func (rl *runLoop) enqueueTarget(namespace []string, target, parent string, edgeIndex int) error {
	g, err := rl.e.graphAt(rl.sessionID, namespace)
	if err != nil {
		return err
	}

	if required := g.JoinInputs(target); len(required) > 0 && parent != "" {
		key := qualify(namespace, target)
		arrived := rl.joins[key]
		for _, a := range arrived {
			if a == parent {
				return nil
			}
		}
		arrived = append(arrived, parent)
		rl.joins[key] = arrived
		if !containsAll(arrived, required) {
			return nil
		}
		delete(rl.joins, key)
		// All arrivals in; the join's order key derives from the join node
		// itself so arrival order cannot influence scheduling.
		parent, edgeIndex = "", 0
	}

	sub, isSub := g.Subgraph(target)
	if !isSub {
		if og, ok := rl.e.overlay(rl.sessionID, qualify(namespace, target)); ok {
			sub, isSub = og, true
		}
	}
	if isSub {
		childNS := append(append([]string(nil), namespace...), target)
		rl.e.events.Publish(emit.Event{
			SessionID: rl.sessionID,
			Channel:   emit.ChannelState,
			Namespace: namespace,
			Step:      rl.step,
			NodeID:    target,
			Msg:       emit.MsgSubgraphEnter,
		})
		return rl.enqueueTarget(childNS, sub.Start(), "", 0)
	}

	if _, ok := g.Node(target); !ok {
		return fmt.Errorf("route to unknown node: %s", qualify(namespace, target))
	}
	rl.f.push(WorkItem{
		Step:         rl.step + 1,
		OrderKey:     orderKey(namespace, parent, edgeIndex),
		Namespace:    append([]string(nil), namespace...),
		NodeID:       target,
		ParentNodeID: parent,
		EdgeIndex:    edgeIndex,
	})
	return nil
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func joinKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// checkpoint commits the step's outcome: state, frozen frontier, join
// arrivals, merge order, and suspension record, under a write-once
// idempotency key.
func (rl *runLoop) checkpoint(ctx context.Context, status Status) error {
	items := rl.f.snapshot()
	p := payload{
		State:      rl.st,
		Frontier:   items,
		Joins:      rl.joins,
		MergeOrder: append([]string(nil), rl.mergeOrder...),
		Suspension: rl.suspended,
		Input:      rl.input,
		Seq:        rl.e.events.LastSeq(rl.sessionID),
	}
	raw, err := encodePayload(p)
	if err != nil {
		return err
	}
	stateJSON, err := json.Marshal(rl.st)
	if err != nil {
		return fmt.Errorf("encode state for idempotency key: %w", err)
	}

	var label string
	if rl.e.cfg.checkpointLabeler != nil {
		label = rl.e.cfg.checkpointLabeler(rl.step)
	}

	cp := store.Checkpoint{
		SessionID:      rl.sessionID,
		Step:           rl.step,
		PrevStep:       rl.prevStep,
		Status:         string(status),
		Payload:        raw,
		IdempotencyKey: idempotencyKey(rl.sessionID, rl.step, items, stateJSON),
		Label:          label,
		CreatedAt:      time.Now().UTC(),
	}
	if err := rl.e.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("commit checkpoint step %d: %w", rl.step, err)
	}
	rl.prevStep = rl.step
	rl.input = nil
	rl.e.cfg.metrics.incCheckpoint(status)

	rl.e.events.Publish(emit.Event{
		SessionID: rl.sessionID,
		Channel:   emit.ChannelDebug,
		Step:      rl.step,
		Msg:       emit.MsgCheckpoint,
		Payload:   map[string]any{"status": string(status), "pending": len(items)},
	})
	return nil
}

func (rl *runLoop) suspend() (*state.RunState, Status, error) {
	rl.e.cfg.metrics.incSuspension()
	rl.e.events.Publish(emit.Event{
		SessionID: rl.sessionID,
		Channel:   emit.ChannelState,
		Namespace: rl.suspended.Namespace,
		Step:      rl.step,
		NodeID:    rl.suspended.NodeID,
		Msg:       emit.MsgRunSuspended,
		Payload:   rl.suspended.Prompt,
	})
	return rl.st, StatusSuspended, nil
}

func (rl *runLoop) complete() (*state.RunState, Status, error) {
	rl.e.dropOverlays(rl.sessionID)
	rl.e.events.Publish(emit.Event{
		SessionID: rl.sessionID,
		Channel:   emit.ChannelState,
		Step:      rl.step,
		Msg:       emit.MsgRunCompleted,
		Terminal:  true,
	})
	return rl.st, StatusCompleted, nil
}

func (rl *runLoop) fail(ctx context.Context, runErr error) (*state.RunState, Status, error) {
	if rl.st.Task != nil {
		rl.st.Task.Status = state.TaskFailed
	}
	// Best effort: the failure checkpoint preserves the state for autopsy
	// even when the original commit path is what broke.
	_ = rl.checkpoint(ctx, StatusFailed)
	rl.e.dropOverlays(rl.sessionID)
	rl.e.events.Publish(emit.Event{
		SessionID: rl.sessionID,
		Channel:   emit.ChannelState,
		Step:      rl.step,
		Msg:       emit.MsgRunFailed,
		Payload:   map[string]any{"error": runErr.Error(), "code": string(CodeOf(runErr))},
		Terminal:  true,
	})
	return rl.st, StatusFailed, runErr
}

func (rl *runLoop) cancel(cause error) (*state.RunState, Status, error) {
	if rl.st.Task != nil {
		rl.st.Task.Status = state.TaskFailed
	}
	// The run context is already dead; commit the cancellation marker on a
	// fresh context so the final state survives.
	rl.step++
	_ = rl.checkpoint(context.Background(), StatusCancelled)
	rl.e.dropOverlays(rl.sessionID)
	runErr := &Error{Code: CodeCancelled, Message: "run cancelled", Err: cause}
	rl.e.events.Publish(emit.Event{
		SessionID: rl.sessionID,
		Channel:   emit.ChannelState,
		Step:      rl.step,
		Msg:       emit.MsgRunFailed,
		Payload:   map[string]any{"error": runErr.Error(), "code": string(CodeCancelled)},
		Terminal:  true,
	})
	return rl.st, StatusCancelled, runErr
}
