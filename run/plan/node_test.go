package plan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinworks/skein/run"
	"github.com/skeinworks/skein/run/emit"
	"github.com/skeinworks/skein/run/state"
	"github.com/skeinworks/skein/run/store"
)

func TestPlannerNode_SplicesAndRuns(t *testing.T) {
	cat := testCatalog(t)
	planner := PlannerFunc(func(_ context.Context, _ *state.RunState) (Fragment, error) {
		return Fragment{
			Name:  "triage",
			Start: "assess",
			Nodes: []FragmentNode{
				{ID: "assess", Kind: "say", Config: map[string]any{"text": "assessed"}},
				{ID: "end", Kind: "finish"},
			},
			Edges: []FragmentEdge{{From: "assess", To: "end"}},
		}, nil
	})

	g, err := run.NewBuilder("wf").
		AddNode("plan", Node(planner, cat)).
		StartAt("plan").
		Compile()
	require.NoError(t, err)

	mux := emit.NewMux()
	e, err := run.New(g, store.NewMemStore(), mux, nil)
	require.NoError(t, err)

	final, status, err := e.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, status)

	// The spliced fragment executed: its delta landed in state and the
	// blackboard records which plan ran.
	require.Equal(t, "triage", final.Blackboard["plan"])
	require.Len(t, final.Messages, 1)
	require.Equal(t, "assessed", final.Messages[0].Content)

	// The engine entered the spliced sub-graph like any declared one.
	require.Len(t, mux.History("s1", emit.HistoryFilter{Msg: emit.MsgSubgraphEnter}), 1)
	require.Len(t, mux.History("s1", emit.HistoryFilter{Msg: "plan_spliced"}), 1)
}

func TestPlannerNode_PlannerFailure(t *testing.T) {
	cat := testCatalog(t)
	planner := PlannerFunc(func(_ context.Context, _ *state.RunState) (Fragment, error) {
		return Fragment{}, errors.New("model refused")
	})

	g, err := run.NewBuilder("wf").
		AddNode("plan", Node(planner, cat)).
		StartAt("plan").
		Compile()
	require.NoError(t, err)

	e, err := run.New(g, store.NewMemStore(), nil, nil)
	require.NoError(t, err)

	_, status, err := e.Start(context.Background(), "s1", nil)
	require.Equal(t, run.StatusFailed, status)
	require.Equal(t, run.CodePlanningFailure, run.CodeOf(err))
}

func TestPlannerNode_UncompilableFragment(t *testing.T) {
	cat := testCatalog(t)
	planner := PlannerFunc(func(_ context.Context, _ *state.RunState) (Fragment, error) {
		return Fragment{
			Name:  "broken",
			Start: "a",
			Nodes: []FragmentNode{{ID: "a", Kind: "no_such_kind"}},
		}, nil
	})

	g, err := run.NewBuilder("wf").
		AddNode("plan", Node(planner, cat)).
		StartAt("plan").
		Compile()
	require.NoError(t, err)

	e, err := run.New(g, store.NewMemStore(), nil, nil)
	require.NoError(t, err)

	_, status, err := e.Start(context.Background(), "s1", nil)
	require.Equal(t, run.StatusFailed, status)
	require.Equal(t, run.CodePlanningFailure, run.CodeOf(err))
}

func TestPlannerNode_Fallback(t *testing.T) {
	cat := testCatalog(t)
	planner := PlannerFunc(func(_ context.Context, _ *state.RunState) (Fragment, error) {
		return Fragment{}, errors.New("model refused")
	})

	handled := run.NodeFunc(func(_ context.Context, _ *state.RunState, _ *run.RunContext) run.NodeResult {
		return run.NodeResult{
			Delta: state.Update{Messages: []state.Message{{Role: "assistant", Content: "using the stock playbook"}}},
			Route: run.Stop(),
		}
	})

	g, err := run.NewBuilder("wf").
		AddNode("plan", NodeWithFallback(planner, cat, "manual")).
		AddNode("manual", handled).
		StartAt("plan").
		Connect("plan", "manual", nil).
		Compile()
	require.NoError(t, err)

	mux := emit.NewMux()
	e, err := run.New(g, store.NewMemStore(), mux, nil)
	require.NoError(t, err)

	final, status, err := e.Start(context.Background(), "s1", nil)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, status)
	require.Contains(t, final.Blackboard["plan_error"], "model refused")
	require.Equal(t, "using the stock playbook", final.Messages[0].Content)
	require.Len(t, mux.History("s1", emit.HistoryFilter{Msg: "plan_fallback"}), 1)
}

func TestPlannerNode_DuplicateSplice(t *testing.T) {
	cat := testCatalog(t)
	frag := Fragment{
		Name:  "dup",
		Start: "end",
		Nodes: []FragmentNode{{ID: "end", Kind: "finish"}},
	}
	planner := PlannerFunc(func(_ context.Context, _ *state.RunState) (Fragment, error) {
		return frag, nil
	})

	// Two planner nodes emitting the same fragment name: the second splice
	// must fail rather than silently replace the first.
	g, err := run.NewBuilder("wf").
		AddNode("plan1", firstThen(Node(planner, cat), "plan2")).
		AddNode("plan2", Node(planner, cat)).
		StartAt("plan1").
		Connect("plan1", "plan2", nil).
		Compile()
	require.NoError(t, err)

	e, err := run.New(g, store.NewMemStore(), nil, nil)
	require.NoError(t, err)

	_, status, err := e.Start(context.Background(), "s1", nil)
	require.Equal(t, run.StatusFailed, status)
	require.Equal(t, run.CodePlanningFailure, run.CodeOf(err))
}

// firstThen overrides a node's route so the run continues to next instead
// of entering the spliced fragment.
func firstThen(n run.Node, next string) run.Node {
	return run.NodeFunc(func(ctx context.Context, snapshot *state.RunState, rc *run.RunContext) run.NodeResult {
		res := n.Run(ctx, snapshot, rc)
		if res.Err == nil {
			res.Route = run.Goto(next)
		}
		return res
	})
}
