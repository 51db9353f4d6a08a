package plan

import (
	"context"

	"github.com/skeinworks/skein/run"
	"github.com/skeinworks/skein/run/state"
)

// Node builds a planner node: it asks the planner for a fragment,
// compiles the fragment against the catalog, splices the resulting
// sub-graph into the session, and routes into it. Planner or compile
// failures surface as CodePlanningFailure.
func Node(planner Planner, cat *Catalog) run.Node {
	return plannerNode(planner, cat, "")
}

// NodeWithFallback behaves like Node, except that a planning failure
// routes to the named fallback node instead of failing the run. The
// failure is still recorded on the blackboard under plan_error.
func NodeWithFallback(planner Planner, cat *Catalog, fallback string) run.Node {
	return plannerNode(planner, cat, fallback)
}

func plannerNode(planner Planner, cat *Catalog, fallback string) run.Node {
	return run.NodeFunc(func(ctx context.Context, snapshot *state.RunState, rc *run.RunContext) run.NodeResult {
		fail := func(err error) run.NodeResult {
			if fallback == "" {
				return run.NodeResult{Err: err}
			}
			rc.EmitCustom("plan_fallback", map[string]any{"error": err.Error()})
			return run.NodeResult{
				Delta: state.Update{Blackboard: map[string]any{"plan_error": err.Error()}},
				Route: run.Goto(fallback),
			}
		}

		f, err := planner.Plan(ctx, snapshot)
		if err != nil {
			return fail(&run.Error{
				Code:    run.CodePlanningFailure,
				Message: "planner failed: " + err.Error(),
				Node:    rc.NodeID,
				Err:     err,
			})
		}

		g, err := Compile(f, cat)
		if err != nil {
			return fail(err)
		}
		if err := rc.Splice(f.Name, g); err != nil {
			return run.NodeResult{Err: err}
		}

		rc.EmitCustom("plan_spliced", map[string]any{
			"fragment": f.Name,
			"nodes":    len(f.Nodes),
		})
		return run.NodeResult{
			Delta: state.Update{Blackboard: map[string]any{"plan": f.Name}},
			Route: run.Goto(f.Name),
		}
	})
}
