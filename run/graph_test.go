package run

import (
	"context"
	"strings"
	"testing"

	"github.com/skeinworks/skein/run/state"
)

func noopNode() Node {
	return NodeFunc(func(_ context.Context, _ *state.RunState, _ *RunContext) NodeResult {
		return NodeResult{Route: Stop()}
	})
}

func TestBuilder_Compile(t *testing.T) {
	t.Run("minimal graph", func(t *testing.T) {
		g, err := NewBuilder("wf").
			AddNode("a", noopNode()).
			StartAt("a").
			Compile()
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		if g.Name() != "wf" || g.Start() != "a" {
			t.Errorf("unexpected graph identity: name %q start %q", g.Name(), g.Start())
		}
	})

	t.Run("start not set", func(t *testing.T) {
		_, err := NewBuilder("wf").AddNode("a", noopNode()).Compile()
		if err == nil || !strings.Contains(err.Error(), "start node not set") {
			t.Errorf("expected start-not-set error, got %v", err)
		}
	})

	t.Run("start does not exist", func(t *testing.T) {
		_, err := NewBuilder("wf").AddNode("a", noopNode()).StartAt("missing").Compile()
		if err == nil || !strings.Contains(err.Error(), "start node does not exist") {
			t.Errorf("expected missing-start error, got %v", err)
		}
	})

	t.Run("duplicate node ID", func(t *testing.T) {
		_, err := NewBuilder("wf").
			AddNode("a", noopNode()).
			AddNode("a", noopNode()).
			StartAt("a").
			Compile()
		if err == nil || !strings.Contains(err.Error(), "duplicate node ID") {
			t.Errorf("expected duplicate-node error, got %v", err)
		}
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		_, err := NewBuilder("wf").
			AddNode("a", noopNode()).
			StartAt("a").
			Connect("a", "ghost", nil).
			Compile()
		if err == nil || !strings.Contains(err.Error(), "unknown node") {
			t.Errorf("expected unknown-target error, got %v", err)
		}
	})

	t.Run("unreachable node", func(t *testing.T) {
		_, err := NewBuilder("wf").
			AddNode("a", noopNode()).
			AddNode("orphan", noopNode()).
			StartAt("a").
			Compile()
		if err == nil || !strings.Contains(err.Error(), "unreachable") {
			t.Errorf("expected unreachable error, got %v", err)
		}
	})

	t.Run("node and sub-graph IDs collide", func(t *testing.T) {
		child, err := NewBuilder("child").AddNode("c", noopNode()).StartAt("c").Compile()
		if err != nil {
			t.Fatalf("child compile failed: %v", err)
		}
		_, err = NewBuilder("wf").
			AddNode("x", noopNode()).
			AddSubgraph("x", child).
			StartAt("x").
			Compile()
		if err == nil || !strings.Contains(err.Error(), "collides") {
			t.Errorf("expected collision error, got %v", err)
		}
	})
}

func TestBuilder_Joins(t *testing.T) {
	t.Run("valid join", func(t *testing.T) {
		g, err := NewBuilder("wf").
			AddNode("split", noopNode()).
			AddNode("x", noopNode()).
			AddNode("y", noopNode()).
			AddNode("merge", noopNode()).
			StartAt("split").
			EdgeModeFor("split", Parallel).
			Connect("split", "x", nil).
			Connect("split", "y", nil).
			Connect("x", "merge", nil).
			Connect("y", "merge", nil).
			Join("merge", "x", "y").
			Compile()
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		inputs := g.JoinInputs("merge")
		if len(inputs) != 2 {
			t.Errorf("expected 2 join inputs, got %v", inputs)
		}
		if g.JoinInputs("x") != nil {
			t.Error("non-join node should have no join inputs")
		}
	})

	t.Run("join on unknown node", func(t *testing.T) {
		_, err := NewBuilder("wf").
			AddNode("a", noopNode()).
			StartAt("a").
			Join("ghost", "a").
			Compile()
		if err == nil || !strings.Contains(err.Error(), "join on unknown node") {
			t.Errorf("expected unknown-join error, got %v", err)
		}
	})

	t.Run("join upstream without feeding edge", func(t *testing.T) {
		_, err := NewBuilder("wf").
			AddNode("a", noopNode()).
			AddNode("b", noopNode()).
			AddNode("merge", noopNode()).
			StartAt("a").
			Connect("a", "b", nil).
			Connect("a", "merge", nil).
			Join("merge", "a", "b").
			Compile()
		if err == nil || !strings.Contains(err.Error(), "no edge") {
			t.Errorf("expected missing-feed error, got %v", err)
		}
	})
}

func TestBuilder_FanOutCycles(t *testing.T) {
	t.Run("join-less cycle behind a fan-out is rejected", func(t *testing.T) {
		_, err := NewBuilder("wf").
			AddNode("start", noopNode()).
			AddNode("a", noopNode()).
			AddNode("b", noopNode()).
			StartAt("start").
			EdgeModeFor("start", Parallel).
			Connect("start", "a", nil).
			Connect("start", "b", nil).
			Connect("a", "start", nil).
			Connect("b", "start", nil).
			Compile()
		if err == nil || !strings.Contains(err.Error(), "no join") {
			t.Errorf("expected fan-out cycle error, got %v", err)
		}
	})

	t.Run("cycle broken by a join is accepted", func(t *testing.T) {
		_, err := NewBuilder("wf").
			AddNode("start", noopNode()).
			AddNode("a", noopNode()).
			AddNode("b", noopNode()).
			AddNode("merge", noopNode()).
			StartAt("start").
			EdgeModeFor("start", Parallel).
			Connect("start", "a", nil).
			Connect("start", "b", nil).
			Connect("a", "merge", nil).
			Connect("b", "merge", nil).
			Connect("merge", "start", nil).
			Join("merge", "a", "b").
			Compile()
		if err != nil {
			t.Errorf("expected join-anchored cycle to compile, got %v", err)
		}
	})

	t.Run("exclusive loop stays legal", func(t *testing.T) {
		_, err := NewBuilder("wf").
			AddNode("plan", noopNode()).
			AddNode("critic", noopNode()).
			StartAt("plan").
			Connect("plan", "critic", nil).
			Connect("critic", "plan", nil).
			Compile()
		if err != nil {
			t.Errorf("expected exclusive loop to compile, got %v", err)
		}
	})
}

func TestEdgeSet_Resolve(t *testing.T) {
	yes := func(*state.RunState) bool { return true }
	no := func(*state.RunState) bool { return false }
	snap := state.New("s")

	t.Run("exclusive first match wins", func(t *testing.T) {
		es := &EdgeSet{Edges: []Edge{{To: "a", When: no}, {To: "b", When: yes}, {To: "c", When: yes}}}
		hops, ok := es.resolve(snap)
		if !ok || len(hops) != 1 || hops[0].to != "b" || hops[0].edgeIndex != 1 {
			t.Errorf("expected single hop to b at index 1, got %v ok=%v", hops, ok)
		}
	})

	t.Run("exclusive falls back to default", func(t *testing.T) {
		es := &EdgeSet{Edges: []Edge{{To: "a", When: no}}, Default: "fallback"}
		hops, ok := es.resolve(snap)
		if !ok || len(hops) != 1 || hops[0].to != "fallback" {
			t.Errorf("expected default hop, got %v ok=%v", hops, ok)
		}
	})

	t.Run("exclusive with no match and no default fails", func(t *testing.T) {
		es := &EdgeSet{Edges: []Edge{{To: "a", When: no}}}
		if _, ok := es.resolve(snap); ok {
			t.Error("expected resolution failure")
		}
	})

	t.Run("parallel activates every match", func(t *testing.T) {
		es := &EdgeSet{Mode: Parallel, Edges: []Edge{{To: "a", When: yes}, {To: "b", When: no}, {To: "c"}}}
		hops, ok := es.resolve(snap)
		if !ok || len(hops) != 2 {
			t.Fatalf("expected 2 hops, got %v ok=%v", hops, ok)
		}
		if hops[0].to != "a" || hops[1].to != "c" {
			t.Errorf("expected hops a and c, got %v", hops)
		}
	})

	t.Run("parallel with no match uses default", func(t *testing.T) {
		es := &EdgeSet{Mode: Parallel, Edges: []Edge{{To: "a", When: no}}, Default: "fallback"}
		hops, ok := es.resolve(snap)
		if !ok || len(hops) != 1 || hops[0].to != "fallback" {
			t.Errorf("expected default hop, got %v ok=%v", hops, ok)
		}
	})

	t.Run("nil edge set never resolves", func(t *testing.T) {
		var es *EdgeSet
		if _, ok := es.resolve(snap); ok {
			t.Error("expected nil edge set to fail resolution")
		}
	})
}
