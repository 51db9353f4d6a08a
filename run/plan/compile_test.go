package plan

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinworks/skein/run"
	"github.com/skeinworks/skein/run/state"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat := NewCatalog()
	require.NoError(t, cat.RegisterKind("say", func(config map[string]any) (run.Node, error) {
		text, _ := config["text"].(string)
		if text == "" {
			return nil, fmt.Errorf("say nodes need a text config")
		}
		return run.NodeFunc(func(_ context.Context, _ *state.RunState, _ *run.RunContext) run.NodeResult {
			return run.NodeResult{
				Delta: state.Update{Messages: []state.Message{{Role: "assistant", Content: text}}},
			}
		}), nil
	}))
	require.NoError(t, cat.RegisterKind("finish", func(_ map[string]any) (run.Node, error) {
		return run.NodeFunc(func(_ context.Context, _ *state.RunState, _ *run.RunContext) run.NodeResult {
			return run.NodeResult{Route: run.Stop()}
		}), nil
	}))
	require.NoError(t, cat.RegisterPredicate("always", func(*state.RunState) bool { return true }))
	return cat
}

func TestCatalog_Registration(t *testing.T) {
	cat := testCatalog(t)

	t.Run("duplicate kind rejected", func(t *testing.T) {
		err := cat.RegisterKind("say", func(map[string]any) (run.Node, error) { return nil, nil })
		require.Error(t, err)
	})

	t.Run("duplicate predicate rejected", func(t *testing.T) {
		require.Error(t, cat.RegisterPredicate("always", func(*state.RunState) bool { return false }))
	})

	t.Run("empty names rejected", func(t *testing.T) {
		require.Error(t, cat.RegisterKind("", nil))
		require.Error(t, cat.RegisterPredicate("", nil))
	})
}

func TestCompile(t *testing.T) {
	cat := testCatalog(t)

	t.Run("valid fragment compiles", func(t *testing.T) {
		f := Fragment{
			Name:  "greeting",
			Start: "hello",
			Nodes: []FragmentNode{
				{ID: "hello", Kind: "say", Config: map[string]any{"text": "hi"}},
				{ID: "end", Kind: "finish"},
			},
			Edges: []FragmentEdge{
				{From: "hello", To: "end", When: "always"},
			},
		}
		g, err := Compile(f, cat)
		require.NoError(t, err)
		require.Equal(t, "greeting", g.Name())
		require.Equal(t, "hello", g.Start())
	})

	t.Run("unknown kind", func(t *testing.T) {
		f := Fragment{
			Name:  "bad",
			Start: "a",
			Nodes: []FragmentNode{{ID: "a", Kind: "teleport"}},
		}
		_, err := Compile(f, cat)
		require.Equal(t, run.CodePlanningFailure, run.CodeOf(err))
	})

	t.Run("factory failure", func(t *testing.T) {
		f := Fragment{
			Name:  "bad",
			Start: "a",
			Nodes: []FragmentNode{{ID: "a", Kind: "say"}}, // no text config
		}
		_, err := Compile(f, cat)
		require.Equal(t, run.CodePlanningFailure, run.CodeOf(err))
	})

	t.Run("unknown predicate", func(t *testing.T) {
		f := Fragment{
			Name:  "bad",
			Start: "a",
			Nodes: []FragmentNode{
				{ID: "a", Kind: "finish"},
				{ID: "b", Kind: "finish"},
			},
			Edges: []FragmentEdge{{From: "a", To: "b", When: "never_registered"}},
		}
		_, err := Compile(f, cat)
		require.Equal(t, run.CodePlanningFailure, run.CodeOf(err))
	})

	t.Run("graph validation failures surface as planning failures", func(t *testing.T) {
		f := Fragment{
			Name:  "bad",
			Start: "a",
			Nodes: []FragmentNode{
				{ID: "a", Kind: "finish"},
				{ID: "orphan", Kind: "finish"},
			},
		}
		_, err := Compile(f, cat)
		require.Equal(t, run.CodePlanningFailure, run.CodeOf(err))
	})
}
