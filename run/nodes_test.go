package run

import (
	"context"
	"errors"
	"testing"

	"github.com/skeinworks/skein/run/state"
)

func TestHumanNode(t *testing.T) {
	n := HumanNode(func(s *state.RunState) map[string]any {
		return map[string]any{"question": "ok?", "turns": len(s.Messages)}
	})
	snap := state.New("s")
	snap.Messages = append(snap.Messages, state.Message{Role: "user", Content: "hi"})

	res := n.Run(context.Background(), snap, &RunContext{})
	if !res.Route.Await {
		t.Fatal("expected await route")
	}
	if res.Route.Prompt["question"] != "ok?" || res.Route.Prompt["turns"] != 1 {
		t.Errorf("prompt not rendered from snapshot: %v", res.Route.Prompt)
	}

	t.Run("nil prompt function", func(t *testing.T) {
		res := HumanNode(nil).Run(context.Background(), snap, &RunContext{})
		if !res.Route.Await || res.Route.Prompt != nil {
			t.Errorf("expected bare await, got %+v", res.Route)
		}
	})
}

func TestToolNode_NoRegistry(t *testing.T) {
	n := ToolNode("search", nil)
	res := n.Run(context.Background(), state.New("s"), &RunContext{})
	if res.Err == nil {
		t.Fatal("expected failure without a registry")
	}
	if CodeOf(res.Err) != CodeToolFailure {
		t.Errorf("expected TOOL_FAILURE, got %v", res.Err)
	}
}

func TestCriticNode(t *testing.T) {
	t.Run("verdict shapes the result", func(t *testing.T) {
		n := CriticNode(func(s *state.RunState) (Verdict, error) {
			return Verdict{
				Delta: state.Update{Blackboard: map[string]any{"score": 0.9}},
				Route: Goto("publish"),
			}, nil
		})
		res := n.Run(context.Background(), state.New("s"), &RunContext{})
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Route.To != "publish" {
			t.Errorf("expected route to publish, got %+v", res.Route)
		}
		if res.Delta.Blackboard["score"] != 0.9 {
			t.Errorf("expected delta preserved, got %v", res.Delta)
		}
	})

	t.Run("assessment error fails the node", func(t *testing.T) {
		boom := errors.New("cannot assess")
		n := CriticNode(func(*state.RunState) (Verdict, error) { return Verdict{}, boom })
		res := n.Run(context.Background(), state.New("s"), &RunContext{})
		if !errors.Is(res.Err, boom) {
			t.Errorf("expected assessment error, got %v", res.Err)
		}
	})
}

func TestNextHelpers(t *testing.T) {
	if !Stop().Terminal {
		t.Error("Stop should be terminal")
	}
	if Goto("x").To != "x" {
		t.Error("Goto should set To")
	}
	if got := FanOut("a", "b").Many; len(got) != 2 {
		t.Errorf("FanOut should set Many, got %v", got)
	}
	aw := Await(map[string]any{"q": "?"})
	if !aw.Await || aw.Prompt["q"] != "?" {
		t.Error("Await should set the flag and prompt")
	}
	if f := Follow(); f.To != "" || f.Terminal || f.Await || len(f.Many) != 0 {
		t.Error("Follow should be the zero decision")
	}
}
