package expert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinworks/skein/run"
	"github.com/skeinworks/skein/run/state"
)

func TestFlatten(t *testing.T) {
	t.Run("system messages fold into the system prompt", func(t *testing.T) {
		system, msgs := flatten(Request{
			System: "be terse",
			History: []state.Message{
				{Role: "system", Content: "cite sources"},
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi"},
			},
			Prompt: "summarize",
		})
		require.Equal(t, "be terse\n\ncite sources", system)
		require.Len(t, msgs, 3)
		require.Equal(t, "user", msgs[0].Role)
		require.Equal(t, "summarize", msgs[2].Content)
		require.Equal(t, "user", msgs[2].Role)
	})

	t.Run("empty prompt adds no turn", func(t *testing.T) {
		_, msgs := flatten(Request{History: []state.Message{{Role: "user", Content: "q"}}})
		require.Len(t, msgs, 1)
	})
}

func TestMockAnalyst(t *testing.T) {
	t.Run("sequence with repetition", func(t *testing.T) {
		m := &MockAnalyst{Findings: []Finding{
			{Text: "first", TokensUsed: 10},
			{Text: "second", TokensUsed: 20},
		}}

		ctx := context.Background()
		f1, err := m.Analyze(ctx, Request{Prompt: "one"})
		require.NoError(t, err)
		require.Equal(t, "first", f1.Text)

		f2, err := m.Analyze(ctx, Request{Prompt: "two"})
		require.NoError(t, err)
		require.Equal(t, "second", f2.Text)

		f3, err := m.Analyze(ctx, Request{Prompt: "three"})
		require.NoError(t, err)
		require.Equal(t, "second", f3.Text, "last finding repeats once consumed")

		require.Equal(t, 3, m.CallCount())
		require.Equal(t, "two", m.Requests[1].Prompt)
	})

	t.Run("streams through OnToken", func(t *testing.T) {
		m := &MockAnalyst{Findings: []Finding{{Text: "streamed"}}}
		var got string
		_, err := m.Analyze(context.Background(), Request{OnToken: func(text string) { got += text }})
		require.NoError(t, err)
		require.Equal(t, "streamed", got)
	})

	t.Run("injected error", func(t *testing.T) {
		m := &MockAnalyst{Err: errors.New("quota exceeded")}
		_, err := m.Analyze(context.Background(), Request{})
		require.ErrorContains(t, err, "quota")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		m := &MockAnalyst{Findings: []Finding{{Text: "x"}}}
		_, err := m.Analyze(ctx, Request{})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestNode(t *testing.T) {
	t.Run("finding becomes an assistant message", func(t *testing.T) {
		m := &MockAnalyst{Findings: []Finding{{Text: "analysis result", TokensUsed: 42}}}
		n := Node(m, func(s *state.RunState) Request {
			return Request{System: "review", Prompt: "assess the draft"}
		})

		snap := state.New("s")
		snap.Messages = append(snap.Messages, state.Message{Role: "user", Content: "here is the draft"})

		res := n.Run(context.Background(), snap, &run.RunContext{})
		require.NoError(t, res.Err)
		require.Len(t, res.Delta.Messages, 1)
		require.Equal(t, "assistant", res.Delta.Messages[0].Role)
		require.Equal(t, "analysis result", res.Delta.Messages[0].Content)

		// The snapshot conversation was used as the default history.
		require.Len(t, m.Requests, 1)
		require.Len(t, m.Requests[0].History, 1)
		require.Equal(t, "here is the draft", m.Requests[0].History[0].Content)
	})

	t.Run("analyst failure fails the node", func(t *testing.T) {
		m := &MockAnalyst{Err: errors.New("provider down")}
		n := Node(m, func(*state.RunState) Request { return Request{Prompt: "q"} })

		res := n.Run(context.Background(), state.New("s"), &run.RunContext{})
		require.ErrorContains(t, res.Err, "provider down")
	})
}

func TestProviderConstructors(t *testing.T) {
	t.Run("openai requires a key", func(t *testing.T) {
		_, err := NewOpenAIAnalyst("", "")
		require.Error(t, err)
	})

	t.Run("anthropic defaults its model", func(t *testing.T) {
		a := NewAnthropicAnalyst("test-key", "")
		require.Equal(t, "anthropic", a.Name())
	})
}
