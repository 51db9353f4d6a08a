// Package expert integrates external analyst models into workflow nodes.
//
// An Analyst answers one analysis request against the run's conversation
// history. Adapters are provided for Anthropic, OpenAI, and Google
// Gemini, plus a mock for tests. Expert nodes stream incremental output
// through the request's token callback when the caller wires one.
package expert

import (
	"context"

	"github.com/skeinworks/skein/run/state"
)

// Request is one analysis request.
type Request struct {
	// System sets the analyst's instructions.
	System string

	// History is the conversation so far, oldest first.
	History []state.Message

	// Prompt is the question for this invocation, appended after History.
	Prompt string

	// OnToken, when non-nil, receives incremental output fragments as
	// they arrive. Adapters that cannot stream call it once with the
	// full text.
	OnToken func(text string)
}

// Finding is an analyst's answer.
type Finding struct {
	// Text is the analyst's full response.
	Text string

	// TokensUsed counts input plus output tokens, when the provider
	// reports usage.
	TokensUsed int
}

// Analyst produces findings for analysis requests.
type Analyst interface {
	// Name identifies the provider ("anthropic", "openai", "google",
	// "mock").
	Name() string

	// Analyze answers one request. Implementations must respect context
	// cancellation.
	Analyze(ctx context.Context, req Request) (Finding, error)
}

// flatten renders a request into (system, ordered user/assistant turns)
// for providers that take a separate system parameter.
func flatten(req Request) (string, []state.Message) {
	msgs := make([]state.Message, 0, len(req.History)+1)
	system := req.System
	for _, m := range req.History {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, m)
	}
	if req.Prompt != "" {
		msgs = append(msgs, state.Message{Role: "user", Content: req.Prompt})
	}
	return system, msgs
}
