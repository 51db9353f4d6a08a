package expert

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAnalyst answers analysis requests through Anthropic's Messages
// API. Safe for concurrent use; the SDK client handles its own pooling.
type AnthropicAnalyst struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicAnalyst creates an analyst backed by a Claude model. An
// empty model selects claude-3-5-sonnet-20241022.
func NewAnthropicAnalyst(apiKey, model string) *AnthropicAnalyst {
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicAnalyst{
		client:    &client,
		model:     model,
		maxTokens: 4096,
	}
}

// Name implements Analyst.
func (a *AnthropicAnalyst) Name() string { return "anthropic" }

// Analyze implements Analyst. Anthropic takes the system prompt as a
// separate parameter, so system turns are extracted from the history.
func (a *AnthropicAnalyst) Analyze(ctx context.Context, req Request) (Finding, error) {
	system, turns := flatten(req)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Finding{}, fmt.Errorf("anthropic analyze: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if req.OnToken != nil && text != "" {
		req.OnToken(text)
	}
	return Finding{
		Text:       text,
		TokensUsed: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}
