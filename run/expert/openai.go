package expert

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIAnalyst answers analysis requests through OpenAI's chat
// completions API.
type OpenAIAnalyst struct {
	client *openai.Client
	model  string
}

// NewOpenAIAnalyst creates an analyst backed by a GPT model. An empty
// model selects gpt-4o.
func NewOpenAIAnalyst(apiKey, model string) (*OpenAIAnalyst, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	if model == "" {
		model = "gpt-4o"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIAnalyst{client: &client, model: model}, nil
}

// Name implements Analyst.
func (a *OpenAIAnalyst) Name() string { return "openai" }

// Analyze implements Analyst.
func (a *OpenAIAnalyst) Analyze(ctx context.Context, req Request) (Finding, error) {
	if err := ctx.Err(); err != nil {
		return Finding{}, err
	}

	system, turns := flatten(req)
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, t := range turns {
		if t.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(t.Content))
		} else {
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}

	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: messages,
	})
	if err != nil {
		return Finding{}, fmt.Errorf("openai analyze: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Finding{}, errors.New("openai analyze: empty response")
	}

	text := completion.Choices[0].Message.Content
	if req.OnToken != nil && text != "" {
		req.OnToken(text)
	}
	return Finding{
		Text:       text,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}
