package expert

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleAnalyst answers analysis requests through Google's Gemini API.
// Close must be called to release the underlying client.
type GoogleAnalyst struct {
	client *genai.Client
	model  string
}

// NewGoogleAnalyst creates an analyst backed by a Gemini model. An empty
// model selects gemini-1.5-flash.
func NewGoogleAnalyst(ctx context.Context, apiKey, model string) (*GoogleAnalyst, error) {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}
	return &GoogleAnalyst{client: client, model: model}, nil
}

// Close releases the underlying Gemini client.
func (a *GoogleAnalyst) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Name implements Analyst.
func (a *GoogleAnalyst) Name() string { return "google" }

// Analyze implements Analyst. Gemini takes a single prompt, so system,
// history, and prompt are rendered into one text block.
func (a *GoogleAnalyst) Analyze(ctx context.Context, req Request) (Finding, error) {
	model := a.client.GenerativeModel(a.model)
	system, turns := flatten(req)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}

	resp, err := model.GenerateContent(ctx, genai.Text(sb.String()))
	if err != nil {
		return Finding{}, fmt.Errorf("google analyze: %w", err)
	}

	var text string
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if req.OnToken != nil && text != "" {
		req.OnToken(text)
	}
	return Finding{Text: text, TokensUsed: tokens}, nil
}
