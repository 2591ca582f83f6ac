package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/opsignal/correlate/internal/config"
)

const summarySystemPrompt = `You are an SRE assistant. Given a root-cause reasoning trail from an
alert correlation engine, write an incident title and summary for on-call
responders. Respond with the title on the first line and a short summary
(2-3 sentences) on the following lines. No markdown, no preamble.`

// summaryMaxTokens bounds the summary response; titles plus a few sentences
// never need more.
const summaryMaxTokens = 400

// AnthropicSummarizer generates incident titles and summaries with the
// Anthropic Messages API. All derived incident fields are computed before
// this runs, so a failed call only leaves Title and Summary empty.
type AnthropicSummarizer struct {
	client anthropic.Client
	model  string
}

// NewAnthropicSummarizer constructs the summarizer. The key falls back to
// the ANTHROPIC_API_KEY environment variable inside the SDK when empty.
func NewAnthropicSummarizer(cfg config.LLMConfig) *AnthropicSummarizer {
	var client anthropic.Client
	if cfg.AnthropicKey != "" {
		client = anthropic.NewClient(option.WithAPIKey(cfg.AnthropicKey))
	} else {
		client = anthropic.NewClient()
	}
	return &AnthropicSummarizer{client: client, model: cfg.SummaryModel}
}

// Summarize produces a title and summary from the deterministic reasoning
// trail. The caller bounds ctx and discards late results.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, reasoning string) (string, string, error) {
	if strings.TrimSpace(reasoning) == "" {
		return "", "", fmt.Errorf("empty reasoning trail: %w", ErrUnavailable)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: summaryMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: summarySystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(reasoning)),
		},
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var parts []string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", "", fmt.Errorf("anthropic returned no text content")
	}

	title, summary, found := strings.Cut(text, "\n")
	if !found {
		return strings.TrimSpace(title), strings.TrimSpace(title), nil
	}
	return strings.TrimSpace(title), strings.TrimSpace(summary), nil
}
