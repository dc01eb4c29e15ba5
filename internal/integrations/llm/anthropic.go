package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"tickettriage/internal/classifier"
	"tickettriage/internal/domain"
)

type Anthropic struct {
	client anthropic.Client
	model  string
}

func NewAnthropic(s Settings) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(s.AnthropicAPIKey),
		// Deadline comes from the caller's context.
		option.WithMaxRetries(1),
	}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	if s.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(s.HTTPClient))
	}
	model := s.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}
}

func (a *Anthropic) ClassifyRaw(ctx context.Context, p classifier.Prompt) (classifier.RawOutput, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxOutputTokens,
		System: []anthropic.TextBlockParam{
			{Text: p.System, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	})
	if err != nil {
		return classifier.RawOutput{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	out := classifier.RawOutput{Usage: domain.LLMUsage{
		Provider:     ProviderAnthropic,
		Model:        a.model,
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}}
	for _, block := range message.Content {
		if block.Type == "text" {
			out.Text = block.Text
			return out, nil
		}
	}
	return out, fmt.Errorf("no text content in Anthropic response")
}
