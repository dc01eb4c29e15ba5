// Package llm holds the model providers behind classifier.RawClassifier.
package llm

import (
	"fmt"
	"net/http"
	"strings"

	"tickettriage/internal/classifier"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultOpenAIModel    = "gpt-4o-mini"

	maxOutputTokens = 1024
)

type Settings struct {
	Provider        string
	Model           string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	// BaseURL overrides the provider endpoint; tests point it at httptest.
	BaseURL    string
	HTTPClient *http.Client
}

// New returns the raw classifier for the configured provider.
func New(s Settings) (classifier.RawClassifier, error) {
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "", ProviderAnthropic:
		if s.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropic(s), nil
	case ProviderOpenAI:
		if s.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAI(s), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
}
