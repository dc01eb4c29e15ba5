package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tickettriage/internal/classifier"
	"tickettriage/internal/domain"
	"tickettriage/internal/httpx"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type OpenAI struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAI(s Settings) *OpenAI {
	o := &OpenAI{apiKey: s.OpenAIAPIKey, model: s.Model, baseURL: s.BaseURL, client: s.HTTPClient}
	if o.model == "" {
		o.model = defaultOpenAIModel
	}
	if o.baseURL == "" {
		o.baseURL = defaultOpenAIBaseURL
	}
	if o.client == nil {
		o.client = httpx.ExternalHTTPClient()
	}
	return o
}

func (o *OpenAI) ClassifyRaw(ctx context.Context, p classifier.Prompt) (classifier.RawOutput, error) {
	reqBody := openAIRequest{
		Model: o.model,
		Messages: []openAIMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    0.3,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return classifier.RawOutput{}, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(o.baseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return classifier.RawOutput{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return classifier.RawOutput{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifier.RawOutput{}, fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return classifier.RawOutput{}, fmt.Errorf("parsing OpenAI response (status %d): %w", resp.StatusCode, err)
	}
	if openAIResp.Error != nil {
		return classifier.RawOutput{}, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}
	if resp.StatusCode/100 != 2 {
		return classifier.RawOutput{}, fmt.Errorf("OpenAI API status %d", resp.StatusCode)
	}

	out := classifier.RawOutput{Usage: domain.LLMUsage{Provider: ProviderOpenAI, Model: o.model}}
	if openAIResp.Usage != nil {
		out.Usage.InputTokens = openAIResp.Usage.PromptTokens
		out.Usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}
	if len(openAIResp.Choices) == 0 {
		return out, fmt.Errorf("no choices in OpenAI response")
	}
	out.Text = openAIResp.Choices[0].Message.Content
	return out, nil
}
