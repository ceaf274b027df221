package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OpenAI implements Provider against any OpenAI-compatible chat
// completions endpoint, such as OpenRouter.
type OpenAI struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// OpenAIOpts holds parameters for creating an OpenAI provider.
type OpenAIOpts struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(opts OpenAIOpts) *OpenAI {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &OpenAI{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		model:   opts.Model,
		apiKey:  opts.APIKey,
		client:  client,
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	MaxTokens   int             `json:"max_tokens"`
}

// Complete sends one user-role prompt.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(openAIRequest{
		Model:       o.model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("completion: marshal request: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.apiKey)
	return postChat(ctx, o.client, o.baseURL+"/chat/completions", payload, header)
}
