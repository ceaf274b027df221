package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Watsonx implements Provider against the watsonx.ai text chat endpoint.
type Watsonx struct {
	url       string
	model     string
	projectID string
	client    *http.Client
}

// WatsonxOpts holds parameters for creating a Watsonx provider.
type WatsonxOpts struct {
	URL        string
	IAMURL     string
	Model      string
	ProjectID  string
	APIKey     string
	HTTPClient *http.Client // base client for both IAM and chat calls
}

// NewWatsonx creates a Watsonx provider. IAM tokens are fetched lazily and
// reused until shortly before they expire.
func NewWatsonx(opts WatsonxOpts) *Watsonx {
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: requestTimeout}
	}
	src := oauth2.ReuseTokenSource(nil, &iamTokenSource{
		url:    opts.IAMURL,
		apiKey: opts.APIKey,
		client: base,
	})
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, src)
	client.Timeout = base.Timeout
	return &Watsonx{
		url:       opts.URL,
		model:     opts.Model,
		projectID: opts.ProjectID,
		client:    client,
	}
}

type watsonxMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type watsonxParams struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type watsonxRequest struct {
	ModelID    string           `json:"model_id"`
	ProjectID  string           `json:"project_id"`
	Messages   []watsonxMessage `json:"messages"`
	Parameters watsonxParams    `json:"parameters"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one user-role prompt.
func (w *Watsonx) Complete(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(watsonxRequest{
		ModelID:   w.model,
		ProjectID: w.projectID,
		Messages:  []watsonxMessage{{Role: "user", Content: req.Prompt}},
		Parameters: watsonxParams{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
		},
	})
	if err != nil {
		return "", fmt.Errorf("completion: marshal request: %w", err)
	}
	return postChat(ctx, w.client, w.url, payload, nil)
}

// postChat posts a chat request and returns the first choice's content.
func postChat(ctx context.Context, client *http.Client, endpoint string, payload []byte, header http.Header) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("completion: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		httpReq.Header[k] = v
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion: chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("completion: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion: chat request: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("completion: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// iamTokenSource exchanges an IBM Cloud API key for a bearer token.
type iamTokenSource struct {
	url    string
	apiKey string
	client *http.Client
}

type iamResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *iamTokenSource) Token() (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", s.apiKey)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("completion: iam request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion: iam token: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion: iam token: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed iamResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("completion: parse iam token: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("completion: iam token: empty access token")
	}
	tok := &oauth2.Token{AccessToken: parsed.AccessToken, TokenType: "Bearer"}
	if parsed.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
