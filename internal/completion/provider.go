// Package completion talks to the language model: one-shot incident
// summaries, first-person replies on the victim's behalf, the escalation
// judge, and observer Q&A.
package completion

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zulandar/whisprnet/internal/config"
)

// Request is one prompt with its decoding parameters.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Provider sends a prompt to a model and returns the completion text.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// requestTimeout bounds a single provider HTTP call.
const requestTimeout = 60 * time.Second

// NewProvider builds the provider selected in config.
func NewProvider(cfg config.CompletionConfig, httpClient *http.Client) (Provider, error) {
	switch cfg.Provider {
	case "watsonx", "":
		return NewWatsonx(WatsonxOpts{
			URL:        cfg.BaseURL,
			IAMURL:     cfg.IAMURL,
			Model:      cfg.Model,
			ProjectID:  cfg.ProjectID,
			APIKey:     cfg.APIKey,
			HTTPClient: httpClient,
		}), nil
	case "openai":
		return NewOpenAI(OpenAIOpts{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			HTTPClient: httpClient,
		}), nil
	default:
		return nil, fmt.Errorf("completion: unknown provider %q", cfg.Provider)
	}
}
