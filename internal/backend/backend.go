// Package backend talks to third-party completion APIs.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"LocalChat/internal/config"
)

var (
	// ErrTransport wraps failures to reach the completion service at all
	ErrTransport = errors.New("could not reach completion service")

	// ErrEmptyResponse is returned when a successful response carries no text
	ErrEmptyResponse = errors.New("empty response from completion service")
)

// Turn is one role-tagged entry of the conversation sent for completion
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces the next assistant text for an ordered conversation.
type Completer interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// APIError is a non-success answer from the completion service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Message)
}

func transportError(err error) error {
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// New builds the completer selected by cfg.Backend.
func New(cfg config.Config, httpClient *http.Client) (Completer, error) {
	if httpClient == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	switch cfg.Backend {
	case config.BackendOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key not set for %s backend", cfg.Backend)
		}
		return NewOpenAI(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Referer:     cfg.Referer,
			Title:       cfg.AppTitle,
		}, httpClient), nil
	case config.BackendOllama:
		return NewOllama(cfg.BaseURL, cfg.Model, httpClient), nil
	case config.BackendAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key not set for %s backend", cfg.Backend)
		}
		return NewAnthropic(AnthropicConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}
