package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultOpenAIBaseURL points at OpenRouter's OpenAI-compatible API
const DefaultOpenAIBaseURL = "https://openrouter.ai/api/v1"

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model       string   `json:"model"`
	Messages    []Turn   `json:"messages"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// OpenAIConfig configures an OpenAI-compatible chat completions client
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	Referer     string // sent as HTTP-Referer, used by OpenRouter for attribution
	Title       string // sent as X-Title
}

// OpenAI calls /chat/completions on an OpenAI-compatible endpoint.
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI-compatible client
func NewOpenAI(cfg OpenAIConfig, httpClient *http.Client) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAI{cfg: cfg, httpClient: httpClient}
}

// Complete sends the conversation and returns the first choice's content.
func (c *OpenAI) Complete(ctx context.Context, turns []Turn) (string, error) {
	reqBody := OpenAIRequest{
		Model:       c.cfg.Model,
		Messages:    turns,
		Temperature: c.cfg.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("content-type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Message:    gjson.GetBytes(body, "error.message").String(),
		}
	}

	content := gjson.GetBytes(body, "choices.0.message.content").String()
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
