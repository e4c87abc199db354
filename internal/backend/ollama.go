package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultOllamaBaseURL is the local Ollama daemon
const DefaultOllamaBaseURL = "http://localhost:11434"

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
	Stream   bool   `json:"stream"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   Turn   `json:"message"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// Ollama calls a local Ollama /api/chat endpoint.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates an Ollama client
func NewOllama(baseURL, model string, httpClient *http.Client) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}
}

// Complete sends the conversation without streaming
func (c *Ollama) Complete(ctx context.Context, turns []Turn) (string, error) {
	jsonData, err := json.Marshal(OllamaRequest{
		Model:    c.model,
		Messages: turns,
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(err)
	}

	var apiResp OllamaResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(body, &apiResp)
		return "", &APIError{StatusCode: resp.StatusCode, Message: apiResp.Error}
	}

	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if apiResp.Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return apiResp.Message.Content, nil
}
