// Package auth is the client side of the authentication service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"LocalChat/internal/session"
)

// ErrMissingFields is returned before any network call when email or
// password is blank after trimming.
var ErrMissingFields = errors.New("please fill in all fields")

// Failure is a non-success answer from the authentication service. Message
// is the server's text, shown to the user verbatim.
type Failure struct {
	Status  int
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

// Service authenticates users.
type Service interface {
	Login(ctx context.Context, email, password string) (session.Identity, error)
	Register(ctx context.Context, email, password string) error
}

// Credentials is the request body of /login and /register
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Client talks to the authentication service over HTTP JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Login verifies the credentials and returns the identity to store.
func (c *Client) Login(ctx context.Context, email, password string) (session.Identity, error) {
	creds, err := trimmed(email, password)
	if err != nil {
		return "", err
	}
	if err := c.post(ctx, "/login", creds, "Login failed."); err != nil {
		return "", err
	}
	return session.Identity(creds.Email), nil
}

// Register creates the account. It never logs the user in.
func (c *Client) Register(ctx context.Context, email, password string) error {
	creds, err := trimmed(email, password)
	if err != nil {
		return err
	}
	return c.post(ctx, "/register", creds, "Registration failed.")
}

func trimmed(email, password string) (Credentials, error) {
	creds := Credentials{Email: strings.TrimSpace(email), Password: strings.TrimSpace(password)}
	if creds.Email == "" || creds.Password == "" {
		return Credentials{}, ErrMissingFields
	}
	return creds, nil
}

func (c *Client) post(ctx context.Context, path string, creds Credentials, fallback string) error {
	jsonData, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var body struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	msg := body.Message
	if msg == "" {
		msg = body.Detail
	}
	if msg == "" {
		msg = fallback
	}
	return &Failure{Status: resp.StatusCode, Message: msg}
}
