package client

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
)

// Client provides typed access to the selfheal API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4600"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// LoginResponse is the session issued for an operator.
type LoginResponse struct {
	Operator  string `json:"operator"`
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Attempt mirrors the API's deployment attempt resource.
type Attempt struct {
	ID            string     `json:"id"`
	Target        string     `json:"target"`
	Revision      string     `json:"revision"`
	Status        string     `json:"status"`
	AttemptNumber int        `json:"attempt_number"`
	MaxRetries    int        `json:"max_retries"`
	LastError     string     `json:"last_error,omitempty"`
	ManualReview  bool       `json:"manual_review"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Target mirrors the API's target catalog resource.
type Target struct {
	Name          string `json:"name"`
	Backend       string `json:"backend"`
	ImageRepo     string `json:"image_repo,omitempty"`
	HealthURL     string `json:"health_url,omitempty"`
	HealthPath    string `json:"health_path,omitempty"`
	LastKnownGood string `json:"last_known_good,omitempty"`
}

// TriggerInput describes a deployment request. HealthTimeoutMS overrides the
// server's health confirmation window for this attempt; zero keeps the default.
type TriggerInput struct {
	Target          string `json:"target"`
	Revision        string `json:"revision"`
	MaxRetries      int    `json:"max_retries,omitempty"`
	HealthTimeoutMS int64  `json:"health_timeout_ms,omitempty"`
}

// Login exchanges operator credentials for a session token.
func (c *Client) Login(ctx context.Context, operator, password string) (LoginResponse, error) {
	var resp LoginResponse
	payload := map[string]string{"operator": operator, "password": password}
	err := c.do(ctx, http.MethodPost, "/api/auth/login", payload, "", &resp)
	return resp, err
}

// TriggerDeployment requests a new self-healing deployment attempt.
func (c *Client) TriggerDeployment(ctx context.Context, token string, input TriggerInput) (Attempt, error) {
	var attempt Attempt
	err := c.do(ctx, http.MethodPost, "/api/deployments", input, token, &attempt)
	return attempt, err
}

// GetAttempt fetches one attempt with its full history.
func (c *Client) GetAttempt(ctx context.Context, token, attemptID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(attemptID), nil, token, &raw)
	return raw, err
}

// GetAttemptSummary fetches one attempt's top-level fields.
func (c *Client) GetAttemptSummary(ctx context.Context, token, attemptID string) (Attempt, error) {
	var attempt Attempt
	err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(attemptID), nil, token, &attempt)
	return attempt, err
}

// ListAttempts returns recent attempts, optionally filtered by target.
func (c *Client) ListAttempts(ctx context.Context, token, target string, limit int) ([]Attempt, error) {
	path := "/api/deployments"
	query := url.Values{}
	if target != "" {
		query.Set("target", target)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var attempts []Attempt
	err := c.do(ctx, http.MethodGet, path, nil, token, &attempts)
	return attempts, err
}

// CancelAttempt asks the orchestrator to stop a running attempt.
func (c *Client) CancelAttempt(ctx context.Context, token, attemptID string) error {
	return c.do(ctx, http.MethodDelete, "/api/deployments/"+url.PathEscape(attemptID), nil, token, nil)
}

// GetJournal returns the attempt's append-only audit records.
func (c *Client) GetJournal(ctx context.Context, token, attemptID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(attemptID)+"/journal", nil, token, &raw)
	return raw, err
}

// ListTargets returns the target catalog.
func (c *Client) ListTargets(ctx context.Context, token string) ([]Target, error) {
	var targets []Target
	err := c.do(ctx, http.MethodGet, "/api/targets", nil, token, &targets)
	return targets, err
}

// UpsertTarget creates or updates a catalog entry.
func (c *Client) UpsertTarget(ctx context.Context, token string, target Target) (Target, error) {
	var saved Target
	err := c.do(ctx, http.MethodPost, "/api/targets", target, token, &saved)
	return saved, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
