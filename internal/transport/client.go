package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the agent-side HTTP client for the ingestion surface
// (spec.md §6.1, base path /api/v1/pipe/…).
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient returns a Client with a sane default timeout.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
	case StatusSessionObsolete:
		return ErrSessionObsolete
	case http.StatusNotFound:
		return ErrSessionAlreadyClosed
	default:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("transport: %s %s: unexpected status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// CreateSession creates a new session and returns the server's decision.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error) {
	var resp CreateSessionResponse
	err := c.do(ctx, http.MethodPost, "/session/", req, &resp)
	return resp, err
}

// Heartbeat reports agent status and pulls any pending commands.
func (c *Client) Heartbeat(ctx context.Context, sessionID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/heartbeat", req, &resp)
	return resp, err
}

// CloseSession deletes a session; ErrSessionAlreadyClosed is not an error.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodDelete, "/session/"+sessionID, nil, nil)
	if err == ErrSessionAlreadyClosed {
		return nil
	}
	return err
}

// SendEvents posts one batch of events.
func (c *Client) SendEvents(ctx context.Context, sessionID string, req EventBatchRequest) (EventBatchResponse, error) {
	var resp EventBatchResponse
	err := c.do(ctx, http.MethodPost, "/"+sessionID+"/events", req, &resp)
	return resp, err
}

// AuditStart signals the beginning of an audit cycle.
func (c *Client) AuditStart(ctx context.Context, sessionID, viewID string) error {
	return c.do(ctx, http.MethodPost, "/consistency/audit/start", AuditBoundaryRequest{SessionID: sessionID, ViewID: viewID}, nil)
}

// AuditEnd signals the end of an audit cycle.
func (c *Client) AuditEnd(ctx context.Context, sessionID, viewID string) error {
	return c.do(ctx, http.MethodPost, "/consistency/audit/end", AuditBoundaryRequest{SessionID: sessionID, ViewID: viewID}, nil)
}

// SentinelTasks pulls suspect paths to re-stat.
func (c *Client) SentinelTasks(ctx context.Context) ([]SentinelTask, error) {
	var resp []SentinelTask
	err := c.do(ctx, http.MethodGet, "/consistency/sentinel/tasks", nil, &resp)
	return resp, err
}

// SentinelFeedback reports re-stat results.
func (c *Client) SentinelFeedback(ctx context.Context, req SentinelFeedbackRequest) error {
	return c.do(ctx, http.MethodPost, "/consistency/sentinel/feedback", req, nil)
}
