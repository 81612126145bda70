// Package client provides an HTTP client for the knowhow-ingest API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// ErrNoActiveRun is returned by CurrentRun when the conversation is idle.
var ErrNoActiveRun = errors.New("no active run")

// Client talks to the knowhow-ingest API as one user.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses KNOWHOW_SERVER_URL env var or defaults to localhost:8484.
// If token is empty, uses KNOWHOW_TOKEN.
// Timeout can be configured via KNOWHOW_CLIENT_TIMEOUT env var (default 30s).
func New(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("KNOWHOW_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8484"
	}
	if token == "" {
		token = os.Getenv("KNOWHOW_TOKEN")
	}

	timeout := 30 * time.Second
	if t := os.Getenv("KNOWHOW_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	RecordID   string
}

func (e *APIError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("server error: %d %s (record %s)", e.StatusCode, e.Message, e.RecordID)
	}
	return fmt.Sprintf("server error: %d %s", e.StatusCode, e.Message)
}

// do sends a JSON request and decodes a JSON response into result. It
// returns the response status.
func (c *Client) do(ctx context.Context, method, path string, body, result any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Error    string `json:"error"`
			RecordID string `json:"recordId"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.RecordID = e.RecordID
		}
		return resp.StatusCode, apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// =============================================================================
// TYPES (matching the REST API)
// =============================================================================

// IngestRequest is an episode or document to ingest.
type IngestRequest struct {
	EpisodeBody   string         `json:"episodeBody"`
	ReferenceTime string         `json:"referenceTime"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Source        string         `json:"source"`
	SpaceID       string         `json:"spaceId,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	Type          string         `json:"type,omitempty"`
	DocumentTitle string         `json:"documentTitle,omitempty"`
	DocumentID    string         `json:"documentId,omitempty"`
}

// Accepted is returned for an accepted ingestion.
type Accepted struct {
	ID       string `json:"id"`
	Token    string `json:"token,omitempty"`
	RecordID string `json:"recordId"`
}

// Record is an ingestion record.
type Record struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	ParentID    string          `json:"parentId,omitempty"`
	JobID       string          `json:"jobId,omitempty"`
	RetryCount  int             `json:"retryCount"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// RecoverySummary reports a credit recovery pass.
type RecoverySummary struct {
	Total       int      `json:"total"`
	Retriggered int      `json:"retriggered"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors"`
}

// Run is a conversation run.
type Run struct {
	ID                    string `json:"id"`
	RunID                 string `json:"runId"`
	Token                 string `json:"token,omitempty"`
	ConversationID        string `json:"conversationId"`
	ConversationHistoryID string `json:"conversationHistoryId"`
	Status                string `json:"status,omitempty"`
}

// Message is one conversation message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a conversation with its messages, oldest first.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	ActiveRunID string    `json:"activeRunId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	History     []Message `json:"-"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Tags     []string
	Kinds    []string
	Statuses []string
	Limit    int
}

// RunEvent is a status update pushed by WatchRun.
type RunEvent struct {
	Type  string      `json:"type"`
	Run   *queue.Info `json:"run,omitempty"`
	Error string      `json:"error,omitempty"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Ingest submits an episode or document.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*Accepted, error) {
	var out Accepted
	if _, err := c.do(ctx, http.MethodPost, "/v1/ingest", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecord returns an ingestion record.
func (c *Client) GetRecord(ctx context.Context, id string) (*Record, error) {
	var out Record
	if _, err := c.do(ctx, http.MethodGet, "/v1/records/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs returns the caller's jobs matching f, newest first.
func (c *Client) ListJobs(ctx context.Context, f JobFilter) ([]queue.Info, error) {
	q := url.Values{}
	if len(f.Tags) > 0 {
		q.Set("tag", strings.Join(f.Tags, ","))
	}
	if len(f.Kinds) > 0 {
		q.Set("kind", strings.Join(f.Kinds, ","))
	}
	if len(f.Statuses) > 0 {
		q.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []queue.Info
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob returns a job snapshot.
func (c *Client) GetJob(ctx context.Context, id string) (*queue.Info, error) {
	var out queue.Info
	if _, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob cancels a job and returns its snapshot afterwards.
func (c *Client) CancelJob(ctx context.Context, id string) (*queue.Info, error) {
	var out queue.Info
	if _, err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recover re-dispatches the workspace's NO_CREDITS records and waits for
// the pass to finish.
func (c *Client) Recover(ctx context.Context, workspaceID string) (*RecoverySummary, error) {
	var out RecoverySummary
	if _, err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(workspaceID)+"/recover", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecoverAsync enqueues a recovery job.
func (c *Client) RecoverAsync(ctx context.Context, workspaceID string) (*queue.Handle, error) {
	var out queue.Handle
	if _, err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+url.PathEscape(workspaceID)+"/recover?async=true", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage starts a run. An empty conversationID starts a new
// conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, message string) (*Run, error) {
	path := "/v1/conversations"
	if conversationID != "" {
		path += "/" + url.PathEscape(conversationID) + "/runs"
	}
	var out Run
	if _, err := c.do(ctx, http.MethodPost, path, map[string]string{"message": message}, &out); err != nil {
		return nil, err
	}
	out.RunID = out.ID
	return &out, nil
}

// CurrentRun returns the conversation's in-flight run or ErrNoActiveRun.
func (c *Client) CurrentRun(ctx context.Context, conversationID string) (*Run, error) {
	var out Run
	status, err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/run", nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, ErrNoActiveRun
	}
	out.ID = out.RunID
	return &out, nil
}

// GetConversation returns a conversation and its history.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var out struct {
		Conversation Conversation `json:"conversation"`
		History      []Message    `json:"history"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	out.Conversation.History = out.History
	return &out.Conversation, nil
}

// StopRun stops the conversation's run and returns the conversation status.
func (c *Client) StopRun(ctx context.Context, conversationID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/stop", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// GetStats returns the server's metrics snapshot as raw JSON.
func (c *Client) GetStats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchRun streams status updates for a job until it is terminal. A
// non-empty runToken authenticates instead of the user token. Return an
// error from onEvent to stop watching.
func (c *Client) WatchRun(ctx context.Context, id, runToken string, onEvent func(RunEvent) error) error {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/v1/runs/" + url.PathEscape(id) + "/stream")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	header := http.Header{}
	if runToken != "" {
		u.RawQuery = url.Values{"token": []string{runToken}}.Encode()
	} else if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if ev.Type == "error" {
			return fmt.Errorf("stream error: %s", ev.Error)
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
}
