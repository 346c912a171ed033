package orchestra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous commands may run several service calls, so
// it is longer than a plain CRUD timeout.
const DefaultHTTPTimeout = 90 * time.Second

// DefaultSession is the session used when neither the call nor the client
// names one.
const DefaultSession = "default"

// Client wraps the HTTP interactions with the orchestra REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu      sync.RWMutex
	session string
}

// CommandRequest is the payload of POST /api/v1/commands.
type CommandRequest struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
	Confirm   bool   `json:"confirm,omitempty"`
	Async     bool   `json:"async,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// UndoRequest selects the action to undo. An empty ActionID undoes the most
// recent undoable action of the session.
type UndoRequest struct {
	ActionID string `json:"action_id,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Confirm  bool   `json:"confirm,omitempty"`
}

// Step is the per-step view of an executed command.
type Step struct {
	Index      int            `json:"index"`
	Service    string         `json:"service"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DependsOn  []int          `json:"depends_on,omitempty"`
	Status     string         `json:"status"`
	Summary    string         `json:"summary,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Risk       string         `json:"risk,omitempty"`
	ActionID   string         `json:"action_id,omitempty"`
	Undoable   bool           `json:"undoable,omitempty"`
	DryRun     bool           `json:"dry_run,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
}

// HistoryEntry is one processed command of a session.
type HistoryEntry struct {
	Command string    `json:"command"`
	Status  string    `json:"status,omitempty"`
	Summary string    `json:"summary,omitempty"`
	DryRun  bool      `json:"dry_run,omitempty"`
	At      time.Time `json:"at"`
}

// Outcome is the result of a command or an undo.
type Outcome struct {
	SessionID         string         `json:"session_id"`
	Command           string         `json:"command"`
	Source            string         `json:"source,omitempty"`
	Status            string         `json:"status"`
	DryRun            bool           `json:"dry_run,omitempty"`
	Message           string         `json:"message,omitempty"`
	ErrorCode         string         `json:"error_code,omitempty"`
	Suggestion        string         `json:"suggestion,omitempty"`
	NeedsConfirmation bool           `json:"needs_confirmation,omitempty"`
	Unresolved        []string       `json:"unresolved,omitempty"`
	Steps             []Step         `json:"steps,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	References        []string       `json:"references,omitempty"`
	History           []HistoryEntry `json:"history,omitempty"`
}

// Succeeded reports whether every step of the command completed.
func (o Outcome) Succeeded() bool { return o.Status == "succeeded" }

// Action is a recorded executed action.
type Action struct {
	ActionID      string         `json:"action_id"`
	Service       string         `json:"service"`
	Action        string         `json:"action"`
	Parameters    map[string]any `json:"parameters_used,omitempty"`
	ResultSummary string         `json:"result_summary,omitempty"`
	Risk          string         `json:"risk,omitempty"`
	Undoable      bool           `json:"undoable"`
	Target        string         `json:"target,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Task is an asynchronously processed command.
type Task struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"session_id"`
	Command    string   `json:"command"`
	DryRun     bool     `json:"dry_run,omitempty"`
	Confirm    bool     `json:"confirm,omitempty"`
	Status     string   `json:"status"`
	Attempts   int      `json:"attempts"`
	MaxRetries int      `json:"max_retries"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Outcome    *Outcome `json:"outcome,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// Done reports whether the task reached a terminal state.
func (t Task) Done() bool { return t.Status == "succeeded" || t.Status == "failed" }

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	SessionID string
	Statuses  []string
	Query     string
	Limit     int
	Offset    int
}

// TaskStats counts tasks per state.
type TaskStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Health is the body of GET /healthz.
type Health struct {
	Status string     `json:"status"`
	Tasks  *TaskStats `json:"tasks,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("orchestra api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("orchestra api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the orchestra API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Session returns the session sent as bearer token.
func (c *Client) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetSession sets the session used when a call does not name one. It is sent
// as the bearer token, which the server uses as session id.
func (c *Client) SetSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = strings.TrimSpace(id)
}

// Run executes a command synchronously.
func (c *Client) Run(ctx context.Context, req CommandRequest) (Outcome, error) {
	req.Async = false
	var out Outcome
	if err := c.send(ctx, http.MethodPost, "/api/v1/commands", req, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Submit queues a command and returns the created task.
func (c *Client) Submit(ctx context.Context, req CommandRequest) (Task, error) {
	req.Async = true
	var t Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/commands", req, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListTasks lists tasks matching the filter, newest first.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	q := url.Values{}
	if filter.SessionID != "" {
		q.Set("session_id", filter.SessionID)
	}
	if len(filter.Statuses) > 0 {
		q.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.Query != "" {
		q.Set("q", filter.Query)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	endpoint := "/api/v1/tasks"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var body struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.send(ctx, http.MethodGet, endpoint, nil, &body); err != nil {
		return nil, err
	}
	return body.Tasks, nil
}

// WaitTask polls a task until it is done or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Done() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// History returns the command history of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	var body struct {
		History []HistoryEntry `json:"history"`
	}
	if err := c.send(ctx, http.MethodGet, c.sessionPath(sessionID, "history"), nil, &body); err != nil {
		return nil, err
	}
	return body.History, nil
}

// Actions returns the recorded actions of a session, oldest first.
func (c *Client) Actions(ctx context.Context, sessionID string) ([]Action, error) {
	var body struct {
		Actions []Action `json:"actions"`
	}
	if err := c.send(ctx, http.MethodGet, c.sessionPath(sessionID, "actions"), nil, &body); err != nil {
		return nil, err
	}
	return body.Actions, nil
}

// Undo reverts an action of the session.
func (c *Client) Undo(ctx context.Context, sessionID string, req UndoRequest) (Outcome, error) {
	var out Outcome
	if err := c.send(ctx, http.MethodPost, c.sessionPath(sessionID, "undo"), req, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// DeleteSession drops the session and its action log.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, http.MethodDelete, c.sessionPath(sessionID, ""), nil, nil)
}

// Health queries GET /healthz.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.send(ctx, http.MethodGet, "/healthz", nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

func (c *Client) sessionPath(sessionID, suffix string) string {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		id = c.Session()
	}
	if id == "" {
		id = DefaultSession
	}
	p := "/api/v1/sessions/" + id
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, rawPath), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if session := c.Session(); session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr}); err != nil {
				_ = json.Unmarshal(data, apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
