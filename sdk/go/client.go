package workbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Workbridge HTTP API client for agents.
type Client struct {
	BaseURL string
	// AgentID is sent as X-Agent-Id when no BearerToken is set. The server
	// must run with --allow-agent-header for this to be accepted.
	AgentID      string
	AgentType    string
	Capabilities []string
	BearerToken  string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// Result is the state of a work item after a mutating call.
type Result struct {
	WorkID     string  `json:"work_id"`
	DisplayID  int64   `json:"display_id,omitempty"`
	Action     string  `json:"action"`
	Status     string  `json:"status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	EventID    string  `json:"event_id"`
	Version    string  `json:"version"`
	Idempotent bool    `json:"idempotent_return"`
}

// Claim is a reservation returned by ClaimNext.
type Claim struct {
	WorkID       string `json:"work_id"`
	DisplayID    int64  `json:"display_id"`
	Title        string `json:"title"`
	AgentID      string `json:"agent_id"`
	Status       string `json:"status"`
	ClaimEventID string `json:"claim_event_id"`
	Version      string `json:"version"`
	SkillScore   int    `json:"skill_match_score"`
	Attempts     int    `json:"attempts"`
	Idempotent   bool   `json:"idempotent_return"`
}

// WorkItem represents the projected work item (partial).
type WorkItem struct {
	WorkID        string  `json:"work_id"`
	DisplayID     int64   `json:"display_id"`
	Title         string  `json:"title"`
	Type          string  `json:"type"`
	Severity      string  `json:"severity"`
	Description   string  `json:"description,omitempty"`
	Status        string  `json:"status"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	Points        *int    `json:"points,omitempty"`
	PriorityScore int     `json:"priority_score"`
	LastEventID   string  `json:"last_event_id"`
}

// ErrorOutcome is the retry decision for a reported failure.
type ErrorOutcome struct {
	WorkID             string `json:"work_id"`
	EventID            string `json:"event_id"`
	RetryCount         int    `json:"retry_count"`
	ShouldRetry        bool   `json:"should_retry"`
	MaxRetriesExceeded bool   `json:"max_retries_exceeded"`
	RetryAfter         int    `json:"retry_after_seconds,omitempty"`
	Blocked            bool   `json:"blocked"`
	Version            string `json:"version"`
	Idempotent         bool   `json:"idempotent_return"`
}

// Event represents a log entry.
type Event struct {
	Seq        int64          `json:"seq"`
	EventID    string         `json:"event_id"`
	Action     string         `json:"action"`
	OccurredAt string         `json:"occurred_at"`
	ActorID    string         `json:"actor_id"`
	EntityID   string         `json:"entity_id"`
	Attributes map[string]any `json:"attributes"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ConsistentView is an item merged with events not yet projected.
type ConsistentView struct {
	EntityID          string    `json:"entity_id"`
	ConsistencyStatus string    `json:"consistency_status"`
	ProjectedVersion  string    `json:"projected_version,omitempty"`
	Item              *WorkItem `json:"item,omitempty"`
	PendingEvents     []Event   `json:"pending_events,omitempty"`
}

// LagStats reports projection lag.
type LagStats struct {
	CursorSeq     int64   `json:"cursor_seq"`
	HeadSeq       int64   `json:"head_seq"`
	CursorPending int64   `json:"cursor_pending"`
	PendingCount  int     `json:"pending_count"`
	MaxAgeSeconds float64 `json:"max_age_seconds"`
	AvgAgeSeconds float64 `json:"avg_age_seconds"`
}

// APIError wraps non-2xx responses. Code carries the error taxonomy code
// (conflict, invalid_transition, no_work_available...) when the body is the
// standard error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the taxonomy code of err, or "" when err is not an API error.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsConflict reports a stale expected version.
func IsConflict(err error) bool { return ErrorCode(err) == "conflict" }

// IsNoWork reports that ClaimNext found nothing eligible.
func IsNoWork(err error) bool { return ErrorCode(err) == "no_work_available" }

// CreateWork creates a work item. Retrying with the same key returns the
// same item.
func (c *Client) CreateWork(ctx context.Context, key, title, workType, severity, description string) (Result, error) {
	body := map[string]any{
		"title":       title,
		"type":        workType,
		"severity":    severity,
		"description": description,
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, "v0/work", key, body, &resp)
	return resp, err
}

// ClaimNext claims the best eligible item for the client's agent.
func (c *Client) ClaimNext(ctx context.Context, key string) (Claim, error) {
	body := map[string]any{}
	if c.AgentType != "" {
		body["agent_type"] = c.AgentType
	}
	if len(c.Capabilities) > 0 {
		body["capabilities"] = c.Capabilities
	}
	var resp Claim
	err := c.do(ctx, http.MethodPost, "v0/claims", key, body, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, key, workID, assigneeID, expectedVersion string) (Result, error) {
	return c.workAction(ctx, key, workID, "assign", map[string]any{
		"assignee_id":      assigneeID,
		"expected_version": expectedVersion,
	})
}

func (c *Client) Transition(ctx context.Context, key, workID, status, expectedVersion, reason string) (Result, error) {
	return c.workAction(ctx, key, workID, "transition", map[string]any{
		"status":           status,
		"expected_version": expectedVersion,
		"reason":           reason,
	})
}

func (c *Client) Estimate(ctx context.Context, key, workID string, points int, expectedVersion string) (Result, error) {
	return c.workAction(ctx, key, workID, "estimate", map[string]any{
		"points":           points,
		"expected_version": expectedVersion,
	})
}

// AddDependency records that workID depends on dependsOnID. An empty
// depType means "blocks".
func (c *Client) AddDependency(ctx context.Context, key, workID, dependsOnID, depType, expectedVersion string) (Result, error) {
	body := map[string]any{
		"depends_on_id":    dependsOnID,
		"expected_version": expectedVersion,
	}
	if depType != "" {
		body["dependency_type"] = depType
	}
	return c.workAction(ctx, key, workID, "dependencies", body)
}

func (c *Client) Complete(ctx context.Context, key, workID, expectedVersion string) (Result, error) {
	return c.workAction(ctx, key, workID, "complete", map[string]any{
		"expected_version": expectedVersion,
	})
}

func (c *Client) Release(ctx context.Context, key, workID, expectedVersion, reason string) (Result, error) {
	return c.workAction(ctx, key, workID, "release", map[string]any{
		"expected_version": expectedVersion,
		"reason":           reason,
	})
}

// ReportError records a failure and returns the retry decision.
func (c *Client) ReportError(ctx context.Context, key, workID, errorType, message string, willRetry bool) (ErrorOutcome, error) {
	body := map[string]any{
		"error_type": errorType,
		"message":    message,
		"will_retry": willRetry,
	}
	var resp ErrorOutcome
	err := c.do(ctx, http.MethodPost, workPath(workID, "errors"), key, body, &resp)
	return resp, err
}

// GetWork returns the projected item.
func (c *Client) GetWork(ctx context.Context, workID string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, workPath(workID, ""), "", nil, &resp)
	return resp, err
}

// ListWork lists projected items. Empty filters are ignored.
func (c *Client) ListWork(ctx context.Context, status, assignee string, limit int) ([]WorkItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if assignee != "" {
		q.Set("assignee", assignee)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/work"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp, err
}

// GetConsistent returns the item merged with events not yet projected.
func (c *Client) GetConsistent(ctx context.Context, entityID string) (ConsistentView, error) {
	var resp ConsistentView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/entities/%s/consistent", url.PathEscape(entityID)), "", nil, &resp)
	return resp, err
}

func (c *Client) Lag(ctx context.Context) (LagStats, error) {
	var resp LagStats
	err := c.do(ctx, http.MethodGet, "v0/projector/lag", "", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp, err
}

func (c *Client) workAction(ctx context.Context, key, workID, action string, body map[string]any) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, workPath(workID, action), key, body, &resp)
	return resp, err
}

func workPath(workID, action string) string {
	p := "v0/work/" + url.PathEscape(workID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint, key string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
		if c.AgentType != "" {
			req.Header.Set("X-Agent-Type", c.AgentType)
		}
		if len(c.Capabilities) > 0 {
			req.Header.Set("X-Agent-Capabilities", strings.Join(c.Capabilities, ","))
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
