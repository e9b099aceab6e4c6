// Package gateflowsdk is a minimal Gateflow HTTP API client.
package gateflowsdk

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

// Client talks to a Gateflow server.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task is the API task model.
type Task struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CurrentGate string `json:"current_gate,omitempty"`
	OwnerRole   string `json:"owner_role,omitempty"`
	ForkedFrom  string `json:"forked_from,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Fact is a cited summary statement.
type Fact struct {
	Text     string `json:"text"`
	Citation string `json:"citation"`
	MustKeep bool   `json:"must_keep,omitempty"`
}

// SummaryDelta carries structured summary contributions on a transition.
type SummaryDelta struct {
	Context   string           `json:"context,omitempty"`
	Facts     []Fact           `json:"facts,omitempty"`
	Decisions []map[string]any `json:"decisions,omitempty"`
	Risks     []map[string]any `json:"risks,omitempty"`
	Next      []map[string]any `json:"next,omitempty"`
	Done      []string         `json:"done,omitempty"`
}

// Evidence is a typed bundle attached to a transition.
type Evidence struct {
	Kinds  []string       `json:"kinds"`
	Fields map[string]any `json:"fields,omitempty"`
}

// TransitionResult is the applied-command envelope.
type TransitionResult struct {
	Task    Task             `json:"task"`
	Seq     int64            `json:"seq"`
	Summary map[string]any   `json:"summary"`
	Entry   map[string]any   `json:"entry"`
	Open    []map[string]any `json:"open_questions,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Advance applies a gate transition.
func (c *Client) Advance(ctx context.Context, taskID, targetGate, mode string, ev *Evidence, delta *SummaryDelta) (TransitionResult, error) {
	body := map[string]any{
		"target_gate": targetGate,
	}
	if mode != "" {
		body["mode"] = mode
	}
	if ev != nil {
		body["evidence"] = ev
	}
	if delta != nil {
		body["summary"] = delta
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "transition"), body, &resp)
	return resp, err
}

// Refine resubmits evidence to the task's current gate.
func (c *Client) Refine(ctx context.Context, taskID, gate string, ev *Evidence, delta *SummaryDelta) (TransitionResult, error) {
	body := map[string]any{
		"target_gate": gate,
		"refine":      true,
	}
	if ev != nil {
		body["evidence"] = ev
	}
	if delta != nil {
		body["summary"] = delta
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "transition"), body, &resp)
	return resp, err
}

// Rollback moves a task to an earlier gate, citing a risk.
func (c *Client) Rollback(ctx context.Context, taskID, targetGate, riskRef string) (TransitionResult, error) {
	body := map[string]any{
		"target_gate": targetGate,
		"rollback":    true,
		"risk_ref":    riskRef,
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "transition"), body, &resp)
	return resp, err
}

// Branch forks a child task from the parent's current gate.
func (c *Client) Branch(ctx context.Context, taskID, childID, targetGate string, ev *Evidence) (TransitionResult, error) {
	body := map[string]any{
		"child_id":    childID,
		"target_gate": targetGate,
	}
	if ev != nil {
		body["evidence"] = ev
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "branch"), body, &resp)
	return resp, err
}

// Abandon terminally closes a task.
func (c *Client) Abandon(ctx context.Context, taskID, reason string) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "abandon"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Record fetches the task record: header, summary, questions, live log.
func (c *Client) Record(ctx context.Context, taskID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// Log fetches an activity range. Zero bounds mean the whole live log.
func (c *Client) Log(ctx context.Context, taskID string, from, to int64) ([]map[string]any, error) {
	endpoint := c.taskPath(taskID, "log")
	if from > 0 || to > 0 {
		endpoint = fmt.Sprintf("%s?from=%d&to=%d", endpoint, from, to)
	}
	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Entries, err
}

// Summary fetches the rolling summary.
func (c *Client) Summary(ctx context.Context, taskID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "summary"), nil, &resp)
	return resp, err
}

// RaiseQuestion opens a question on a task.
func (c *Client) RaiseQuestion(ctx context.Context, taskID, text, owner string) (map[string]any, error) {
	body := map[string]any{"text": text}
	if owner != "" {
		body["owner"] = owner
	}
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "questions"), body, &resp)
	return resp, err
}

// ResolveQuestion closes an open question.
func (c *Client) ResolveQuestion(ctx context.Context, taskID, questionID, note string) (map[string]any, error) {
	endpoint := c.taskPath(taskID, "questions") + "/" + url.PathEscape(questionID) + "/resolve"
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"note": note}, &resp)
	return resp, err
}

// Compact archives the cold log prefix. mustKeep names summary items the
// server must verify before archiving.
func (c *Client) Compact(ctx context.Context, taskID, rationale string, force bool, mustKeep []string) (map[string]any, error) {
	body := map[string]any{"rationale": rationale, "force": force}
	if len(mustKeep) > 0 {
		body["must_keep"] = mustKeep
	}
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "compact"), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskPath(taskID, p string) string {
	return fmt.Sprintf("v0/tasks/%s/%s", url.PathEscape(taskID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
