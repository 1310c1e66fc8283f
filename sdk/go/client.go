package formlinesdk

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

// Client is a minimal Formline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API formation case model.
type Case struct {
	ID           string `json:"id"`
	BusinessName string `json:"business_name"`
	Jurisdiction string `json:"jurisdiction"`
	CurrentStage string `json:"current_stage,omitempty"`
	Status       string `json:"status"`
	Priority     int    `json:"priority"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID       string  `json:"id"`
	StageKey string  `json:"stage_key"`
	TaskKey  string  `json:"task_key"`
	Title    string  `json:"title"`
	Role     string  `json:"role"`
	Status   string  `json:"status"`
	WorkerID *string `json:"worker_id,omitempty"`
	Attempts int     `json:"attempts"`
}

// CaseStatus is the aggregate status report for a case.
type CaseStatus struct {
	Case        Case           `json:"case"`
	Stage       string         `json:"stage,omitempty"`
	TaskCounts  map[string]int `json:"task_counts"`
	Tasks       []Task         `json:"tasks"`
	ProgressPct int            `json:"progress_pct"`
}

// Worker represents a hired worker.
type Worker struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department"`
	Capacity   int    `json:"capacity"`
	Active     bool   `json:"active"`
}

// Assignment is one task handed to a worker during a tick.
type Assignment struct {
	TaskID   string `json:"task_id"`
	TaskKey  string `json:"task_key"`
	CaseID   string `json:"case_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCase opens a formation case.
func (c *Client) CreateCase(ctx context.Context, businessName, jurisdiction, description string) (Case, error) {
	body := map[string]any{
		"business_name": businessName,
		"jurisdiction":  jurisdiction,
	}
	if description != "" {
		body["description"] = description
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

// CaseStatus fetches the status report for a case.
func (c *Client) CaseStatus(ctx context.Context, caseID string) (CaseStatus, error) {
	var resp CaseStatus
	endpoint := fmt.Sprintf("v0/cases/%s/status", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// HireWorker registers a worker.
func (c *Client) HireWorker(ctx context.Context, role string, capacity int) (Worker, error) {
	body := map[string]any{
		"role":     role,
		"capacity": capacity,
	}
	var resp Worker
	err := c.do(ctx, http.MethodPost, "v0/workers", body, &resp)
	return resp, err
}

// Tick runs one scheduling pass; caseID of "" ticks every active case.
func (c *Client) Tick(ctx context.Context, caseID string) ([]Assignment, error) {
	endpoint := "v0/scheduler/tick"
	if caseID != "" {
		endpoint = fmt.Sprintf("%s?case_id=%s", endpoint, url.QueryEscape(caseID))
	}
	var resp struct {
		Assigned []Assignment `json:"assigned"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Assigned, err
}

// SubmitOutcome records a task execution result.
func (c *Client) SubmitOutcome(ctx context.Context, taskID, workerID, result, detail string) (Task, error) {
	body := map[string]any{
		"worker_id": workerID,
		"result":    result,
	}
	if detail != "" {
		body["detail"] = detail
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/outcome", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	if c.ActorID != "" {
		req.Header.Set("X-Actor-ID", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
