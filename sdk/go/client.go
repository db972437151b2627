package trackerzsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal trackerZ HTTP API client.
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

// WorkItem represents a project, task, or subtask.
type WorkItem struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Phase       string `json:"phase"`
	Priority    string `json:"priority"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Change represents one audit trail entry.
type Change struct {
	ID          int64  `json:"id"`
	ChangedAt   string `json:"changed_at"`
	Actor       string `json:"actor,omitempty"`
	Reason      string `json:"reason"`
	OldPhase    string `json:"old_phase"`
	NewPhase    string `json:"new_phase"`
	OldPriority string `json:"old_priority"`
	NewPriority string `json:"new_priority"`
	Note        string `json:"note,omitempty"`
}

// Phase represents one lifecycle phase with its allowed transitions.
type Phase struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	IsTerminal     bool     `json:"is_terminal"`
	AllowedTargets []string `json:"allowed_targets"`
}

// CreateWorkItem are the fields accepted when creating an item.
type CreateWorkItem struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Note        *string `json:"note,omitempty"`
}

// UpdateWorkItem are the fields accepted when mutating an item. Nil
// fields are left untouched.
type UpdateWorkItem struct {
	Phase       *string `json:"phase,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Note        *string `json:"note,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a top-level project.
func (c *Client) CreateProject(ctx context.Context, req CreateWorkItem) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/projects", req, &resp)
	return resp, err
}

// CreateTask creates a task under a project.
func (c *Client) CreateTask(ctx context.Context, projectID int64, req CreateWorkItem) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%d/tasks", projectID), req, &resp)
	return resp, err
}

// CreateSubtask creates a subtask under a task.
func (c *Client) CreateSubtask(ctx context.Context, taskID int64, req CreateWorkItem) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%d/subtasks", taskID), req, &resp)
	return resp, err
}

// ListProjects lists projects, most recently updated first.
func (c *Client) ListProjects(ctx context.Context) ([]WorkItem, error) {
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// ListTasks lists the tasks of a project.
func (c *Client) ListTasks(ctx context.Context, projectID int64) ([]WorkItem, error) {
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%d/tasks", projectID), nil, &resp)
	return resp, err
}

// ListSubtasks lists the subtasks of a task.
func (c *Client) ListSubtasks(ctx context.Context, taskID int64) ([]WorkItem, error) {
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%d/subtasks", taskID), nil, &resp)
	return resp, err
}

// Get fetches one work item by kind and id.
func (c *Client) Get(ctx context.Context, kind string, id int64) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/%ss/%d", kind, id), nil, &resp)
	return resp, err
}

// Update applies a mutation to one work item.
func (c *Client) Update(ctx context.Context, kind string, id int64, req UpdateWorkItem) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("v0/%ss/%d", kind, id), req, &resp)
	return resp, err
}

// Delete removes one work item and everything it owns.
func (c *Client) Delete(ctx context.Context, kind string, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("v0/%ss/%d", kind, id), nil, nil)
}

// History fetches the change trail of one work item, newest first.
func (c *Client) History(ctx context.Context, kind string, id int64) ([]Change, error) {
	var resp []Change
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/%ss/%d/history", kind, id), nil, &resp)
	return resp, err
}

// Phases lists the lifecycle phases and their allowed transitions.
func (c *Client) Phases(ctx context.Context) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, "v0/phases", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + endpoint
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
