package tracersdk

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

// Client is a minimal Tracer HTTP API client.
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

// Project represents the API project model (partial).
type Project struct {
	ID         string       `json:"id"`
	OwnerID    string       `json:"owner_id"`
	Name       string       `json:"name"`
	Status     string       `json:"status"`
	IsArchived bool         `json:"is_archived"`
	Team       []TeamMember `json:"team,omitempty"`
}

// TeamMember is one row of a project's team.
type TeamMember struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	AddedAt string `json:"added_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	AssigneeID       *string `json:"assignee_id,omitempty"`
	TimeSpentMinutes int     `json:"time_spent_minutes"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// WhoAmI describes the authenticated caller.
type WhoAmI struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Modules     []string `json:"modules"`
}

// TaskSummary aggregates a project's tasks by status.
type TaskSummary struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	Completed  int            `json:"completed"`
	InProgress int            `json:"in_progress"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project with its team.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v1/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddTeamMember adds or re-roles a team member.
func (c *Client) AddTeamMember(ctx context.Context, projectID, userID, role string) (Project, error) {
	body := map[string]any{
		"user_id": userID,
		"role":    role,
	}
	var resp Project
	endpoint := fmt.Sprintf("v1/projects/%s/team", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// CreateTask creates a task in a project.
func (c *Client) CreateTask(ctx context.Context, projectID, title string) (Task, error) {
	body := map[string]any{
		"title": title,
	}
	var resp Task
	endpoint := fmt.Sprintf("v1/projects/%s/tasks", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetTaskStatus moves a task to the given status.
func (c *Client) SetTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	body := map[string]any{
		"status": status,
	}
	var resp Task
	err := c.do(ctx, http.MethodPatch, "v1/tasks/"+url.PathEscape(taskID), body, &resp)
	return resp, err
}

// LogTime records a work interval on a task. Times are RFC3339.
func (c *Client) LogTime(ctx context.Context, taskID, startTime, endTime, description string) (Task, error) {
	body := map[string]any{
		"start_time":  startTime,
		"end_time":    endTime,
		"description": description,
	}
	var resp Task
	endpoint := fmt.Sprintf("v1/tasks/%s/time", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ProjectSummary returns a project's task counts by status.
func (c *Client) ProjectSummary(ctx context.Context, projectID string) (TaskSummary, error) {
	var resp TaskSummary
	endpoint := fmt.Sprintf("v1/projects/%s/summary", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the authenticated caller's role and permissions.
func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &resp)
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
