// Package backend is the REST client for the project-management backend.
// The backend owns project persistence; the engine treats its payloads as
// plain request/response records.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Client talks to the backend API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a backend client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Project mirrors the backend's project model.
type Project struct {
	ProjectID        string          `json:"project_id"`
	FreelanceAlias   string          `json:"freelance_alias"`
	GithubUsername   string          `json:"github_username"`
	EmployeeWallet   string          `json:"employee_wallet_address"`
	EmployerWallet   string          `json:"employer_wallet_address"`
	RepoURL          string          `json:"repo_url"`
	MilestoneSpec    json.RawMessage `json:"milestone_specification"`
	GmeetLink        string          `json:"gmeet_link,omitempty"`
	TotalBudget      float64         `json:"total_budget"`
	EvaluationMode   string          `json:"evaluation_mode"`
	StartDate        string          `json:"start_date"`
	EndDate          string          `json:"end_date"`
	TotalTenureDays  int             `json:"total_tenure_days"`
	InstallationID   string          `json:"installation_id"`
	StreamID         string          `json:"stream_id,omitempty"`
	TreasuryAddress  string          `json:"treasury_address,omitempty"`
	Status           string          `json:"status,omitempty"`
	CreatedAt        string          `json:"created_at,omitempty"`
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := gjson.GetBytes(raw, "detail").String()
		if detail == "" {
			detail = gjson.GetBytes(raw, "message").String()
		}
		if detail == "" {
			detail = fmt.Sprintf("request failed: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("backend: %s", detail)
	}
	return raw, nil
}

// CreateProject registers a project and returns its backend id.
func (c *Client) CreateProject(ctx context.Context, proj Project) (string, error) {
	raw, err := c.request(ctx, http.MethodPost, "/api/projects", proj)
	if err != nil {
		return "", err
	}
	projectID := gjson.GetBytes(raw, "project_id").String()
	if projectID == "" {
		return "", fmt.Errorf("backend: no project id in response")
	}
	return projectID, nil
}

// ListProjects returns projects filtered by owner wallet address and status.
// Empty filters are omitted.
func (c *Client) ListProjects(ctx context.Context, walletAddress, status string) ([]Project, error) {
	query := url.Values{}
	if walletAddress != "" {
		query.Set("wallet_address", walletAddress)
	}
	if status != "" {
		query.Set("status", status)
	}
	path := "/api/projects"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	raw, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var projects []Project
	if err := json.Unmarshal(raw, &projects); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	return projects, nil
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	raw, err := c.request(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID), nil)
	if err != nil {
		return Project{}, err
	}

	var proj Project
	if err := json.Unmarshal(raw, &proj); err != nil {
		return Project{}, fmt.Errorf("decode project: %w", err)
	}
	return proj, nil
}

// ProjectPushEvents fetches the raw push-event list for a project. The
// payload is opaque to the engine.
func (c *Client) ProjectPushEvents(ctx context.Context, projectID string, limit int) (json.RawMessage, error) {
	return c.relatedList(ctx, projectID, "push-events", limit)
}

// ProjectAnalyses fetches the raw analysis list for a project.
func (c *Client) ProjectAnalyses(ctx context.Context, projectID string, limit int) (json.RawMessage, error) {
	return c.relatedList(ctx, projectID, "analyses", limit)
}

func (c *Client) relatedList(ctx context.Context, projectID, kind string, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	path := "/api/projects/" + url.PathEscape(projectID) + "/" + kind + "?limit=" + strconv.Itoa(limit)
	raw, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
