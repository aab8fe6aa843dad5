package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/Dicklesworthstone/clipagent/internal/credential"
)

// Remote API paths.
const (
	PathRefresh     = "/auth/refresh"
	PathLogin       = "/auth/login"
	PathAddResource = "/resource/add"
	PathJobs        = "/jobs"
	PathCredits     = "/billing/credits"
)

// TokenResponse is returned by the refresh and login endpoints.
type TokenResponse struct {
	AccessToken string           `json:"access_token"`
	ExpiresIn   int64            `json:"expires_in"`
	User        *credential.User `json:"user"`
}

// Job is the remote view of a job.
type Job struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

// AddResourceRequest is the body of POST /resource/add.
type AddResourceRequest struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	AnalyzeFrames bool   `json:"analyze_frames"`
}

// Credits is the caller's billing balance.
type Credits struct {
	Tier         string `json:"tier"`
	CreditsUsed  int    `json:"credits_used"`
	CreditsTotal int    `json:"credits_total"`
}

// Remaining returns the unused credits, never negative.
func (c Credits) Remaining() int {
	if c.CreditsUsed >= c.CreditsTotal {
		return 0
	}
	return c.CreditsTotal - c.CreditsUsed
}

// RefreshToken exchanges token for a new one. It never retries.
func (c *Client) RefreshToken(ctx context.Context, token string) (*TokenResponse, error) {
	var out TokenResponse
	if err := c.Send(ctx, Request{Method: http.MethodPost, Path: PathRefresh, Auth: AuthNone}, token, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return nil, errorf("refresh response missing access_token")
	}
	return &out, nil
}

// Login exchanges email and password for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var out TokenResponse
	if err := c.Send(ctx, Request{Method: http.MethodPost, Path: PathLogin, Body: body, Auth: AuthNone}, "", &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return nil, errorf("login response missing access_token")
	}
	return &out, nil
}

// AddResource submits a resource for processing and returns the new job.
func (c *Client) AddResource(ctx context.Context, in AddResourceRequest) (*Job, error) {
	var out struct {
		Job *Job `json:"job"`
	}
	req := Request{Method: http.MethodPost, Path: PathAddResource, Body: in, Auth: AuthRequired}
	if err := c.Call(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.Job == nil || out.Job.ID == "" {
		return nil, errorf("add resource response missing job")
	}
	return out.Job, nil
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var out Job
	req := Request{Method: http.MethodGet, Path: PathJobs + "/" + url.PathEscape(id), Auth: AuthRequired}
	if err := c.Call(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

// ListJobs returns the caller's jobs that are still in progress.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	req := Request{Method: http.MethodGet, Path: PathJobs, Query: url.Values{"active": {"1"}}, Auth: AuthRequired}
	if err := c.Call(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// CancelJob asks the API to stop a job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	req := Request{Method: http.MethodPost, Path: PathJobs + "/" + url.PathEscape(id) + "/cancel", Auth: AuthRequired}
	return c.Call(ctx, req, nil)
}

// Credits returns the caller's billing balance.
func (c *Client) Credits(ctx context.Context) (*Credits, error) {
	var out Credits
	if err := c.Call(ctx, Request{Method: http.MethodGet, Path: PathCredits, Auth: AuthRequired}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
