// Package client is a thin HTTP client for the vmvalidate submission API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alphacore/vmvalidate/pkg/types"
)

// Client talks to one vmvalidate server over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new vmvalidate API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func decodeOrError[T any](resp *http.Response, okStatuses ...int) (*T, error) {
	defer resp.Body.Close()

	ok := false
	for _, s := range okStatuses {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// HealthResponse mirrors GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	SandboxReady      bool   `json:"sandbox_ready"`
	SandboxWorkers    int    `json:"sandbox_workers"`
	SandboxQueueSize  int    `json:"sandbox_queue_size"`
	SandboxQueued     int    `json:"sandbox_queued"`
	SandboxRunning    int    `json:"sandbox_running"`
	TokenReady        bool   `json:"token_ready"`
	TokenError        string `json:"token_error,omitempty"`
	Timestamp         string `json:"timestamp"`
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	return decodeOrError[HealthResponse](resp, http.StatusOK, http.StatusServiceUnavailable)
}

// SubmitRequest is the body of POST /validate.
type SubmitRequest struct {
	WorkspaceZipPath string         `json:"workspace_zip_path,omitempty"`
	TaskJSON         map[string]any `json:"task_json"`
	TimeoutS         int            `json:"timeout_s,omitempty"`
	NetChecks        bool           `json:"net_checks,omitempty"`
	StreamLog        bool           `json:"stream_log,omitempty"`
	QuietKernel      bool           `json:"quiet_kernel,omitempty"`
}

// SubmitResponse is the body returned by a successful POST /validate.
type SubmitResponse struct {
	JobID            string            `json:"job_id"`
	TaskID           string            `json:"task_id,omitempty"`
	Result           *types.JobResult  `json:"result"`
	LogURL           string            `json:"log_url"`
	LogPath          string            `json:"log_path"`
	SubmissionPath   string            `json:"submission_path"`
	TAP              string            `json:"tap,omitempty"`
}

// Submit posts a validation job and blocks until the server returns the
// terminal result (or one of the documented early-exit error codes). The
// 30-second client timeout does not apply to this call; only ctx bounds it.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	sc := *c
	hc := *c.httpClient
	hc.Timeout = 0
	sc.httpClient = &hc
	resp, err := sc.doRequest(ctx, http.MethodPost, "/validate", req)
	if err != nil {
		return nil, err
	}
	return decodeOrError[SubmitResponse](resp, http.StatusOK)
}

// ActiveJob is one entry in GET /validate/active.
type ActiveJob struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	LogURL string `json:"log_url"`
}

// ActiveJobs lists currently non-terminal jobs.
func (c *Client) ActiveJobs(ctx context.Context) ([]ActiveJob, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/validate/active", nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeOrError[[]ActiveJob](resp, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// GetJob fetches the full record for one job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*types.JobRecord, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/validate/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	return decodeOrError[types.JobRecord](resp, http.StatusOK)
}

// GetJobLog returns the last tail lines of a job's log.
func (c *Client) GetJobLog(ctx context.Context, jobID string, tail int) (string, error) {
	path := fmt.Sprintf("/validate/%s/log?tail=%d", url.PathEscape(jobID), tail)
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(body), nil
}

// TaskJobsResponse is the body of GET /task/{task_id}.
type TaskJobsResponse struct {
	Jobs          []types.JobRecord `json:"jobs"`
	IndexDirPath  string            `json:"index_dir_path,omitempty"`
}

// JobsForTask lists every job that carried the given task_id.
func (c *Client) JobsForTask(ctx context.Context, taskID string) (*TaskJobsResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	return decodeOrError[TaskJobsResponse](resp, http.StatusOK)
}
