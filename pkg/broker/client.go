package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/services"
)

// Client is the worker-side view of the broker API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Register(ctx context.Context, req services.RegisterWorkerRequest) (*domain.Worker, error) {
	var worker domain.Worker
	if err := c.do(ctx, http.MethodPost, "/v1/workers", req, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

func (c *Client) Heartbeat(ctx context.Context, id domain.WorkerID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/workers/%s/heartbeat", id), nil, nil)
}

func (c *Client) Deregister(ctx context.Context, id domain.WorkerID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/workers/%s", id), nil, nil)
}

// Claim returns (nil, nil) when no pending job matches.
func (c *Client) Claim(ctx context.Context, id domain.WorkerID) (*domain.Job, error) {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/workers/%s/claim", id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claim request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to decode claimed job: %w", err)
	}
	return &job, nil
}

func (c *Client) Accept(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/accept", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ReportProgress(ctx context.Context, id domain.JobID, pct int, message string) error {
	body := map[string]any{"progress": pct, "message": message}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/progress", id), body, nil)
}

func (c *Client) ReportResult(ctx context.Context, id domain.JobID, status domain.JobStatus, result json.RawMessage, errMsg string) (*domain.Job, error) {
	body := map[string]any{"status": status}
	if len(result) > 0 {
		body["result"] = result
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	var job domain.Job
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/result", id), body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob refreshes a job snapshot; the worker polls it mid-execution to
// notice cooperative cancellation requests.
func (c *Client) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/jobs/%s", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("broker returned %d", resp.StatusCode)
}
