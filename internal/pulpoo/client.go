// Package pulpoo wraps the Pulpoo external task-creation API used to turn
// collected appointment details into an assigned task.
package pulpoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmop77/voicedesk/internal/reliability"
)

const defaultBaseURL = "https://api.pulpoo.com"

// TaskRequest is the payload for task creation.
type TaskRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	AssignedEmail string `json:"assigned_to_email"`
	Deadline      string `json:"deadline"`
	Importance    string `json:"importance"`
}

// TaskResult reports the created task.
type TaskResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// APIError reports a non-2xx response from the task API.
type APIError struct {
	Status    int
	Detail    string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pulpoo status %d: %s", e.Status, e.Detail)
}

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateTask posts one task. Missing deadline defaults to 24 hours out;
// missing importance defaults to HIGH. Retryable failures are attempted
// once more after a short backoff.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (TaskResult, error) {
	if strings.TrimSpace(req.Deadline) == "" {
		req.Deadline = time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	}
	if strings.TrimSpace(req.Importance) == "" {
		req.Importance = "HIGH"
	}

	result, err := c.createOnce(ctx, req)
	if err == nil {
		return result, nil
	}
	apiErr, ok := err.(*APIError)
	if !ok || !apiErr.Retryable {
		return TaskResult{}, err
	}

	select {
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	case <-time.After(reliability.ExponentialBackoff(0, 250*time.Millisecond, time.Second)):
	}
	return c.createOnce(ctx, req)
}

func (c *Client) createOnce(ctx context.Context, req TaskRequest) (TaskResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return TaskResult{}, fmt.Errorf("marshal task: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/external/tasks/create", bytes.NewReader(payload))
	if err != nil {
		return TaskResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return TaskResult{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return TaskResult{}, &APIError{
			Status:    res.StatusCode,
			Detail:    strings.TrimSpace(string(detail)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	var result TaskResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return TaskResult{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
