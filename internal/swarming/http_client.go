package swarming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient talks to the task-execution service over its JSON API. Transient
// failures are retried a bounded number of times with a short linear backoff.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("swarming base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) ListAliveBotsInPool(ctx context.Context, pool string, dims map[string][]string) ([]BotInfo, error) {
	return c.listBots(ctx, pool, dims, false)
}

func (c *HTTPClient) ListAliveIdleBotsInPool(ctx context.Context, pool string, dims map[string][]string) ([]BotInfo, error) {
	return c.listBots(ctx, pool, dims, true)
}

func (c *HTTPClient) listBots(ctx context.Context, pool string, dims map[string][]string, idleOnly bool) ([]BotInfo, error) {
	q := url.Values{}
	q.Set("pool", pool)
	q.Set("is_alive", "true")
	if idleOnly {
		q.Set("is_idle", "true")
	}
	for key, values := range dims {
		for _, v := range values {
			q.Add("dimensions", key+":"+v)
		}
	}

	var out struct {
		Bots []BotInfo `json:"bots"`
	}
	if err := c.do(ctx, http.MethodGet, "/bots/list?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list bots in pool %s: %w", pool, err)
	}
	return out.Bots, nil
}

func (c *HTTPClient) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal task request: %w", err)
	}
	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/new", body, &out); err != nil {
		return "", fmt.Errorf("create task for %s: %w", req.BotID, err)
	}
	return out.TaskID, nil
}

// TaskURL returns the human-visible URL for a scheduled task.
func (c *HTTPClient) TaskURL(taskID string) string {
	return fmt.Sprintf("%s/task?id=%s", c.baseURL, taskID)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		httpReq, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
		if err != nil {
			cancel()
			return fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			decodeErr := decodeResponse(resp, out)
			resp.Body.Close()
			if decodeErr == nil {
				return nil
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		}
	}
	return lastErr
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("swarming unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("swarming rejected request: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode swarming response: %w", err)
	}
	return nil
}
