// Package orchestrator talks to the recovery-build scheduler that backs the
// new repair flow.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Params describes one recovery build.
type Params struct {
	// UnitName is the device name the build operates on.
	UnitName string `json:"unitName"`
	// TaskName selects the recovery task flavor, e.g. "recovery".
	TaskName       string `json:"taskName"`
	EnableRecovery bool   `json:"enableRecovery"`
	// AdminService is this service's own hostname, reported for tracking.
	AdminService string `json:"adminService"`
	// InventoryService is the inventory host the build reads device facts from.
	InventoryService string `json:"inventoryService"`
	UpdateInventory  bool   `json:"updateInventory"`
}

// Scheduler schedules recovery builds. Implemented by Client; faked in tests.
type Scheduler interface {
	ScheduleRecovery(ctx context.Context, p Params) (string, error)
	BuildURL(buildID string) string
}

type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// Client is the HTTP implementation of Scheduler.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("orchestrator base url required")
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
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

// ScheduleRecovery submits a recovery build and returns its build ID.
func (c *Client) ScheduleRecovery(ctx context.Context, p Params) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal recovery params: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/builds/schedule", bytes.NewReader(body))
		if err != nil {
			cancel()
			return "", fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			buildID, decodeErr := decodeScheduleResponse(resp)
			resp.Body.Close()
			if decodeErr == nil {
				return buildID, nil
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		}
	}
	return "", fmt.Errorf("schedule recovery build: %w", lastErr)
}

// BuildURL returns the human-visible URL for a scheduled build.
func (c *Client) BuildURL(buildID string) string {
	return fmt.Sprintf("%s/build/%s", c.baseURL, buildID)
}

func decodeScheduleResponse(resp *http.Response) (string, error) {
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("orchestrator unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("orchestrator rejected request: %s", resp.Status)
	}
	var out struct {
		BuildID string `json:"buildId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode orchestrator response: %w", err)
	}
	if out.BuildID == "" {
		return "", fmt.Errorf("orchestrator returned empty build id")
	}
	return out.BuildID, nil
}
