package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"localtasks/internal/domain"
)

const (
	StatusSuccess  = "success"
	StatusConflict = "conflict"
	StatusError    = "error"
)

type BatchItem struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id"`
	Operation  domain.Operation `json:"operation"`
	Data       json.RawMessage  `json:"data"`
	CreatedAt  time.Time        `json:"created_at"`
	RetryCount int              `json:"retry_count"`
}

type BatchRequest struct {
	Items           []BatchItem `json:"items"`
	ClientTimestamp time.Time   `json:"client_timestamp"`
}

type ProcessedItem struct {
	ClientID     string               `json:"client_id"`
	Status       string               `json:"status"`
	ResolvedData *domain.TaskSnapshot `json:"resolved_data,omitempty"`
	ServerID     string               `json:"server_id,omitempty"`
	Error        string               `json:"error,omitempty"`
}

type BatchResponse struct {
	ProcessedItems []ProcessedItem `json:"processed_items"`
}

type Options struct {
	BaseURL             string
	APIKey              string
	ConnectivityTimeout time.Duration
	BatchTimeout        time.Duration
}

// Client talks to the remote authority. Every failure is returned as an error;
// classification is left to the caller.
type Client struct {
	baseURL      string
	apiKey       string
	probeTimeout time.Duration
	batchTimeout time.Duration
	httpClient   *http.Client
}

func NewClient(opts Options) *Client {
	if opts.ConnectivityTimeout <= 0 {
		opts.ConnectivityTimeout = 5 * time.Second
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		probeTimeout: opts.ConnectivityTimeout,
		batchTimeout: opts.BatchTimeout,
		httpClient:   &http.Client{},
	}
}

// Ping performs the liveness call against {base}/health.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// SubmitBatch posts a batch to {base}/sync/batch.
func (c *Client) SubmitBatch(ctx context.Context, batch BatchRequest) (BatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()

	body, err := json.Marshal(batch)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/batch", bytes.NewReader(body))
	if err != nil {
		return BatchResponse{}, fmt.Errorf("failed to create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("batch request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return BatchResponse{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, truncate(string(respBody), 256))
	}

	var out BatchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return BatchResponse{}, fmt.Errorf("invalid batch response: %w", err)
	}
	return out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
