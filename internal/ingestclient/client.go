// Package ingestclient is the stateless HTTP surface for the backend's
// presign and ingest endpoints (§4.3). It carries no retry policy of its
// own — the batcher and blob pipeline own backoff.
package ingestclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mhetreayush/xray-sdk/internal/model"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client issues presign, ingest, and presigned-PUT requests.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Client. BaseURL and APIKey are required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ingestclient: baseUrl is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ingestclient: apiKey is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, httpClient: httpClient}, nil
}

// PresignRequest is the body of a presign call.
type PresignRequest struct {
	DataID   string         `json:"dataId"`
	TraceID  string         `json:"traceId"`
	Key      string         `json:"key"`
	Metadata model.Metadata `json:"metadata,omitempty"`
}

// PresignResponse is the backend's reply to a presign call.
type PresignResponse struct {
	PresignedURL string `json:"presignedUrl"`
	DataPath     string `json:"dataPath,omitempty"`
}

// Presign requests a short-lived upload URL for a data blob.
func (c *Client) Presign(ctx context.Context, req PresignRequest) (*PresignResponse, error) {
	var resp PresignResponse
	if err := c.post(ctx, "/api/v1/presign", req, &resp); err != nil {
		return nil, fmt.Errorf("ingestclient: presign: %w", err)
	}
	return &resp, nil
}

// IngestRequest is the body of an ingest call.
type IngestRequest struct {
	Events []model.Event `json:"events"`
}

// IngestResponse is the backend's reply to an ingest call.
type IngestResponse struct {
	Success bool `json:"success"`
}

// Ingest delivers a batch of events to the backend.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	var resp IngestResponse
	if err := c.post(ctx, "/api/v1/ingest", req, &resp); err != nil {
		return nil, fmt.Errorf("ingestclient: ingest: %w", err)
	}
	return &resp, nil
}

// PutObject PUTs data to a presigned URL obtained from Presign. The wire
// protocol fixes Content-Type: application/json regardless of the
// payload's actual encoding (§9 open question — PRD is literal here).
func (c *Client) PutObject(ctx context.Context, presignedURL string, data []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ingestclient: build put request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ingestclient: put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseErrorResponse(resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &Error{StatusCode: statusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &Error{StatusCode: statusCode, Message: string(body)}
}
