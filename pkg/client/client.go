// Package client talks to a flightreduce server: it uploads flight logs,
// reads back reductions and moves archives in and out.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/flightreduce/pkg/httpx"
	"github.com/nicktill/flightreduce/pkg/ingest"
	"github.com/nicktill/flightreduce/pkg/query"
)

// Config holds configuration for the client.
type Config struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"timeout"`
}

// Client is a flightreduce API client. It is safe for concurrent use.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// New creates a client. Uploads stream whole flights, so the default
// timeout matches the server's reduction budget.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Client{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Upload sends an NDJSON flight log for reduction. An empty logID lets the
// server assign one; expectedDuration <= 0 uses the server default.
func (c *Client) Upload(ctx context.Context, logID string, body io.Reader, expectedDuration float64) (*ingest.UploadResponse, error) {
	path := "/v1/logs"
	if logID != "" {
		path += "/" + url.PathEscape(logID)
	}
	params := url.Values{}
	if expectedDuration > 0 {
		params.Set("expected_duration", strconv.FormatFloat(expectedDuration, 'f', -1, 64))
	}

	var resp ingest.UploadResponse
	if err := c.doJSON(ctx, http.MethodPost, path, params, body, "application/x-ndjson", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Overview fetches a log's totals, statistics, phases and summaries.
func (c *Client) Overview(ctx context.Context, logID string) (*query.Overview, error) {
	var resp query.Overview
	if err := c.doJSON(ctx, http.MethodGet, "/v1/logs/"+url.PathEscape(logID), nil, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Records runs a record query. req.LogID selects the log.
func (c *Client) Records(ctx context.Context, req query.Request) (*query.Result, error) {
	params := url.Values{}
	if req.Kind != "" {
		params.Set("kind", string(req.Kind))
	}
	if req.MessageType != "" {
		params.Set("message_type", req.MessageType)
	}
	if req.Phase != "" {
		params.Set("phase", req.Phase)
	}
	if req.Start != nil {
		params.Set("start", strconv.FormatFloat(*req.Start, 'f', -1, 64))
	}
	if req.End != nil {
		params.Set("end", strconv.FormatFloat(*req.End, 'f', -1, 64))
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}

	var resp query.Result
	path := "/v1/logs/" + url.PathEscape(req.LogID) + "/records"
	if err := c.doJSON(ctx, http.MethodGet, path, params, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logs lists every reduced log, newest first.
func (c *Client) Logs(ctx context.Context) (*query.LogsResponse, error) {
	var resp query.LogsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/logs", nil, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Export streams a log archive. format is "json" or "csv"; compress asks
// for zstd. The caller closes the returned reader.
func (c *Client) Export(ctx context.Context, logID, format string, compress bool) (io.ReadCloser, error) {
	params := url.Values{}
	if format != "" {
		params.Set("format", format)
	}
	if compress {
		params.Set("compress", "zstd")
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/logs/"+url.PathEscape(logID)+"/export", params, nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Import uploads an archive produced by Export, optionally under a new ID.
// The result is returned undecoded so callers see every reported error.
func (c *Client) Import(ctx context.Context, archive io.Reader, logID string) (json.RawMessage, error) {
	params := url.Values{}
	if logID != "" {
		params.Set("log_id", logID)
	}
	var resp json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "/v1/import", params, archive, "application/json", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Delete removes a log and everything derived from it.
func (c *Client) Delete(ctx context.Context, logID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/logs/"+url.PathEscape(logID), nil, nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, body io.Reader, contentType string, out any) error {
	resp, err := c.do(ctx, method, path, params, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.endpoint + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	serr := &StatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body httpx.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Message != "" {
		serr.Message = body.Message
	}
	return serr
}
