package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/search"
)

// APIError is a non-2xx response from the server. It unwraps to the
// models sentinel matching its code, so errors.Is works across the wire.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "DIMENSION_MISMATCH":
		return models.ErrDimensionMismatch
	case "INVALID_ARGUMENT":
		return models.ErrInvalidArgument
	case "NOT_FOUND":
		return models.ErrNotFound
	case "ALL_PROVIDERS_UNAVAILABLE":
		return models.ErrAllProvidersUnavailable
	}
	return nil
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	search.Status
	DiskUsageBytes int64 `json:"disk_usage_bytes"`
}

// DocumentResponse is the body of POST /api/v1/documents.
type DocumentResponse struct {
	SourceID string   `json:"sourceId"`
	ItemIDs  []string `json:"itemIds"`
	Embedded int      `json:"embedded"`
}

// Client talks to a running ruiji server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Ping reports whether the server answers /health.
func (c *Client) Ping(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/health", nil, nil) == nil
}

// Search runs a query.
func (c *Client) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	var out models.SearchResponse
	return &out, c.do(ctx, http.MethodPost, "/api/v1/search", req, &out)
}

// Embed embeds texts.
func (c *Client) Embed(ctx context.Context, req *models.EmbedRequest) (*models.EmbedResponse, error) {
	var out models.EmbedResponse
	return &out, c.do(ctx, http.MethodPost, "/api/v1/embed", req, &out)
}

// Cluster runs a clustering pass.
func (c *Client) Cluster(ctx context.Context, req *models.ClusterRequest) (*models.ClusterSet, error) {
	var out models.ClusterSet
	return &out, c.do(ctx, http.MethodPost, "/api/v1/cluster", req, &out)
}

// Compare computes a similarity matrix.
func (c *Client) Compare(ctx context.Context, req *models.CompareRequest) (*models.CompareResponse, error) {
	var out models.CompareResponse
	return &out, c.do(ctx, http.MethodPost, "/api/v1/compare", req, &out)
}

// Status returns index, provider and disk usage state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	return &out, c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
}

// IndexDocument stores text as a chunked source.
func (c *Client) IndexDocument(ctx context.Context, id, text string, metadata map[string]interface{}) (*DocumentResponse, error) {
	body := map[string]interface{}{"id": id, "text": text, "metadata": metadata}
	var out DocumentResponse
	return &out, c.do(ctx, http.MethodPost, "/api/v1/documents", body, &out)
}

// DeleteDocument removes a source and returns how many chunks were removed.
func (c *Client) DeleteDocument(ctx context.Context, sourceID string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/documents/"+sourceID, nil, &out)
	return out.Removed, err
}

// WatchDirectories lists the directories the server watches.
func (c *Client) WatchDirectories(ctx context.Context) ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/watch/directories", nil, &out)
	return out.Directories, err
}

// AddWatchDirectory asks the server to watch path and index its existing files.
func (c *Client) AddWatchDirectory(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": path, "sync": true}, nil)
}

// RemoveWatchDirectory asks the server to stop watching path.
func (c *Client) RemoveWatchDirectory(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/watch/directories?path="+url.QueryEscape(path), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsUnreachable reports whether err means the server could not be contacted,
// as opposed to the server answering with an error.
func IsUnreachable(err error) bool {
	var apiErr *APIError
	return err != nil && !errors.As(err, &apiErr)
}
