package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/models"
)

// HTTPClient implements Client against the server's JSON API.
type HTTPClient struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewHTTPClient creates a client for the server at baseURL using Bearer
// token auth.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Handshake returns the server's identity fingerprint.
func (c *HTTPClient) Handshake(ctx context.Context) (string, error) {
	var out struct {
		Identity string `json:"identity"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/identity", nil, &out); err != nil {
		return "", err
	}
	if out.Identity == "" {
		return "", &apperr.NetworkError{Op: "handshake", Err: fmt.Errorf("empty identity")}
	}
	return out.Identity, nil
}

// Pull fetches the delta of notes changed since the given time.
func (c *HTTPClient) Pull(ctx context.Context, since *time.Time) ([]models.RemoteNote, error) {
	path := "/api/sync/pull"
	if since != nil {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var out struct {
		Notes []models.RemoteNote `json:"notes"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Notes, nil
}

// Push sends one mutation. A 409 response carries the server copy and is
// returned as *apperr.VersionConflict.
func (c *HTTPClient) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	var out PushResult
	err := c.do(ctx, http.MethodPost, "/api/sync/push", req, &out)
	return out, err
}

// Probe is the lightweight health check.
func (c *HTTPClient) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// conflictBody is the server's 409 payload for a version mismatch.
type conflictBody struct {
	Conflict          bool      `json:"conflict"`
	Path              string    `json:"path"`
	ServerSyncVersion int64     `json:"server_sync_version"`
	ServerUpdatedAt   time.Time `json:"server_updated_at"`
	ServerContent     []byte    `json:"server_content"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("transport: marshal %s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("transport: build %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &apperr.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", apperr.ErrAuth, op)

	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		if err := json.NewDecoder(resp.Body).Decode(&cb); err != nil {
			return &apperr.NetworkError{Op: op, Err: fmt.Errorf("decode conflict: %w", err)}
		}
		return &apperr.VersionConflict{
			Path:            cb.Path,
			ServerVersion:   cb.ServerSyncVersion,
			ServerUpdatedAt: cb.ServerUpdatedAt,
			ServerContent:   cb.ServerContent,
		}

	case resp.StatusCode >= 500:
		return &apperr.NetworkError{Op: op, Err: fmt.Errorf("server status %d", resp.StatusCode)}

	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("transport: %s: status %d: %s", op, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &apperr.NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
