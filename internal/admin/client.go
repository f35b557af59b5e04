// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pluginhost Contributors

package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
)

// DefaultClientTimeout bounds each admin request.
const DefaultClientTimeout = 5 * time.Second

// Client calls a running host's admin endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the host listening on addr. addr may be
// host:port or a full URL.
func NewClient(addr string, opts ...ClientOption) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{baseURL: base, http: &http.Client{Timeout: DefaultClientTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SystemStatus fetches GET /admin/status.
func (c *Client) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	var out SystemStatus
	if err := c.do(ctx, http.MethodGet, "/admin/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PluginStatus fetches GET /admin/plugins/{id}.
func (c *Client) PluginStatus(ctx context.Context, id string) (*PluginStatus, error) {
	var out PluginStatus
	if err := c.do(ctx, http.MethodGet, "/admin/plugins/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnloadPlugin calls POST /admin/plugins/{id}/unload.
func (c *Client) UnloadPlugin(ctx context.Context, id string) (*OperationResult, error) {
	return c.operation(ctx, "/admin/plugins/"+url.PathEscape(id)+"/unload")
}

// ReloadPlugin calls POST /admin/plugins/{id}/reload.
func (c *Client) ReloadPlugin(ctx context.Context, id string) (*OperationResult, error) {
	return c.operation(ctx, "/admin/plugins/"+url.PathEscape(id)+"/reload")
}

// operation returns the decoded result even when the host reports failure,
// so callers can show the message.
func (c *Client) operation(ctx context.Context, path string) (*OperationResult, error) {
	var out OperationResult
	err := c.do(ctx, http.MethodPost, path, &out)
	if err != nil && out.Message == "" {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return oops.Code("ADMIN_REQUEST_FAILED").With("path", path).Wrap(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return oops.Code("ADMIN_UNREACHABLE").With("url", c.baseURL).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return oops.Code("ADMIN_REQUEST_FAILED").With("path", path).Wrap(err)
	}
	decodeErr := json.Unmarshal(body, out)
	if resp.StatusCode >= 300 {
		var res OperationResult
		_ = json.Unmarshal(body, &res)
		code := res.Code
		if code == "" {
			code = "ADMIN_REQUEST_FAILED"
		}
		return oops.Code(code).
			With("path", path).
			With("status", resp.StatusCode).
			Errorf("%s", strings.TrimSpace(res.Message))
	}
	if decodeErr != nil {
		return oops.Code("ADMIN_RESPONSE_INVALID").With("path", path).Wrap(decodeErr)
	}
	return nil
}
