// Package mcp provides MCP server tools for quest progress.
package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gateway-fm/questrunner/internal/storage"
	"github.com/gateway-fm/questrunner/pkg/types"
)

// Source is where the tools read quest progress from. The SQLite store
// satisfies it directly; Client reads it from a running status API.
type Source interface {
	GetByProfile(ctx context.Context, profile int) (*types.AccountStatus, error)
	ListAccounts(ctx context.Context, limit, offset int) (*storage.PaginatedAccounts, error)
	Summary(ctx context.Context) (*types.QuestSummary, error)
	ListRuns(ctx context.Context, profile int, limit int) ([]types.AccountRun, error)
}

// Client is a thin HTTP client for the runner status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Source = (*Client)(nil)

// NewClient creates a new status API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// get performs a GET request and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, storage.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// GetByProfile reads one profile's quest flags.
func (c *Client) GetByProfile(ctx context.Context, profile int) (*types.AccountStatus, error) {
	var status types.AccountStatus
	if err := c.get(ctx, "/v1/accounts/"+strconv.Itoa(profile), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListAccounts reads one page of profiles.
func (c *Client) ListAccounts(ctx context.Context, limit, offset int) (*storage.PaginatedAccounts, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var page storage.PaginatedAccounts
	if err := c.get(ctx, "/v1/accounts", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Summary reads completion counts.
func (c *Client) Summary(ctx context.Context) (*types.QuestSummary, error) {
	var summary types.QuestSummary
	if err := c.get(ctx, "/v1/summary", nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListRuns reads recent runs, for one profile or all when profile is 0.
func (c *Client) ListRuns(ctx context.Context, profile int, limit int) ([]types.AccountRun, error) {
	path := "/v1/runs"
	if profile > 0 {
		path = "/v1/accounts/" + strconv.Itoa(profile) + "/runs"
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var resp struct {
		Runs []types.AccountRun `json:"runs"`
	}
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}
