// Package schedulerclient is a typed HTTP client for the scheduler's
// /api/v1 endpoints: fetching repository and function definitions, and
// uploading scan results and issues.
package schedulerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kongbytes/chicon-runner-go/internal/model"
)

const requestTimeout = 10 * time.Second

// Client talks to a single scheduler instance over HTTP, throttling
// outbound requests so a misbehaving runner cannot hammer the scheduler.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New builds a Client against baseURL (host[:port], without scheme or
// path), authenticating with token. Requests are throttled to roughly 2
// per second with bursts of up to 5.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://%s/api/v1", strings.TrimRight(baseURL, "/")),
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(2, 5),
	}
}

// GetRepository fetches the repository identified by id.
func (c *Client) GetRepository(ctx context.Context, id string) (model.Repository, error) {
	var repo model.Repository
	path := fmt.Sprintf("/repositories/%s", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &repo); err != nil {
		return model.Repository{}, fmt.Errorf("get repository %s: %w", id, err)
	}
	return repo, nil
}

// GetFunctions fetches every function the scheduler knows about, then
// keeps only those whose public id appears in filter. An empty filter, or
// a filter whose first entry is "*", returns every function unfiltered.
func (c *Client) GetFunctions(ctx context.Context, filter []string) ([]model.CodeFunction, error) {
	var functions []model.CodeFunction
	if err := c.do(ctx, http.MethodGet, "/functions", nil, &functions); err != nil {
		return nil, fmt.Errorf("get functions: %w", err)
	}

	if isWildcardFilter(filter) {
		return functions, nil
	}

	wanted := make(map[string]bool, len(filter))
	for _, id := range filter {
		wanted[id] = true
	}

	filtered := make([]model.CodeFunction, 0, len(functions))
	for _, fn := range functions {
		if wanted[fn.PublicID] {
			filtered = append(filtered, fn)
		}
	}
	return filtered, nil
}

// StoreScan uploads scan and returns the scheduler-assigned public id, or
// "-" if the response did not include one.
func (c *Client) StoreScan(ctx context.Context, scan model.Scan) (string, error) {
	body, err := json.Marshal(scan)
	if err != nil {
		return "", fmt.Errorf("encode scan: %w", err)
	}

	respBody, err := c.doRaw(ctx, http.MethodPost, "/scans", body)
	if err != nil {
		return "", fmt.Errorf("store scan: %w", err)
	}
	return model.StoreScanResponsePublicID(respBody), nil
}

// StoreIssues uploads a batch of issues discovered during a scan.
func (c *Client) StoreIssues(ctx context.Context, issues []model.CodeIssue) error {
	if len(issues) == 0 {
		return nil
	}

	body, err := json.Marshal(struct {
		Issues []model.CodeIssue `json:"issues"`
	}{Issues: issues})
	if err != nil {
		return fmt.Errorf("encode issues: %w", err)
	}

	if _, err := c.doRaw(ctx, http.MethodPost, "/issues", body); err != nil {
		return fmt.Errorf("store issues: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	respBody, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for request slot: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, string(respBody))
	}
	return respBody, nil
}

func isWildcardFilter(filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return filter[0] == "*"
}
