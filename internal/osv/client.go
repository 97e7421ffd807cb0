package osv

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
)

// DefaultBaseURL is the public OSV.dev API.
const DefaultBaseURL = "https://api.osv.dev/v1"

// maxBatch is the largest querybatch the API accepts.
const maxBatch = 1000

// Client is an HTTP client for the OSV.dev API.
// OSV is free, unauthenticated, and allows ~100 req/s.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for baseURL (DefaultBaseURL when empty) with a
// 15-second timeout.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// BatchQuery queries OSV for multiple packages at once (POST /v1/querybatch),
// chunking above the API limit. Results are returned in the same order as
// queries. The API only fills in vulnerability IDs; use Get for details.
func (c *Client) BatchQuery(ctx context.Context, queries []PackageQuery) ([]QueryResult, error) {
	out := make([]QueryResult, 0, len(queries))
	for start := 0; start < len(queries); start += maxBatch {
		end := min(start+maxBatch, len(queries))
		body, err := json.Marshal(BatchQueryRequest{Queries: queries[start:end]})
		if err != nil {
			return nil, fmt.Errorf("osv: marshal batch request: %w", err)
		}

		var result BatchQueryResponse
		if err := c.do(ctx, http.MethodPost, "/querybatch", bytes.NewReader(body), &result); err != nil {
			return nil, fmt.Errorf("osv: batch query: %w", err)
		}
		if len(result.Results) != end-start {
			return nil, fmt.Errorf("osv: batch query returned %d results for %d queries", len(result.Results), end-start)
		}
		out = append(out, result.Results...)
	}
	return out, nil
}

// Get fetches the full record of one vulnerability (GET /v1/vulns/{id}).
func (c *Client) Get(ctx context.Context, id string) (*Vuln, error) {
	var v Vuln
	if err := c.do(ctx, http.MethodGet, "/vulns/"+url.PathEscape(id), nil, &v); err != nil {
		return nil, fmt.Errorf("osv: get %s: %w", id, err)
	}
	return &v, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
