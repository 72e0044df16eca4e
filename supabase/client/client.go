// Package client is a small Supabase client: PostgREST table access and Realtime
// postgres_changes channels. Only equality and membership filters are offered.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a Supabase REST API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// URL returns the project base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// APIKey returns the key used for requests.
func (c *Client) APIKey() string {
	return c.apiKey
}

// =============================================================================
// Database Operations (PostgREST)
// =============================================================================

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{
		client: c,
		table:  table,
		params: url.Values{},
	}
}

// QueryBuilder builds PostgREST queries. No ORDER BY is ever sent; callers sort locally.
type QueryBuilder struct {
	client  *Client
	table   string
	columns string
	params  url.Values
	limit   int
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	q.params.Add(column, "eq."+fmt.Sprint(value))
	return q
}

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values []any) *QueryBuilder {
	strValues := make([]string, len(values))
	for i, v := range values {
		strValues[i] = quoteValue(fmt.Sprint(v))
	}
	q.params.Add(column, "in.("+strings.Join(strValues, ",")+")")
	return q
}

// Limit sets the LIMIT.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

func (q *QueryBuilder) endpoint(withSelect bool) string {
	params := url.Values{}
	for k, vs := range q.params {
		params[k] = append([]string(nil), vs...)
	}
	if withSelect {
		if q.columns != "" {
			params.Set("select", q.columns)
		}
		if q.limit > 0 {
			params.Set("limit", strconv.Itoa(q.limit))
		}
	}

	reqURL := fmt.Sprintf("%s/rest/v1/%s", q.client.baseURL, q.table)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	return reqURL
}

// Execute executes a SELECT query.
func (q *QueryBuilder) Execute(ctx context.Context) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.endpoint(true), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q.client.setHeaders(req)
	return q.client.do(req)
}

// ExecuteInsert executes an INSERT operation and returns the inserted rows.
func (q *QueryBuilder) ExecuteInsert(ctx context.Context, data any) (*Response, error) {
	return q.send(ctx, http.MethodPost, data)
}

// ExecuteUpdate executes an UPDATE operation on the filtered rows.
func (q *QueryBuilder) ExecuteUpdate(ctx context.Context, data any) (*Response, error) {
	if len(q.params) == 0 {
		return nil, fmt.Errorf("update on %s without filter", q.table)
	}
	return q.send(ctx, http.MethodPatch, data)
}

// ExecuteDelete executes a DELETE operation on the filtered rows.
func (q *QueryBuilder) ExecuteDelete(ctx context.Context) (*Response, error) {
	if len(q.params) == 0 {
		return nil, fmt.Errorf("delete on %s without filter", q.table)
	}
	return q.send(ctx, http.MethodDelete, nil)
}

func (q *QueryBuilder) send(ctx context.Context, method string, data any) (*Response, error) {
	var body io.Reader
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint(false), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q.client.setHeaders(req)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", "return=representation")

	return q.client.do(req)
}

func quoteValue(v string) string {
	if strings.ContainsAny(v, ",()\" ") {
		return strconv.Quote(v)
	}
	return v
}

// =============================================================================
// Response Types
// =============================================================================

// Response is a generic API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// APIError is a PostgREST error body with its HTTP status.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Hint       string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("supabase error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("supabase error: status %d", e.StatusCode)
}

// Error returns an *APIError if the response indicates failure.
func (r *Response) Error() error {
	if r.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: r.StatusCode}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Hint    string `json:"hint"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Hint = body.Hint
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	} else if len(r.Body) > 0 {
		apiErr.Message = strings.TrimSpace(string(r.Body))
	}
	return apiErr
}

// =============================================================================
// Internal Methods
// =============================================================================

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}
