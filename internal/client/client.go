// Package client talks to a novel-dl server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ChineseWriter/novel-dl/internal/ingest"
	"github.com/ChineseWriter/novel-dl/internal/store"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

// Defaults applied by New.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	defaultRetryBase  = 200 * time.Millisecond
)

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is sent as a Bearer token on every request.
	APIKey string
	// HTTPClient defaults to a client with DefaultTimeout.
	HTTPClient *http.Client
	// MaxRetries bounds retries of transient failures. Zero means
	// DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	// RetryBase is the first exponential backoff step.
	RetryBase time.Duration
}

// Client is a novel-dl API client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries int
	retryBase  time.Duration
}

// APIError is a non-2xx response decoded from its problem details body.
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("novel-dl: %d %s: %s", e.StatusCode, e.Title, e.Detail)
	}
	return fmt.Sprintf("novel-dl: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse BaseURL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		http:       cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryBase <= 0 {
		c.retryBase = defaultRetryBase
	}
	return c, nil
}

// retryable reports whether a response status is worth retrying.
func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// send performs one request with retries and returns the successful
// response. The caller closes the body.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.retryBase))

	var resp *http.Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		r, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return nil
		}

		apiErr := decodeError(r)
		if retryable(r.StatusCode) {
			return retry.RetryableError(apiErr)
		}
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeError(r *http.Response) *APIError {
	defer r.Body.Close()
	apiErr := &APIError{StatusCode: r.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	_ = json.Unmarshal(data, apiErr)
	if apiErr.Title == "" {
		apiErr.Title = http.StatusText(r.StatusCode)
	}
	return apiErr
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.send(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Health returns the server health summary.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var h types.HealthResponse
	if err := c.getJSON(ctx, "/api/v1/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Search returns books whose titles contain every token of title.
// Results carry no chapters.
func (c *Client) Search(ctx context.Context, title string) ([]types.Book, error) {
	var resp types.SearchResponse
	if err := c.getJSON(ctx, "/api/v1/books", url.Values{"title": {title}}, &resp); err != nil {
		return nil, err
	}
	return resp.Books, nil
}

// Book returns a book with its chapters.
func (c *Client) Book(ctx context.Context, fingerprint string) (*types.Book, error) {
	var b types.Book
	if err := c.getJSON(ctx, "/api/v1/books/"+url.PathEscape(fingerprint), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Chapter returns one chapter.
func (c *Client) Chapter(ctx context.Context, fingerprint string) (*types.Chapter, error) {
	var ch types.Chapter
	if err := c.getJSON(ctx, "/api/v1/chapters/"+url.PathEscape(fingerprint), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Export streams the plain text rendering of a book to w.
func (c *Client) Export(ctx context.Context, fingerprint string, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/books/"+url.PathEscape(fingerprint)+"/export.txt", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// Ingest posts one batch of records. runID, when non-empty, must be a
// ULID; the server generates one otherwise.
func (c *Client) Ingest(ctx context.Context, records []ingest.Record, runID string) (*types.IngestResponse, error) {
	body, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	var query url.Values
	if runID != "" {
		query = url.Values{"run_id": {runID}}
	}

	resp, err := c.send(ctx, http.MethodPost, "/api/v1/records", query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out types.IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ingest response: %w", err)
	}
	return &out, nil
}

// Pending returns chapters held back until their book arrives, by book.
func (c *Client) Pending(ctx context.Context) (map[string]int, error) {
	var resp struct {
		Books map[string]int `json:"books"`
	}
	if err := c.getJSON(ctx, "/api/v1/ingest/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Books, nil
}

// Shards lists every shard.
func (c *Client) Shards(ctx context.Context) ([]types.ShardInfo, error) {
	var shards []types.ShardInfo
	if err := c.getJSON(ctx, "/api/v1/shards", nil, &shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// ChangePage is one page of a shard's change log.
type ChangePage struct {
	Changes        []store.Change `json:"changes"`
	LastSequence   int64          `json:"last_sequence"`
	LatestSequence int64          `json:"latest_sequence"`
	HasMore        bool           `json:"has_more"`
}

// Changes returns up to limit change log entries of a shard with
// sequence greater than after. limit <= 0 uses the server default.
func (c *Client) Changes(ctx context.Context, shard int, after int64, limit int) (*ChangePage, error) {
	query := url.Values{"after": {strconv.FormatInt(after, 10)}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page ChangePage
	if err := c.getJSON(ctx, "/api/v1/shards/"+strconv.Itoa(shard)+"/changes", query, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DownloadSnapshot copies the latest snapshot of a shard to w, following
// the redirect to object storage when the server issues one.
func (c *Client) DownloadSnapshot(ctx context.Context, shard int, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/shards/"+strconv.Itoa(shard)+"/snapshot", nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}
