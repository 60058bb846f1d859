// Package remote pushes queued mutations to the FitSync HTTP API.
package remote

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

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/models"
)

// maxErrorBody bounds how much of a rejected response is kept in the error.
const maxErrorBody = 512

// Config configures the HTTP client.
type Config struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit caps requests per second; 0 disables pacing.
	RateLimit float64
}

// DefaultConfig returns client defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Timeout:      20 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		RateLimit:    10,
	}
}

// Client talks to the remote API. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client. Transient failures (connection errors and 5xx
// other than 501) are retried inside one queue attempt; every other status is
// returned to the queue as is.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid remote base url %q", cfg.BaseURL)
	}
	if base.Path == "" {
		base.Path = "/"
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: logging.Get().Slog().With("subsystem", "remote")})
	retryClient.CheckRetry = retryPolicy

	httpClient := retryClient.StandardClient()
	httpClient.Timeout = cfg.Timeout

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		base:    base,
		token:   cfg.Token,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// retryPolicy wraps retryablehttp.DefaultRetryPolicy. 429 is left to the queue
// backoff instead of being retried in place.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Endpoint returns the sync handler for table.
func (c *Client) Endpoint(table string) *Endpoint {
	return &Endpoint{client: c, table: table}
}

// Endpoint maps queue operations on one table to HTTP requests:
//
//	CREATE  POST   {base}/{table}       body: record snapshot
//	UPDATE  PUT    {base}/{table}/{id}  body: record snapshot
//	DELETE  DELETE {base}/{table}       body: natural key
type Endpoint struct {
	client *Client
	table  string
}

// SyncToServer sends one mutation and returns the response body, or nil when empty.
func (e *Endpoint) SyncToServer(ctx context.Context, op models.Operation, recordID string, data json.RawMessage) (json.RawMessage, error) {
	var (
		method string
		path   = []string{e.table}
		body   []byte
	)
	switch op {
	case models.OperationCreate:
		method, body = http.MethodPost, data
	case models.OperationUpdate:
		method, body = http.MethodPut, data
		path = append(path, recordID)
	case models.OperationDelete:
		method, body = http.MethodDelete, []byte(recordID)
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unsupported operation %q", op)
	}
	return e.client.do(ctx, method, path, body)
}

func (c *Client) do(ctx context.Context, method string, path []string, body []byte) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "wait for request slot", err)
	}

	target := c.base.JoinPath(path...)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("%s %s", method, target.Path), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "read response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(bytes.TrimSpace(payload)) == 0 {
			return nil, nil
		}
		return json.RawMessage(payload), nil
	case resp.StatusCode == http.StatusConflict:
		return nil, apperrors.Newf(apperrors.ErrSyncConflict, "%s %s: %s", method, target.Path, snippet(payload))
	default:
		return nil, apperrors.Newf(apperrors.ErrSyncRemoteRejected, "%s %s: HTTP %d: %s", method, target.Path, resp.StatusCode, snippet(payload))
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
