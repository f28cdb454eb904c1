package autoextract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/pagepoet/pagepoet/pkg/config"
	"github.com/pagepoet/pagepoet/pkg/engine"
)

// Page types understood by the AutoExtract API.
const (
	PageTypeProduct     = "product"
	PageTypeArticle     = "article"
	PageTypeProductList = "productList"
)

// DefaultMaxRetries is how often a failed query is retried.
const DefaultMaxRetries = 3

// Client fetches extraction results for a URL.
type Client interface {
	// Request returns the raw result of one query: the query echo plus a
	// field named after the page type.
	Request(ctx context.Context, url, pageType string) (map[string]any, error)
}

// Query is one AutoExtract query.
type Query struct {
	URL      string `json:"url"`
	PageType string `json:"pageType"`
}

// QueryError is a per-query error reported by the API in a 200 response.
type QueryError struct {
	Query   Query
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s for %s failed: %s", e.Query.PageType, e.Query.URL, e.Message)
}

// HTTPClient is the HTTP implementation of Client. Query errors, throttling
// and server errors are retried with exponential backoff; other client
// errors are not.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	backoff    func() backoff.BackOff
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) { hc.httpClient = c }
}

// WithBackOff replaces the retry schedule.
func WithBackOff(fn func() backoff.BackOff) ClientOption {
	return func(hc *HTTPClient) { hc.backoff = fn }
}

// NewHTTPClient creates a client from the AutoExtract settings.
func NewHTTPClient(cfg config.AutoExtractSettings, opts ...ClientOption) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 660 * time.Second
	}
	c := &HTTPClient{
		endpoint:   cfg.URL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request implements Client.
func (c *HTTPClient) Request(ctx context.Context, url, pageType string) (map[string]any, error) {
	query := Query{URL: url, PageType: pageType}
	logger := zerolog.Ctx(ctx)

	operation := func() (map[string]any, error) {
		result, err := c.do(ctx, query)
		if err != nil && !engine.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return result, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).
				Str("url", url).
				Str("page_type", pageType).
				Dur("retry_in", next).
				Msg("AutoExtract query failed, retrying")
		}),
	)
}

// do sends a single query. Errors worth retrying are transient.
func (c *HTTPClient) do(ctx context.Context, query Query) (map[string]any, error) {
	body, err := json.Marshal([]Query{query})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %s: %w", c.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewTransientError("AutoExtract request failed", err).
			WithOperation("autoextract")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewTransientError("failed to read AutoExtract response", err).
			WithOperation("autoextract")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			cause = fmt.Errorf("%w (%w)", cause, backoff.RetryAfter(secs))
		}
		return nil, engine.NewTransientError("AutoExtract unavailable", cause).
			WithOperation("autoextract")
	case resp.StatusCode != http.StatusOK:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("AutoExtract rejected the query: status %d: %s", resp.StatusCode, bytes.TrimSpace(data)), nil).
			WithOperation("autoextract")
	}

	var results []map[string]any
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, engine.NewPermanentError("malformed AutoExtract response", err).
			WithOperation("autoextract")
	}
	if len(results) == 0 {
		return nil, engine.NewPermanentError("empty AutoExtract response", nil).
			WithOperation("autoextract")
	}

	result := results[0]
	if msg, ok := result["error"].(string); ok && msg != "" {
		return nil, engine.NewTransientError("AutoExtract query error", &QueryError{Query: query, Message: msg}).
			WithOperation("autoextract")
	}
	return result, nil
}
