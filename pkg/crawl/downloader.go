package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pagepoet/pagepoet/pkg/config"
)

// Downloader fetches the response of a request.
type Downloader interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// HTTPDownloader is a Downloader over net/http.
type HTTPDownloader struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// NewHTTPDownloader creates a downloader from the download settings.
func NewHTTPDownloader(cfg config.DownloadSettings) *HTTPDownloader {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDownloader{
		client:       &http.Client{Timeout: timeout},
		userAgent:    cfg.UserAgent,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Fetch performs a GET. Non-2xx statuses are returned as responses, not
// errors; the callback decides what they mean.
func (d *HTTPDownloader) Fetch(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request %s: %w", req.URL, err)
	}
	if d.userAgent != "" {
		httpReq.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if d.maxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBodyBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", req.URL, err)
	}

	return &Response{
		URL:     resp.Request.URL.String(),
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    data,
		Request: req,
	}, nil
}
