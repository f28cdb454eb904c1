package crawl

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Request is a URL to visit and the callback that handles its response.
type Request struct {
	URL string `json:"url"`

	// Callback names the spider callback. Empty means the spider's default.
	Callback string `json:"callback,omitempty"`

	// Meta carries arbitrary values from the request to its callback.
	Meta map[string]any `json:"meta,omitempty"`

	// Depth counts the follow-up hops from a start URL.
	Depth int `json:"depth"`
}

// NewRequest creates a request handled by the named callback.
func NewRequest(url, callback string) *Request {
	return &Request{URL: url, Callback: callback}
}

// Follow creates a request one hop deeper than r.
func (r *Request) Follow(url, callback string) *Request {
	return &Request{URL: url, Callback: callback, Depth: r.Depth + 1}
}

// Response is a downloaded response.
type Response struct {
	URL     string      `json:"url"`
	Status  int         `json:"status"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"-"`
	Request *Request    `json:"-"`
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// DummyResponse stands in for a response whose download was skipped. It
// carries the URL and the originating request but no body. A callback that
// declares it as its first parameter states that it does not read the
// response.
type DummyResponse struct {
	URL     string   `json:"url"`
	Request *Request `json:"-"`
}

// NewDummyResponse creates the placeholder for req.
func NewDummyResponse(req *Request) *DummyResponse {
	return &DummyResponse{URL: req.URL, Request: req}
}

// Session status values.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Session is one run of a spider.
type Session struct {
	ID         string     `json:"id"`
	Spider     string     `json:"spider"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewSession starts a running session with a fresh id.
func NewSession(spider string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Spider:    spider,
		Status:    SessionRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Finish marks the session done with the given status.
func (s *Session) Finish(status string, err error) {
	now := time.Now().UTC()
	s.FinishedAt = &now
	s.Status = status
	if err != nil {
		s.Error = err.Error()
	}
}

// Item is one value yielded by a callback, with where it came from.
type Item struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	Callback  string    `json:"callback"`
	Data      any       `json:"data"`
	ScrapedAt time.Time `json:"scraped_at"`
}
