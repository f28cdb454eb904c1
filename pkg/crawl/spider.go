package crawl

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pagepoet/pagepoet/pkg/engine"
)

// DefaultCallback handles requests that name no callback.
const DefaultCallback = "parse"

// Spider is a named set of callbacks.
type Spider struct {
	Name string

	// StartURLs are requested with the default callback when a crawl
	// begins.
	StartURLs []string

	// DefaultCallback handles requests without a callback. Empty means
	// DefaultCallback.
	DefaultCallback string

	mu        sync.RWMutex
	callbacks map[string]*engine.Callback
}

// NewSpider creates a spider with no callbacks.
func NewSpider(name string, startURLs ...string) *Spider {
	return &Spider{
		Name:      name,
		StartURLs: startURLs,
		callbacks: make(map[string]*engine.Callback),
	}
}

// AddCallback validates and registers cb under its name.
func (s *Spider) AddCallback(cb *engine.Callback) error {
	if cb == nil || cb.Name == "" {
		return fmt.Errorf("callback must have a name")
	}
	if err := cb.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.callbacks[cb.Name]; exists {
		return fmt.Errorf("callback %s already registered on spider %s", cb.Name, s.Name)
	}
	s.callbacks[cb.Name] = cb
	return nil
}

// Callback returns the callback registered under name.
func (s *Spider) Callback(name string) (*engine.Callback, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cb, ok := s.callbacks[name]
	return cb, ok
}

// CallbackNames returns the registered names in lexical order.
func (s *Spider) CallbackNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.callbacks))
	for name := range s.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallbackFor returns the callback handling req, falling back to the
// default callback when the request names none.
func (s *Spider) CallbackFor(req *Request) (*engine.Callback, error) {
	name := req.Callback
	if name == "" {
		name = s.DefaultCallback
		if name == "" {
			name = DefaultCallback
		}
	}

	cb, ok := s.Callback(name)
	if !ok {
		return nil, fmt.Errorf("spider %s has no callback %s", s.Name, name)
	}
	return cb, nil
}

// StartRequests returns one request per start URL.
func (s *Spider) StartRequests() []*Request {
	reqs := make([]*Request, len(s.StartURLs))
	for i, u := range s.StartURLs {
		reqs[i] = NewRequest(u, "")
	}
	return reqs
}
