package telemetry

import (
	"sort"
	"sync"

	"github.com/pagepoet/pagepoet/pkg/engine"
)

// Stats is an in-memory collector of named counters for one crawl session.
// Providers receive it as an injected value and record their own keys, such
// as "autoextract/product/total".
type Stats struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewStats creates an empty stats collector.
func NewStats() *Stats {
	return &Stats{values: make(map[string]int64)}
}

// IncValue adds count to key.
func (s *Stats) IncValue(key string, count int64) {
	s.mu.Lock()
	s.values[key] += count
	s.mu.Unlock()
}

// MaxValue stores value if it exceeds the current value of key.
func (s *Stats) MaxValue(key string, value int64) {
	s.mu.Lock()
	if cur, ok := s.values[key]; !ok || value > cur {
		s.values[key] = value
	}
	s.mu.Unlock()
}

// GetValue returns the value of key and whether it was ever set.
func (s *Stats) GetValue(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot returns a copy of all values.
func (s *Stats) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns the recorded keys in lexical order.
func (s *Stats) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IncAttempted implements engine.Counters.
func (s *Stats) IncAttempted(c engine.Capability) {
	s.IncValue("injection/"+string(c)+"/attempted", 1)
}

// IncSucceeded implements engine.Counters.
func (s *Stats) IncSucceeded(c engine.Capability) {
	s.IncValue("injection/"+string(c)+"/succeeded", 1)
}

// IncFailed implements engine.Counters.
func (s *Stats) IncFailed(c engine.Capability) {
	s.IncValue("injection/"+string(c)+"/failed", 1)
}

// multiCounters fans increments out to several sinks.
type multiCounters []engine.Counters

// CombineCounters returns an engine.Counters forwarding to every non-nil
// sink.
func CombineCounters(sinks ...engine.Counters) engine.Counters {
	out := make(multiCounters, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiCounters) IncAttempted(c engine.Capability) {
	for _, s := range m {
		s.IncAttempted(c)
	}
}

func (m multiCounters) IncSucceeded(c engine.Capability) {
	for _, s := range m {
		s.IncSucceeded(c)
	}
}

func (m multiCounters) IncFailed(c engine.Capability) {
	for _, s := range m {
		s.IncFailed(c)
	}
}
