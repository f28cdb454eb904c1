package stores

import (
	"encoding/json"
	"time"
)

// ItemRecord is a stored item. Data holds the item as JSON.
type ItemRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	URL       string          `json:"url"`
	Callback  string          `json:"callback"`
	Data      json.RawMessage `json:"data"`
	ScrapedAt time.Time       `json:"scraped_at"`
}

// Decode unmarshals the item data into v.
func (r *ItemRecord) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// EventRecord is a stored crawl event.
type EventRecord struct {
	ID        string          `json:"id"`
	SessionID *string         `json:"session_id,omitempty"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	URL       *string         `json:"url,omitempty"`
	Callback  *string         `json:"callback,omitempty"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
