package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a crawl event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// SessionID is the crawl session, if applicable.
	SessionID string `json:"session_id,omitempty"`

	// URL is the request URL, if applicable.
	URL string `json:"url,omitempty"`

	// Callback is the callback name, if applicable.
	Callback string `json:"callback,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for crawl events.
const (
	EventTypeSessionStarted   = "session.started"
	EventTypeSessionCompleted = "session.completed"
	EventTypeDownloadSkipped  = "download.skipped"
	EventTypeBuildCompleted   = "build.completed"
	EventTypeBuildFailed      = "build.failed"
	EventTypeItemScraped      = "item.scraped"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishSessionStarted publishes a session started event.
func (ep *EventPublisher) PublishSessionStarted(sessionID, spider string) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionStarted,
		Source:    "crawler",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s started for spider %s", sessionID, spider),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"spider": spider,
		},
	})
}

// PublishSessionCompleted publishes a session completed event.
func (ep *EventPublisher) PublishSessionCompleted(sessionID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionCompleted,
		Source:    "crawler",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s completed with status: %s", sessionID, status),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishDownloadSkipped publishes an event for a request whose download was
// replaced by a placeholder response.
func (ep *EventPublisher) PublishDownloadSkipped(sessionID, url, callback string) error {
	return ep.Publish(Event{
		Type:      EventTypeDownloadSkipped,
		Source:    "middleware",
		SessionID: sessionID,
		URL:       url,
		Callback:  callback,
		Message:   fmt.Sprintf("Skipping download of %s for %s", url, callback),
		Level:     EventLevelInfo,
	})
}

// PublishBuildCompleted publishes a build completed event.
func (ep *EventPublisher) PublishBuildCompleted(sessionID, url, callback string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeBuildCompleted,
		Source:    "middleware",
		SessionID: sessionID,
		URL:       url,
		Callback:  callback,
		Message:   fmt.Sprintf("Built arguments of %s for %s", callback, url),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishBuildFailed publishes a build failed event.
func (ep *EventPublisher) PublishBuildFailed(sessionID, url, callback, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeBuildFailed,
		Source:    "middleware",
		SessionID: sessionID,
		URL:       url,
		Callback:  callback,
		Message:   fmt.Sprintf("Building arguments of %s for %s failed: %s", callback, url, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishItemScraped publishes an item scraped event.
func (ep *EventPublisher) PublishItemScraped(sessionID, url, callback string) error {
	return ep.Publish(Event{
		Type:      EventTypeItemScraped,
		Source:    "crawler",
		SessionID: sessionID,
		URL:       url,
		Callback:  callback,
		Message:   fmt.Sprintf("Scraped item from %s", url),
		Level:     EventLevelInfo,
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain what is left before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers, in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown flushes buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySession creates a filter that only allows events for one session.
func FilterBySession(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}
