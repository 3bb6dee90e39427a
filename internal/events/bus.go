// Package events provides an in-process event bus and a controller that records every
// event as a status comment.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type represents the type of event.
type Type string

// Event types for the acquisition pipeline.
const (
	// SystemStarted indicates the system has started.
	SystemStarted Type = "system.started"

	// TargetIngested indicates a target was created or updated from the catalog.
	TargetIngested Type = "target.ingested"
	// TargetStatusChanged indicates a target moved to a new status.
	TargetStatusChanged Type = "target.status_changed"

	// SearchNotFound indicates a search produced no usable candidate.
	SearchNotFound Type = "search.not_found"
	// SearchFailed indicates a search request failed.
	SearchFailed Type = "search.failed"

	// DownloadCreated indicates a new download was attached to targets.
	DownloadCreated Type = "download.created"
	// DownloadAdded indicates a download was handed to the torrent client.
	DownloadAdded Type = "download.added"
	// DownloadStateChanged indicates the download state or progress changed.
	DownloadStateChanged Type = "download.state_changed"
	// DownloadValidated indicates the file listing was checked against the targets.
	DownloadValidated Type = "download.validated"
	// DownloadCancelled indicates a download was cancelled and its targets reset.
	DownloadCancelled Type = "download.cancelled"
	// DownloadSuperseded indicates a download was replaced by a newer one.
	DownloadSuperseded Type = "download.superseded"
	// DownloadStalled indicates a download made no progress within the stall timeout.
	DownloadStalled Type = "download.stalled"

	// ArchiveCompleted indicates a file was placed into the library.
	ArchiveCompleted Type = "archive.completed"
	// ArchiveFailed indicates placing a download's files failed.
	ArchiveFailed Type = "archive.failed"

	// TaskFailed indicates a scheduled task returned an error.
	TaskFailed Type = "task.failed"
)

// Event represents an event in the system.
// Subject is the primary entity the event is about: a catalog.Target, a
// catalog.Download, or nil for system events.
// Data contains additional event-specific information not available on the Subject.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Subject   any            `json:"-"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a channel that receives events.
type Subscription <-chan Event

// Publisher is implemented by anything that accepts events.
type Publisher interface {
	Publish(event Event)
}

// subscriberEntry tracks a subscriber and its filter.
type subscriberEntry struct {
	ch     chan Event
	types  map[Type]bool // nil means all events
	closed bool
}

// Bus is an in-process event bus that supports pub/sub.
type Bus struct {
	subscribers []*subscriberEntry
	mu          sync.RWMutex
	logger      zerolog.Logger
	bufferSize  int
}

// Option is a functional option for configuring the bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

// Default buffer size for subscriber channels.
const defaultBufferSize = 256

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:     zerolog.Nop(),
		bufferSize: defaultBufferSize,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe creates a subscription for specific event types.
// If no types are provided, the subscription receives all events.
func (b *Bus) Subscribe(types ...Type) Subscription {
	entry := &subscriberEntry{ch: make(chan Event, b.bufferSize)}

	if len(types) > 0 {
		entry.types = make(map[Type]bool, len(types))
		for _, t := range types {
			entry.types[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, entry)
	b.mu.Unlock()

	return entry.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.subscribers {
		if entry.ch != sub {
			continue
		}
		if !entry.closed {
			close(entry.ch)
			entry.closed = true
		}
		b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
		return
	}
}

// Publish sends an event to all matching subscribers. It never blocks: events are
// dropped for subscribers whose buffer is full.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, entry := range b.subscribers {
		if entry.closed || (entry.types != nil && !entry.types[event.Type]) {
			continue
		}

		select {
		case entry.ch <- event:
		default:
			b.logger.Warn().
				Str("type", string(event.Type)).
				Msg("event dropped - subscriber buffer full")
		}
	}

	b.logger.Trace().Str("type", string(event.Type)).Msg("event published")
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range b.subscribers {
		if !entry.closed {
			close(entry.ch)
			entry.closed = true
		}
	}
	b.subscribers = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Nop is a Publisher that discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}
