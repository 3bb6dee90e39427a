package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/store"
)

// Recorder persists events.
type Recorder interface {
	AddEvent(ctx context.Context, e store.Event) (store.Event, error)
}

// Controller records every event on the bus as a status comment.
type Controller struct {
	eventBus *Bus
	recorder Recorder
	logger   zerolog.Logger

	subscription Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// ControllerOption is a functional option for configuring the Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a new events Controller.
func NewController(eventBus *Bus, recorder Recorder, opts ...ControllerOption) *Controller {
	c := &Controller{
		eventBus: eventBus,
		recorder: recorder,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins recording events.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.subscription = c.eventBus.Subscribe()

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info().Msg("events controller started")
	return nil
}

// Stop unsubscribes, drains pending events and waits for the controller to finish.
func (c *Controller) Stop() error {
	c.eventBus.Unsubscribe(c.subscription)
	c.wg.Wait()
	if c.cancel != nil {
		c.cancel()
	}

	c.logger.Info().Msg("events controller stopped")
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	// The subscription is closed by Stop, so buffered events are recorded before exit.
	for ev := range c.subscription {
		c.recordEvent(context.WithoutCancel(ctx), ev)
	}
}

func (c *Controller) recordEvent(ctx context.Context, ev Event) {
	subjectType, subjectID := extractSubject(ev.Subject)

	_, err := c.recorder.AddEvent(ctx, store.Event{
		Type:        string(ev.Type),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Message:     Message(ev),
		Details:     ev.Data,
		CreatedAt:   ev.Timestamp,
	})
	if err != nil {
		c.logger.Error().Err(err).
			Str("event_type", string(ev.Type)).
			Msg("failed to record event")
		return
	}

	c.logger.Debug().
		Str("event_type", string(ev.Type)).
		Str("subject_type", subjectType).
		Msg("recorded event")
}

// extractSubject returns the subject type and ID of an event's Subject.
func extractSubject(subject any) (string, string) {
	switch s := subject.(type) {
	case catalog.Target:
		return "target", s.ID
	case *catalog.Target:
		if s != nil {
			return "target", s.ID
		}
	case catalog.Download:
		return "download", s.ID
	case *catalog.Download:
		if s != nil {
			return "download", s.ID
		}
	}
	return "system", ""
}

func subjectName(subject any) string {
	switch s := subject.(type) {
	case catalog.Target:
		return s.String()
	case *catalog.Target:
		if s != nil {
			return s.String()
		}
	case catalog.Download:
		return s.InfoHash
	case *catalog.Download:
		if s != nil {
			return s.InfoHash
		}
	}
	return ""
}

// Message returns the human-readable status comment for an event.
//
//nolint:funlen // switch statement for message generation is intentionally long
func Message(ev Event) string {
	name := subjectName(ev.Subject)
	str := func(key string) string {
		v, _ := ev.Data[key].(string)
		return v
	}

	switch ev.Type {
	case SystemStarted:
		return "System started"
	case TargetIngested:
		return fmt.Sprintf("Tracking: %s", name)
	case TargetStatusChanged:
		return fmt.Sprintf("Status changed: %s (%s -> %s)", name, str("from"), str("to"))
	case SearchNotFound:
		return fmt.Sprintf("No candidate found: %s", str("query"))
	case SearchFailed:
		return fmt.Sprintf("Search failed: %s: %s", str("query"), str("error"))
	case DownloadCreated:
		return fmt.Sprintf("Download created: %s", str("title"))
	case DownloadAdded:
		return fmt.Sprintf("Added to client: %s", name)
	case DownloadStateChanged:
		return fmt.Sprintf("Download %s: %s", str("state"), name)
	case DownloadValidated:
		return fmt.Sprintf("Expected files %s: %s", str("result"), name)
	case DownloadCancelled:
		return fmt.Sprintf("Download cancelled: %s", name)
	case DownloadSuperseded:
		return fmt.Sprintf("Download superseded: %s", name)
	case DownloadStalled:
		return fmt.Sprintf("Download stalled: %s", name)
	case ArchiveCompleted:
		return fmt.Sprintf("Archived: %s -> %s", name, str("destination"))
	case ArchiveFailed:
		return fmt.Sprintf("Archive failed: %s: %s", name, str("error"))
	case TaskFailed:
		return fmt.Sprintf("Task %s failed: %s", str("task"), str("error"))
	default:
		return fmt.Sprintf("Event: %s", ev.Type)
	}
}
