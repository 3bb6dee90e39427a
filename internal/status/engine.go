// Package status advances targets through the acquisition pipeline and finds downloads
// for the ones that are searching.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/events"
	"github.com/auto3t/auto3t/internal/indexer"
)

// Store is the persistence the engine needs.
type Store interface {
	GetTarget(ctx context.Context, id string) (catalog.Target, error)
	ListTargets(ctx context.Context, statuses ...catalog.Status) ([]catalog.Target, error)
	PendingUpcoming(ctx context.Context) ([]catalog.Target, error)
	SeasonMembers(ctx context.Context, showKey string, season int) ([]catalog.Target, error)
	ShowMembers(ctx context.Context, showKey string) ([]catalog.Target, error)
	SetTargetStatus(ctx context.Context, id string, to catalog.Status) (catalog.Status, error)
	RestoreTarget(ctx context.Context, id string) (string, error)
	TargetsForDownload(ctx context.Context, downloadID string) ([]catalog.Target, error)
	AttachDownload(ctx context.Context, downloadID string, targetIDs []string) ([]string, error)
	UpsertDownload(ctx context.Context, magnet, infoHash string, kind catalog.Kind) (catalog.Download, bool, error)
	GetDownload(ctx context.Context, id string) (catalog.Download, error)
	HasDownloadsInState(ctx context.Context, states ...catalog.State) (bool, error)
	ResolveKeywords(ctx context.Context, kind catalog.Kind, t catalog.Target) (catalog.KeywordSet, error)
	IgnoredHashes(ctx context.Context, targetIDs ...string) (map[string]bool, error)
}

// Finder looks up a download for a query.
type Finder interface {
	Search(ctx context.Context, q indexer.Query) (*indexer.Candidate, error)
}

// Superseder retires a download whose targets moved on to a newer one.
type Superseder interface {
	Supersede(ctx context.Context, d catalog.Download) error
}

// Engine advances target status and attaches downloads to searching targets.
type Engine struct {
	store      Store
	finder     Finder
	superseder Superseder
	publisher  events.Publisher
	lookahead  time.Duration
	bitrate    config.BitrateConfig
	now        func() time.Time
	logger     zerolog.Logger
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithPublisher sets where status events are published.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithLookahead sets how long before its release date a target starts searching.
func WithLookahead(d time.Duration) Option {
	return func(e *Engine) {
		e.lookahead = d
	}
}

// WithBitrate sets the expected bitrates used to bound release sizes.
func WithBitrate(b config.BitrateConfig) Option {
	return func(e *Engine) {
		e.bitrate = b
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a new Engine.
func NewEngine(store Store, finder Finder, superseder Superseder, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		finder:     finder,
		superseder: superseder,
		publisher:  events.Nop{},
		lookahead:  config.DefaultLookahead,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Refresh runs every step in order. It reports whether there is work for the download
// monitor: a new download was found or an undefined one is waiting to be added.
func (e *Engine) Refresh(ctx context.Context) (bool, error) {
	var errs []error

	if _, err := e.AdvanceUpcoming(ctx); err != nil {
		errs = append(errs, fmt.Errorf("advance upcoming: %w", err))
	}
	if _, err := e.AdvanceSearching(ctx); err != nil {
		errs = append(errs, fmt.Errorf("advance searching: %w", err))
	}

	found, err := e.FindMagnets(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("find magnets: %w", err))
	}

	pending, err := e.store.HasDownloadsInState(ctx, catalog.StateUndefined)
	if err != nil {
		errs = append(errs, err)
	}

	return found || pending, errors.Join(errs...)
}

// AdvanceUpcoming moves targets with a known release date into upcoming.
func (e *Engine) AdvanceUpcoming(ctx context.Context) (int, error) {
	targets, err := e.store.PendingUpcoming(ctx)
	if err != nil {
		return 0, err
	}
	return e.advance(ctx, targets, catalog.StatusUpcoming)
}

// AdvanceSearching moves upcoming targets released before now plus the lookahead into
// searching.
func (e *Engine) AdvanceSearching(ctx context.Context) (int, error) {
	upcoming, err := e.store.ListTargets(ctx, catalog.StatusUpcoming)
	if err != nil {
		return 0, err
	}

	horizon := e.now().Add(e.lookahead)
	due := upcoming[:0]
	for _, t := range upcoming {
		if t.ReleaseDate != nil && !t.ReleaseDate.After(horizon) {
			due = append(due, t)
		}
	}
	return e.advance(ctx, due, catalog.StatusSearching)
}

func (e *Engine) advance(ctx context.Context, targets []catalog.Target, to catalog.Status) (int, error) {
	n := 0
	var errs []error
	for _, t := range targets {
		if err := e.setStatus(ctx, t, to); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		n++
	}
	if n > 0 {
		e.logger.Info().Int("count", n).Str("status", string(to)).Msg("targets advanced")
	}
	return n, errors.Join(errs...)
}

// MarkArchived records that the media server picked up a finished target.
func (e *Engine) MarkArchived(ctx context.Context, id string) error {
	t, err := e.store.GetTarget(ctx, id)
	if err != nil {
		return err
	}
	return e.setStatus(ctx, t, catalog.StatusArchived)
}

// Ignore sets a target aside. A download it is attached to keeps running for its other
// owners.
func (e *Engine) Ignore(ctx context.Context, id string) error {
	t, err := e.store.GetTarget(ctx, id)
	if err != nil {
		return err
	}
	return e.setStatus(ctx, t, catalog.StatusIgnored)
}

// Restore returns an ignored target to searching and unlinks it from the download it
// was set aside on. That download is retired once no other target owns it.
func (e *Engine) Restore(ctx context.Context, id string) error {
	t, err := e.store.GetTarget(ctx, id)
	if err != nil {
		return err
	}
	previous, err := e.store.RestoreTarget(ctx, id)
	if err != nil {
		return err
	}
	e.publisher.Publish(events.Event{
		Type:    events.TargetStatusChanged,
		Subject: t,
		Data:    map[string]any{"from": string(t.Status), "to": string(catalog.StatusSearching)},
	})

	if previous != "" {
		e.supersede(ctx, previous)
	}
	return nil
}

func (e *Engine) setStatus(ctx context.Context, t catalog.Target, to catalog.Status) error {
	from, err := e.store.SetTargetStatus(ctx, t.ID, to)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	e.publisher.Publish(events.Event{
		Type:    events.TargetStatusChanged,
		Subject: t,
		Data:    map[string]any{"from": string(from), "to": string(to)},
	})
	return nil
}
