package download

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/events"
	"github.com/auto3t/auto3t/internal/matcher"
)

// Store is the persistence the monitor needs.
type Store interface {
	ListDownloads(ctx context.Context, states ...catalog.State) ([]catalog.Download, error)
	UpdateDownload(ctx context.Context, d catalog.Download) error
	TargetsForDownload(ctx context.Context, downloadID string) ([]catalog.Target, error)
	ReleaseTargets(ctx context.Context, downloadID string) ([]catalog.Target, error)
}

// Monitor keeps tracked downloads in sync with the torrent client.
type Monitor struct {
	client       Client
	store        Store
	matcher      *matcher.Matcher
	publisher    events.Publisher
	stallTimeout time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// MonitorOption is a functional option for configuring the Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger for the monitor.
func WithMonitorLogger(logger zerolog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithPublisher sets where status events are published.
func WithPublisher(p events.Publisher) MonitorOption {
	return func(m *Monitor) {
		m.publisher = p
	}
}

// WithStallTimeout enables stall detection. Zero disables it.
func WithStallTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.stallTimeout = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a new Monitor.
func NewMonitor(client Client, store Store, m *matcher.Matcher, opts ...MonitorOption) *Monitor {
	mon := &Monitor{
		client:    client,
		store:     store,
		matcher:   m,
		publisher: events.Nop{},
		now:       time.Now,
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(mon)
	}

	return mon
}

// AddPending hands every undefined download to the client and marks it queued.
func (m *Monitor) AddPending(ctx context.Context) (int, error) {
	pending, err := m.store.ListDownloads(ctx, catalog.StateUndefined)
	if err != nil {
		return 0, err
	}

	added := 0
	var errs []error
	for _, d := range pending {
		if err = m.client.Add(ctx, d.Magnet); err != nil {
			m.logger.Error().Err(err).Str("hash", d.InfoHash).Msg("failed to add download to client")
			errs = append(errs, fmt.Errorf("add %s: %w", d.InfoHash, err))
			continue
		}

		d.State = catalog.StateQueued
		if err = m.store.UpdateDownload(ctx, d); err != nil {
			errs = append(errs, err)
			continue
		}

		m.logger.Info().Str("hash", d.InfoHash).Str("kind", string(d.Kind)).Msg("download added to client")
		m.publisher.Publish(events.Event{Type: events.DownloadAdded, Subject: d})
		added++
	}

	return added, errors.Join(errs...)
}

// Reconcile polls the client and applies its state to every queued or downloading
// download. hadActive reports whether anything was tracked, newlyFinished whether a
// download completed during this pass.
func (m *Monitor) Reconcile(ctx context.Context) (bool, bool, error) {
	tracked, err := m.store.ListDownloads(ctx, catalog.StateQueued, catalog.StateDownloading)
	if err != nil {
		return false, false, err
	}
	if len(tracked) == 0 {
		return false, false, nil
	}

	live, err := m.client.List(ctx)
	if err != nil {
		return true, false, fmt.Errorf("list torrents: %w", err)
	}
	byHash := make(map[string]Torrent, len(live))
	for _, t := range live {
		byHash[strings.ToLower(t.Hash)] = t
	}

	newlyFinished := false
	var errs []error
	for _, d := range tracked {
		finished, recErr := m.reconcileOne(ctx, d, byHash)
		if recErr != nil {
			m.logger.Error().Err(recErr).Str("hash", d.InfoHash).Msg("failed to reconcile download")
			errs = append(errs, recErr)
		}
		newlyFinished = newlyFinished || finished
	}

	return true, newlyFinished, errors.Join(errs...)
}

func (m *Monitor) reconcileOne(ctx context.Context, d catalog.Download, byHash map[string]Torrent) (bool, error) {
	logger := m.logger.With().Str("hash", d.InfoHash).Logger()

	remote, ok := byHash[d.InfoHash]
	if !ok {
		logger.Info().Msg("download vanished from client")
		return false, m.ignore(ctx, d, "vanished")
	}

	updated := d
	if d.HasExpectedFiles == catalog.Unknown {
		files, err := m.client.Files(ctx, remote.Hash)
		if err != nil {
			return false, fmt.Errorf("files %s: %w", d.InfoHash, err)
		}
		if len(files) > 0 {
			valid, err := m.validate(ctx, d, files)
			if err != nil {
				return false, err
			}
			updated.HasExpectedFiles = catalog.Confirmed
			if !valid {
				updated.HasExpectedFiles = catalog.Failed
			}
			m.publisher.Publish(events.Event{
				Type:    events.DownloadValidated,
				Subject: d,
				Data:    map[string]any{"result": updated.HasExpectedFiles.String()},
			})
			if !valid {
				logger.Warn().Msg("download lacks expected files")
				return false, m.Cancel(ctx, updated)
			}
		}
	}

	if m.stalled(remote) {
		logger.Warn().Dur("active_for", remote.ActiveFor).Msg("download stalled")
		m.publisher.Publish(events.Event{Type: events.DownloadStalled, Subject: d})
		return false, m.Cancel(ctx, updated)
	}

	switch remote.State {
	case LiveDownloading:
		updated.State = catalog.StateDownloading
		updated.Progress = catalog.IntPtr(int(math.Ceil(remote.Progress)))
	case LiveQueued:
		updated.State = catalog.StateQueued
		if remote.Progress > 0 {
			updated.Progress = catalog.IntPtr(int(math.Ceil(remote.Progress)))
		}
	case LiveCompleted:
		updated.State = catalog.StateFinished
		updated.Progress = nil
	case LivePaused, LiveError:
		// Left as is until the client resumes or the user cancels.
	}

	if !changed(d, updated) {
		return false, nil
	}
	if err := m.store.UpdateDownload(ctx, updated); err != nil {
		return false, err
	}

	if updated.State != d.State {
		logger.Info().
			Str("from", string(d.State)).
			Str("to", string(updated.State)).
			Msg("download state changed")
		m.publisher.Publish(events.Event{
			Type:    events.DownloadStateChanged,
			Subject: updated,
			Data:    map[string]any{"state": string(updated.State)},
		})
	}

	return updated.State == catalog.StateFinished, nil
}

// validate reports whether every owning target finds a qualifying file in the listing.
func (m *Monitor) validate(ctx context.Context, d catalog.Download, files []File) (bool, error) {
	owners, err := m.store.TargetsForDownload(ctx, d.ID)
	if err != nil {
		return false, err
	}

	listing := make([]matcher.File, len(files))
	for i, f := range files {
		listing[i] = matcher.File{Path: f.Path, Size: f.Size}
	}

	if _, err = m.matcher.LocateAll(listing, owners); err != nil {
		if errors.Is(err, matcher.ErrNoMediaFile) {
			m.logger.Debug().Err(err).Str("hash", d.InfoHash).Msg("validation failed")
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *Monitor) stalled(t Torrent) bool {
	if m.stallTimeout <= 0 || t.State != LiveDownloading {
		return false
	}
	if t.ActiveFor < m.stallTimeout {
		return false
	}
	if !t.LastActivity.IsZero() && m.now().Sub(t.LastActivity) < m.stallTimeout {
		return false
	}
	return true
}

// Cancel removes the transfer with its data, marks the download ignored and sends
// every target linked to it back to searching.
func (m *Monitor) Cancel(ctx context.Context, d catalog.Download) error {
	if err := m.client.Remove(ctx, d.InfoHash, true); err != nil {
		return fmt.Errorf("remove %s: %w", d.InfoHash, err)
	}
	return m.ignore(ctx, d, "cancelled")
}

// Supersede removes the transfer with its data and marks the download ignored. Its
// targets already belong to a newer download and are left alone.
func (m *Monitor) Supersede(ctx context.Context, d catalog.Download) error {
	if d.State != catalog.StateUndefined {
		if err := m.client.Remove(ctx, d.InfoHash, true); err != nil {
			return fmt.Errorf("remove %s: %w", d.InfoHash, err)
		}
	}

	d.State = catalog.StateIgnored
	d.Progress = nil
	if err := m.store.UpdateDownload(ctx, d); err != nil {
		return err
	}

	m.logger.Info().Str("hash", d.InfoHash).Msg("download superseded")
	m.publisher.Publish(events.Event{Type: events.DownloadSuperseded, Subject: d})
	return nil
}

// Forget marks a download the client no longer knows as ignored and sends its targets
// back to searching. Nothing is removed from the client.
func (m *Monitor) Forget(ctx context.Context, d catalog.Download) error {
	return m.ignore(ctx, d, "vanished")
}

func (m *Monitor) ignore(ctx context.Context, d catalog.Download, reason string) error {
	d.State = catalog.StateIgnored
	d.Progress = nil
	if err := m.store.UpdateDownload(ctx, d); err != nil {
		return err
	}

	m.publisher.Publish(events.Event{
		Type:    events.DownloadCancelled,
		Subject: d,
		Data:    map[string]any{"reason": reason},
	})

	released, err := m.store.ReleaseTargets(ctx, d.ID)
	if err != nil {
		return err
	}
	for _, t := range released {
		if t.Status != catalog.StatusDownloading {
			continue
		}
		m.publisher.Publish(events.Event{
			Type:    events.TargetStatusChanged,
			Subject: t,
			Data:    map[string]any{"from": string(t.Status), "to": string(catalog.StatusSearching)},
		})
	}

	m.logger.Info().
		Str("hash", d.InfoHash).
		Str("reason", reason).
		Int("targets", len(released)).
		Msg("download ignored")
	return nil
}

func changed(a, b catalog.Download) bool {
	if a.State != b.State || a.HasExpectedFiles != b.HasExpectedFiles {
		return true
	}
	if (a.Progress == nil) != (b.Progress == nil) {
		return true
	}
	return a.Progress != nil && *a.Progress != *b.Progress
}
