// Package archive places the media files of finished downloads into the library.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/download"
	"github.com/auto3t/auto3t/internal/events"
	"github.com/auto3t/auto3t/internal/fileutil"
	"github.com/auto3t/auto3t/internal/matcher"
	"github.com/auto3t/auto3t/internal/transfer"
)

// ErrNoMediaFile is returned when a finished download holds no file for a target.
var ErrNoMediaFile = matcher.ErrNoMediaFile

// ErrMissingFile is returned when the client lists a file that is not on disk, or a
// placed file cannot be found afterwards.
var ErrMissingFile = errors.New("file not found on disk")

// Store is the persistence the archiver needs.
type Store interface {
	ListDownloads(ctx context.Context, states ...catalog.State) ([]catalog.Download, error)
	HasDownloadsInState(ctx context.Context, states ...catalog.State) (bool, error)
	UpdateDownload(ctx context.Context, d catalog.Download) error
	TargetsForDownload(ctx context.Context, downloadID string) ([]catalog.Target, error)
	SetTargetStatus(ctx context.Context, id string, to catalog.Status) (catalog.Status, error)
}

// Client is the part of the torrent client the archiver reads.
type Client interface {
	List(ctx context.Context) ([]download.Torrent, error)
	Files(ctx context.Context, hash string) ([]download.File, error)
	Remove(ctx context.Context, hash string, deleteData bool) error
}

// Forgetter handles a finished download that disappeared from the client.
type Forgetter interface {
	Forget(ctx context.Context, d catalog.Download) error
}

// Paths locates the client's files and the library roots.
type Paths struct {
	// Downloads is where the client's files are visible to the transferer.
	Downloads string
	TVRoot    string
	MovieRoot string
}

// Archiver moves finished downloads into the library.
type Archiver struct {
	client     Client
	store      Store
	matcher    *matcher.Matcher
	transferer transfer.Transferer
	strategy   string
	paths      Paths
	forgetter  Forgetter
	publisher  events.Publisher
	logger     zerolog.Logger
}

// Option is a functional option for configuring the Archiver.
type Option func(*Archiver)

// WithLogger sets the logger for the archiver.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

// WithPublisher sets where status events are published.
func WithPublisher(p events.Publisher) Option {
	return func(a *Archiver) {
		a.publisher = p
	}
}

// WithForgetter sets what happens to a finished download the client lost. Without one
// the download is only marked ignored.
func WithForgetter(f Forgetter) Option {
	return func(a *Archiver) {
		a.forgetter = f
	}
}

// New creates a new Archiver placing files with t according to strategy.
func New(
	client Client,
	store Store,
	m *matcher.Matcher,
	t transfer.Transferer,
	strategy string,
	paths Paths,
	opts ...Option,
) *Archiver {
	a := &Archiver{
		client:     client,
		store:      store,
		matcher:    m,
		transferer: t,
		strategy:   strategy,
		paths:      paths,
		publisher:  events.Nop{},
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// HasFinished reports whether any download is waiting to be archived, including ones
// an earlier pass failed on.
func (a *Archiver) HasFinished(ctx context.Context) (bool, error) {
	return a.store.HasDownloadsInState(ctx, catalog.StateFinished)
}

// ArchiveFinished places the files of every finished download and returns how many
// downloads were archived. A failing download stays finished for the next pass.
func (a *Archiver) ArchiveFinished(ctx context.Context) (int, error) {
	finished, err := a.store.ListDownloads(ctx, catalog.StateFinished)
	if err != nil {
		return 0, err
	}
	if len(finished) == 0 {
		return 0, nil
	}

	live, err := a.client.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list torrents: %w", err)
	}
	byHash := make(map[string]download.Torrent, len(live))
	for _, t := range live {
		byHash[strings.ToLower(t.Hash)] = t
	}

	archived := 0
	var errs []error
	for _, d := range finished {
		done, archErr := a.archiveOne(ctx, d, byHash)
		if archErr != nil {
			a.logger.Error().Err(archErr).Str("hash", d.InfoHash).Msg("failed to archive download")
			a.publisher.Publish(events.Event{
				Type:    events.ArchiveFailed,
				Subject: d,
				Data:    map[string]any{"error": archErr.Error()},
			})
			errs = append(errs, fmt.Errorf("archive %s: %w", d.InfoHash, archErr))
			continue
		}
		if done {
			archived++
		}
	}

	return archived, errors.Join(errs...)
}

func (a *Archiver) archiveOne(ctx context.Context, d catalog.Download, byHash map[string]download.Torrent) (bool, error) {
	logger := a.logger.With().Str("hash", d.InfoHash).Logger()

	remote, ok := byHash[d.InfoHash]
	if !ok {
		logger.Info().Msg("finished download vanished from client")
		return false, a.forget(ctx, d)
	}
	if remote.State != download.LiveCompleted {
		logger.Debug().Str("state", string(remote.State)).Msg("download not complete yet")
		return false, nil
	}

	owners, err := a.store.TargetsForDownload(ctx, d.ID)
	if err != nil {
		return false, err
	}

	files, err := a.client.Files(ctx, remote.Hash)
	if err != nil {
		return false, fmt.Errorf("files: %w", err)
	}
	listing := make([]matcher.File, len(files))
	for i, f := range files {
		listing[i] = matcher.File{Path: f.Path, Size: f.Size}
	}

	for _, t := range owners {
		// Finished owners were placed by an earlier pass; ignored ones are not wanted.
		if t.Status != catalog.StatusDownloading {
			continue
		}
		if err = a.archiveTarget(ctx, t, listing); err != nil {
			return false, fmt.Errorf("%s: %w", t, err)
		}
	}

	if transfer.RemovesSource(a.strategy) {
		// The strategy already took the data; only the client entry is left.
		if err = a.client.Remove(ctx, remote.Hash, false); err != nil {
			return false, fmt.Errorf("remove from client: %w", err)
		}
	}

	previous := d.State
	d.State = catalog.StateArchived
	d.Progress = nil
	if err = a.store.UpdateDownload(ctx, d); err != nil {
		return false, err
	}

	logger.Info().Int("targets", len(owners)).Msg("download archived")
	a.publisher.Publish(events.Event{
		Type:    events.DownloadStateChanged,
		Subject: d,
		Data:    map[string]any{"state": string(d.State), "from": string(previous)},
	})
	return true, nil
}

func (a *Archiver) archiveTarget(ctx context.Context, t catalog.Target, listing []matcher.File) error {
	file, err := a.matcher.Locate(listing, t)
	if err != nil {
		return err
	}

	src, err := fileutil.SafeJoin(a.paths.Downloads, file.Path)
	if err != nil {
		return err
	}
	if a.transferer.Name() == transfer.BackendLocal && !fileutil.Exists(src) {
		return fmt.Errorf("%w: %s", ErrMissingFile, src)
	}

	dst := filepath.Join(a.root(t), t.LibraryPath(path.Ext(file.Path)))
	req := transfer.Request{Source: src, Destination: dst, Size: file.Size}

	logger := a.logger.With().Str("target", t.String()).Str("destination", dst).Logger()
	logger.Debug().
		Str("source", src).
		Str("size", humanize.IBytes(uint64(max(file.Size, 0)))).
		Str("strategy", a.strategy).
		Msg("placing file")

	err = transfer.Place(ctx, a.transferer, a.strategy, req, func(p transfer.Progress) {
		logger.Trace().
			Str("transferred", humanize.IBytes(uint64(max(p.Transferred, 0)))).
			Str("speed", humanize.IBytes(uint64(max(p.BytesPerSec, 0)))+"/s").
			Msg("transfer progress")
	})
	if err != nil {
		return err
	}
	if !fileutil.Exists(dst) {
		return fmt.Errorf("%w: %s", ErrMissingFile, dst)
	}

	from, err := a.store.SetTargetStatus(ctx, t.ID, catalog.StatusFinished)
	if err != nil {
		return err
	}

	logger.Info().Msg("file archived")
	a.publisher.Publish(events.Event{
		Type:    events.ArchiveCompleted,
		Subject: t,
		Data:    map[string]any{"destination": dst},
	})
	a.publisher.Publish(events.Event{
		Type:    events.TargetStatusChanged,
		Subject: t,
		Data:    map[string]any{"from": string(from), "to": string(catalog.StatusFinished)},
	})
	return nil
}

func (a *Archiver) root(t catalog.Target) string {
	if t.Kind == catalog.KindMovie {
		return a.paths.MovieRoot
	}
	return a.paths.TVRoot
}

func (a *Archiver) forget(ctx context.Context, d catalog.Download) error {
	if a.forgetter != nil {
		return a.forgetter.Forget(ctx, d)
	}
	d.State = catalog.StateIgnored
	d.Progress = nil
	return a.store.UpdateDownload(ctx, d)
}
