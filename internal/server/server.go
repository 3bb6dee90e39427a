// Package server provides the main application server.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/archive"
	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/download"
	"github.com/auto3t/auto3t/internal/events"
	"github.com/auto3t/auto3t/internal/indexer"
	"github.com/auto3t/auto3t/internal/matcher"
	"github.com/auto3t/auto3t/internal/orchestrator"
	"github.com/auto3t/auto3t/internal/status"
	"github.com/auto3t/auto3t/internal/store"
	"github.com/auto3t/auto3t/internal/trackers"
	"github.com/auto3t/auto3t/internal/transfer"
)

// Options holds additional server options not in config.
type Options struct {
	Logger zerolog.Logger
}

// Server is the main application server.
type Server struct {
	cfg        config.Config
	store      *store.Store
	bus        *events.Bus
	recorder   *events.Controller
	client     download.Client
	transferer transfer.Transferer
	scheduler  *orchestrator.Scheduler
	httpServer *HTTPServer
	logger     zerolog.Logger
}

// New opens the store and builds every pipeline component from the configuration.
//
//nolint:funlen // initialization function needs to set up multiple components
func New(ctx context.Context, cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}
	component := func(name string) zerolog.Logger {
		return logger.With().Str("component", name).Logger()
	}

	st, err := store.Open(ctx, cfg.Database.Path, store.WithLogger(component("store")))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	bus := events.New(events.WithLogger(component("events")))
	recorder := events.NewController(bus, st, events.WithControllerLogger(component("events")))

	client, err := download.New(cfg.Downloader, download.WithLogger(component("downloader")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create download client: %w", err)
	}

	// Map order is random; sorting keeps fan-out logs stable between runs.
	names := make([]string, 0, len(cfg.Indexers))
	for name := range cfg.Indexers {
		names = append(names, name)
	}
	sort.Strings(names)

	indexers := make([]indexer.Indexer, 0, len(names))
	for _, name := range names {
		ixCfg := cfg.Indexers[name]
		logger.Debug().Str("name", name).Str("type", ixCfg.Type).Msg("configuring indexer")

		ix, ixErr := indexer.New(name, ixCfg,
			indexer.WithLogger(logger.With().Str("indexer", name).Logger()),
			indexer.WithRetryDelays(cfg.Search.RetryDelays),
		)
		if ixErr != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create indexer %s: %w", name, ixErr)
		}
		indexers = append(indexers, ix)
	}

	m := matcher.New(
		matcher.WithMinSize(cfg.Media.MinSize),
		matcher.WithExtensions(cfg.Media.Extensions),
		matcher.WithSimilarity(cfg.Search.Similarity),
	)

	searcherOpts := []indexer.SearcherOption{
		indexer.WithSearcherLogger(component("searcher")),
		indexer.WithThresholds(cfg.Search.MinSeeders, cfg.Search.MinGain),
	}
	if cfg.Trackers.FallbackURL != "" {
		searcherOpts = append(searcherOpts, indexer.WithTrackers(trackers.NewProvider(
			cfg.Trackers.FallbackURL,
			trackers.WithTTL(cfg.Trackers.CacheTTL),
			trackers.WithLogger(component("trackers")),
		)))
	}
	searcher := indexer.NewSearcher(indexers, m, searcherOpts...)

	monitor := download.NewMonitor(client, st, m,
		download.WithMonitorLogger(component("monitor")),
		download.WithPublisher(bus),
		download.WithStallTimeout(cfg.Downloader.StallTimeout),
	)

	transferer, err := transfer.New(cfg, transfer.WithLogger(component("transfer")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create transfer engine: %w", err)
	}
	logger.Info().
		Str("engine", transferer.Name()).
		Str("strategy", cfg.Archive.Strategy).
		Str("host", cfg.Downloader.SSH.Host).
		Msg("archive engine configured")

	archiver := archive.New(client, st, m, transferer, cfg.Archive.Strategy,
		archive.Paths{
			Downloads: cfg.Downloader.DownloadsPath,
			TVRoot:    cfg.Library.TVRoot,
			MovieRoot: cfg.Library.MovieRoot,
		},
		archive.WithLogger(component("archiver")),
		archive.WithPublisher(bus),
		archive.WithForgetter(monitor),
	)

	engine := status.NewEngine(st, searcher, monitor,
		status.WithLogger(component("status")),
		status.WithPublisher(bus),
		status.WithLookahead(cfg.Scheduler.Lookahead),
		status.WithBitrate(cfg.Bitrate),
	)

	scheduler := orchestrator.New(engine, monitor, archiver,
		orchestrator.WithLogger(component("scheduler")),
		orchestrator.WithPublisher(bus),
		orchestrator.WithWorkers(cfg.Scheduler.Workers),
		orchestrator.WithRepollInterval(cfg.Scheduler.RepollInterval),
		orchestrator.WithRefreshInterval(cfg.Scheduler.RefreshInterval),
	)

	httpServer := NewHTTPServer(st, engine,
		WithHTTPLogger(component("api")),
		WithHTTPPublisher(bus),
		WithScheduler(scheduler),
	)

	logger.Info().
		Int("indexers", len(indexers)).
		Str("downloader", client.Type()).
		Msg("configuration loaded")

	return &Server{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		recorder:   recorder,
		client:     client,
		transferer: transferer,
		scheduler:  scheduler,
		httpServer: httpServer,
		logger:     logger,
	}, nil
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.Server.Listen).
		Str("database", s.cfg.Database.Path).
		Str("downloads_path", s.cfg.Downloader.DownloadsPath).
		Msg("starting auto3t")

	if err := s.recorder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start events controller: %w", err)
	}
	s.bus.Publish(events.Event{Type: events.SystemStarted})

	// An unreachable client is not fatal; the watcher retries on every pass.
	if err := s.client.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Str("downloader", s.client.Type()).Msg("download client not reachable")
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Start(s.cfg.Server.Listen); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// RunTask runs a pipeline task and its follow-ups once without starting the scheduler
// or the API.
func (s *Server) RunTask(ctx context.Context, name string) error {
	if err := s.recorder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start events controller: %w", err)
	}
	defer func() {
		_ = s.recorder.Stop()
	}()

	return s.scheduler.Run(ctx, name)
}

// PrepareShutdown prepares for graceful shutdown by suppressing expected errors.
// Call this before cancelling the main context.
func (s *Server) PrepareShutdown() {
	s.transferer.PrepareShutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("http server shutdown error")
		errs = append(errs, err)
	}

	s.scheduler.Stop()

	if err := s.recorder.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.bus.Close()

	if err := s.transferer.Close(); err != nil {
		s.logger.Error().Err(err).Msg("transfer engine close error")
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// Close releases resources of a server that was never run.
func (s *Server) Close() error {
	s.bus.Close()
	return errors.Join(s.transferer.Close(), s.store.Close())
}

// Handler returns the HTTP API handler.
func (s *Server) Handler() *HTTPServer {
	return s.httpServer
}
