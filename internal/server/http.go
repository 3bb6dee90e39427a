package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/apitypes"
	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/events"
	"github.com/auto3t/auto3t/internal/orchestrator"
	"github.com/auto3t/auto3t/internal/store"
)

// validIDPattern matches valid ID formats: alphanumeric, hyphens, underscores.
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxIDLength is the maximum allowed length for ID parameters.
const maxIDLength = 256

// defaultEventsLimit is the maximum number of events to return.
const defaultEventsLimit = 100

// validateID checks that an ID parameter is non-empty, reasonable length,
// and contains only safe characters.
func validateID(id string) error {
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	if len(id) > maxIDLength {
		return echo.NewHTTPError(http.StatusBadRequest, "id too long")
	}
	if !validIDPattern.MatchString(id) {
		return echo.NewHTTPError(http.StatusBadRequest, "id contains invalid characters")
	}
	return nil
}

// Store is the persistence the API reads and writes.
type Store interface {
	PutTarget(ctx context.Context, t catalog.Target) (catalog.Target, error)
	GetTarget(ctx context.Context, id string) (catalog.Target, error)
	ListTargets(ctx context.Context, statuses ...catalog.Status) ([]catalog.Target, error)
	ListDownloads(ctx context.Context, states ...catalog.State) ([]catalog.Download, error)
	TargetsForDownload(ctx context.Context, downloadID string) ([]catalog.Target, error)
	ListEvents(ctx context.Context, subjectID string, limit int) ([]store.Event, error)
	PutKeyword(ctx context.Context, kw catalog.Keyword) (catalog.Keyword, error)
	AssignKeyword(ctx context.Context, keywordID string, scope catalog.Scope, key string) error
}

// TargetController changes the status of a single target.
type TargetController interface {
	MarkArchived(ctx context.Context, id string) error
	Ignore(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
}

// TaskScheduler queues pipeline tasks.
type TaskScheduler interface {
	ScheduleIn(name string, delay time.Duration) (bool, error)
}

// HTTPServer is the HTTP API server.
type HTTPServer struct {
	echo      *echo.Echo
	store     Store
	targets   TargetController
	scheduler TaskScheduler
	publisher events.Publisher
	logger    zerolog.Logger
}

// HTTPOption is a functional option for configuring the HTTP server.
type HTTPOption func(*HTTPServer)

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger zerolog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		s.logger = logger
	}
}

// WithHTTPPublisher sets where ingest events are published.
func WithHTTPPublisher(p events.Publisher) HTTPOption {
	return func(s *HTTPServer) {
		s.publisher = p
	}
}

// WithScheduler enables the task trigger endpoint.
func WithScheduler(sched TaskScheduler) HTTPOption {
	return func(s *HTTPServer) {
		s.scheduler = sched
	}
}

// NewHTTPServer creates a new HTTP API server.
func NewHTTPServer(st Store, targets TargetController, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{
		echo:      echo.New(),
		store:     st,
		targets:   targets,
		publisher: events.Nop{},
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *HTTPServer) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
}

func (s *HTTPServer) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", s.healthHandler)
	api.GET("/stats", s.statsHandler)

	// Targets
	api.GET("/targets", s.listTargetsHandler)
	api.POST("/targets", s.putTargetHandler)
	api.GET("/targets/:id", s.getTargetHandler)
	api.GET("/targets/:id/events", s.subjectEventsHandler)
	api.POST("/targets/:id/archived", s.targetActionHandler(s.targets.MarkArchived))
	api.POST("/targets/:id/ignore", s.targetActionHandler(s.targets.Ignore))
	api.POST("/targets/:id/restore", s.targetActionHandler(s.targets.Restore))

	// Downloads
	api.GET("/downloads", s.listDownloadsHandler)
	api.GET("/downloads/:id/events", s.subjectEventsHandler)

	// Keywords
	api.POST("/keywords", s.putKeywordHandler)
	api.POST("/keywords/:id/assign", s.assignKeywordHandler)

	api.GET("/events", s.eventsHandler)
	api.POST("/tasks/:name", s.taskHandler)
}

// Start starts the server.
func (s *HTTPServer) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *HTTPServer) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{Status: "ok"})
}

func (s *HTTPServer) statsHandler(c echo.Context) error {
	ctx := c.Request().Context()

	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return s.internalError(err, "failed to list targets")
	}
	downloads, err := s.store.ListDownloads(ctx)
	if err != nil {
		return s.internalError(err, "failed to list downloads")
	}

	stats := apitypes.Stats{
		Targets:   make(map[string]int),
		Downloads: make(map[string]int),
	}
	for _, t := range targets {
		stats.Targets[statusName(t.Status)]++
	}
	for _, d := range downloads {
		stats.Downloads[string(d.State)]++
	}

	return c.JSON(http.StatusOK, stats)
}

func (s *HTTPServer) listTargetsHandler(c echo.Context) error {
	var statuses []catalog.Status
	for _, st := range c.QueryParams()["status"] {
		statuses = append(statuses, parseStatus(st))
	}

	targets, err := s.store.ListTargets(c.Request().Context(), statuses...)
	if err != nil {
		return s.internalError(err, "failed to list targets")
	}

	response := make([]apitypes.Target, 0, len(targets))
	for _, t := range targets {
		response = append(response, targetToAPIType(t))
	}
	return c.JSON(http.StatusOK, response)
}

func (s *HTTPServer) getTargetHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	t, err := s.store.GetTarget(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "target not found")
	}
	if err != nil {
		return s.internalError(err, "failed to get target")
	}
	return c.JSON(http.StatusOK, targetToAPIType(t))
}

// putTargetHandler ingests a target from the catalog. Existing targets keep their status.
func (s *HTTPServer) putTargetHandler(c echo.Context) error {
	var req apitypes.TargetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ID != "" {
		if err := validateID(req.ID); err != nil {
			return err
		}
	}
	if err := validateTargetRequest(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	t, err := s.store.PutTarget(c.Request().Context(), targetFromRequest(req))
	if err != nil {
		return s.internalError(err, "failed to store target")
	}

	s.publisher.Publish(events.Event{
		Type:    events.TargetIngested,
		Subject: t,
	})

	return c.JSON(http.StatusOK, targetToAPIType(t))
}

func (s *HTTPServer) targetActionHandler(action func(context.Context, string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if err := validateID(id); err != nil {
			return err
		}

		ctx := c.Request().Context()
		err := action(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "target not found")
		case errors.Is(err, catalog.ErrIllegalTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case err != nil:
			return s.internalError(err, "failed to update target")
		}

		t, err := s.store.GetTarget(ctx, id)
		if err != nil {
			return s.internalError(err, "failed to get target")
		}
		return c.JSON(http.StatusOK, targetToAPIType(t))
	}
}

func (s *HTTPServer) listDownloadsHandler(c echo.Context) error {
	ctx := c.Request().Context()

	var states []catalog.State
	for _, st := range c.QueryParams()["state"] {
		states = append(states, catalog.State(st))
	}

	downloads, err := s.store.ListDownloads(ctx, states...)
	if err != nil {
		return s.internalError(err, "failed to list downloads")
	}

	response := make([]apitypes.Download, 0, len(downloads))
	for _, d := range downloads {
		owners, ownersErr := s.store.TargetsForDownload(ctx, d.ID)
		if ownersErr != nil {
			return s.internalError(ownersErr, "failed to list download targets")
		}
		response = append(response, downloadToAPIType(d, owners))
	}
	return c.JSON(http.StatusOK, response)
}

func (s *HTTPServer) eventsHandler(c echo.Context) error {
	limit := defaultEventsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, defaultEventsLimit)
	}
	return s.writeEvents(c, "", limit)
}

func (s *HTTPServer) subjectEventsHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}
	return s.writeEvents(c, id, defaultEventsLimit)
}

func (s *HTTPServer) writeEvents(c echo.Context, subjectID string, limit int) error {
	list, err := s.store.ListEvents(c.Request().Context(), subjectID, limit)
	if err != nil {
		return s.internalError(err, "failed to get events")
	}

	response := make([]apitypes.Event, 0, len(list))
	for _, e := range list {
		response = append(response, apitypes.Event{
			ID:          e.ID,
			Type:        e.Type,
			SubjectType: e.SubjectType,
			SubjectID:   e.SubjectID,
			Message:     e.Message,
			Details:     e.Details,
			CreatedAt:   e.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, response)
}

func (s *HTTPServer) putKeywordHandler(c echo.Context) error {
	var req apitypes.Keyword
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Category == "" || req.Word == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "category and word are required")
	}
	direction := catalog.Direction(req.Direction)
	if direction != catalog.Include && direction != catalog.Exclude {
		return echo.NewHTTPError(http.StatusBadRequest, "direction must be include or exclude")
	}

	kw, err := s.store.PutKeyword(c.Request().Context(), catalog.Keyword{
		Category:     req.Category,
		Word:         req.Word,
		Direction:    direction,
		TVDefault:    req.TVDefault,
		MovieDefault: req.MovieDefault,
	})
	if err != nil {
		return s.internalError(err, "failed to store keyword")
	}

	return c.JSON(http.StatusOK, apitypes.Keyword{
		ID:           kw.ID,
		Category:     kw.Category,
		Word:         kw.Word,
		Direction:    string(kw.Direction),
		TVDefault:    kw.TVDefault,
		MovieDefault: kw.MovieDefault,
	})
}

func (s *HTTPServer) assignKeywordHandler(c echo.Context) error {
	id := c.Param("id")
	if err := validateID(id); err != nil {
		return err
	}

	var req apitypes.KeywordAssignment
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch catalog.Scope(req.Scope) {
	case catalog.ScopeTarget, catalog.ScopeSeason, catalog.ScopeShow, catalog.ScopeCollection:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown scope")
	}
	if req.Key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}

	if err := s.store.AssignKeyword(c.Request().Context(), id, catalog.Scope(req.Scope), req.Key); err != nil {
		return s.internalError(err, "failed to assign keyword")
	}
	return c.NoContent(http.StatusNoContent)
}

// taskHandler queues a pipeline task right away.
func (s *HTTPServer) taskHandler(c echo.Context) error {
	if s.scheduler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler not running")
	}

	name := c.Param("name")
	queued, err := s.scheduler.ScheduleIn(name, 0)
	if errors.Is(err, orchestrator.ErrUnknownTask) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	status := http.StatusAccepted
	if !queued {
		status = http.StatusOK
	}
	return c.JSON(status, apitypes.TaskResponse{Task: name, Queued: queued})
}

func (s *HTTPServer) internalError(err error, msg string) error {
	s.logger.Error().Err(err).Msg(msg)
	return echo.NewHTTPError(http.StatusInternalServerError, msg)
}

func validateTargetRequest(req apitypes.TargetRequest) error {
	switch catalog.Kind(req.Kind) {
	case catalog.KindEpisode:
		if req.ShowKey == "" || req.ShowName == "" {
			return errors.New("episodes need show_key and show_name")
		}
		if !req.IsDaily && req.EpisodeNumber <= 0 {
			return errors.New("episodes need an episode_number")
		}
	case catalog.KindMovie:
		if req.Title == "" {
			return errors.New("movies need a title")
		}
	default:
		return fmt.Errorf("kind must be %q or %q", catalog.KindEpisode, catalog.KindMovie)
	}
	return nil
}

func targetFromRequest(req apitypes.TargetRequest) catalog.Target {
	return catalog.Target{
		ID:            req.ID,
		Kind:          catalog.Kind(req.Kind),
		ShowKey:       req.ShowKey,
		ShowName:      req.ShowName,
		SearchName:    req.SearchName,
		IsDaily:       req.IsDaily,
		TimeZone:      req.TimeZone,
		SeasonNumber:  req.SeasonNumber,
		SeasonEnded:   req.SeasonEnded,
		ShowEnded:     req.ShowEnded,
		EpisodeNumber: req.EpisodeNumber,
		Title:         req.Title,
		ReleaseDate:   req.ReleaseDate,
		Runtime:       req.Runtime,
		Year:          req.Year,
		CollectionKey: req.CollectionKey,
	}
}

func targetToAPIType(t catalog.Target) apitypes.Target {
	return apitypes.Target{
		ID:            t.ID,
		Kind:          string(t.Kind),
		ShowKey:       t.ShowKey,
		ShowName:      t.ShowName,
		SearchName:    t.SearchName,
		IsDaily:       t.IsDaily,
		TimeZone:      t.TimeZone,
		SeasonNumber:  t.SeasonNumber,
		SeasonEnded:   t.SeasonEnded,
		ShowEnded:     t.ShowEnded,
		EpisodeNumber: t.EpisodeNumber,
		Title:         t.Title,
		ReleaseDate:   t.ReleaseDate,
		Runtime:       t.Runtime,
		Year:          t.Year,
		CollectionKey: t.CollectionKey,
		Status:        statusName(t.Status),
		DownloadID:    t.DownloadID,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func downloadToAPIType(d catalog.Download, owners []catalog.Target) apitypes.Download {
	resp := apitypes.Download{
		ID:               d.ID,
		InfoHash:         d.InfoHash,
		Magnet:           d.Magnet,
		Kind:             string(d.Kind),
		State:            string(d.State),
		Progress:         d.Progress,
		HasExpectedFiles: d.HasExpectedFiles.String(),
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	for _, t := range owners {
		resp.Targets = append(resp.Targets, t.ID)
	}
	return resp
}

// parseStatus is the inverse of statusName.
func parseStatus(s string) catalog.Status {
	if s == "none" {
		return catalog.StatusNone
	}
	return catalog.Status(s)
}

// statusName spells out the empty status.
func statusName(st catalog.Status) string {
	if st == catalog.StatusNone {
		return "none"
	}
	return string(st)
}
