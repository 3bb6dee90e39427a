// Package orchestrator runs the pipeline tasks on a pool of workers and chains them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/events"
)

// Task names.
const (
	TaskRefreshStatus   = "refresh-status"
	TaskDownloadWatcher = "download-watcher"
	TaskArchiver        = "archiver"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrUnknownTask is returned for a task name the scheduler does not know.
var ErrUnknownTask = errors.New("unknown task")

// Tasks lists every task name.
func Tasks() []string {
	return []string{TaskRefreshStatus, TaskDownloadWatcher, TaskArchiver}
}

// StatusRefresher advances targets and finds downloads. It reports whether the
// download watcher has work.
type StatusRefresher interface {
	Refresh(ctx context.Context) (bool, error)
}

// DownloadWatcher hands pending downloads to the client and follows their progress.
type DownloadWatcher interface {
	AddPending(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (hadActive, newlyFinished bool, err error)
}

// Archiver places finished downloads into the library.
type Archiver interface {
	HasFinished(ctx context.Context) (bool, error)
	ArchiveFinished(ctx context.Context) (int, error)
}

// Scheduler runs tasks on a fixed number of workers. A task is queued at most once: it
// cannot be scheduled again while pending or running.
type Scheduler struct {
	refresher StatusRefresher
	watcher   DownloadWatcher
	archiver  Archiver

	workers         int
	repollInterval  time.Duration
	refreshInterval time.Duration
	publisher       events.Publisher
	logger          zerolog.Logger

	queue chan string

	mu      sync.Mutex
	guarded map[string]bool
	timers  map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithPublisher sets where task failures are published.
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) {
		s.publisher = p
	}
}

// WithWorkers sets how many tasks run at the same time.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRepollInterval sets the delay before the download watcher runs again.
func WithRepollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.repollInterval = d
	}
}

// WithRefreshInterval sets how often the status refresh runs on its own. Zero disables
// the periodic run.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.refreshInterval = d
	}
}

// New creates a new Scheduler.
func New(refresher StatusRefresher, watcher DownloadWatcher, archiver Archiver, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher:       refresher,
		watcher:         watcher,
		archiver:        archiver,
		workers:         config.DefaultWorkers,
		repollInterval:  config.DefaultRepollInterval,
		refreshInterval: config.DefaultRefreshInterval,
		publisher:       events.Nop{},
		logger:          zerolog.Nop(),
		// The guard allows one entry per task, so the queue never blocks.
		queue:   make(chan string, len(Tasks())),
		guarded: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
		ctx:     context.Background(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the workers and the periodic status refresh, which also runs once
// right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for range s.workers {
		s.wg.Go(s.work)
	}
	s.wg.Go(s.refreshLoop)

	s.logger.Info().
		Int("workers", s.workers).
		Dur("refresh_interval", s.refreshInterval).
		Msg("scheduler started")
	return nil
}

// Stop cancels pending timers and waits, up to a timeout, for running tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug().Msg("all workers completed cleanly")
	case <-time.After(defaultShutdownTimeout):
		s.logger.Warn().Msg("timeout waiting for workers, some tasks may still be running")
	}

	s.logger.Info().Msg("scheduler stopped")
}

// ScheduleIn queues a task to run after delay. It reports false when the task is
// already pending or running.
func (s *Scheduler) ScheduleIn(name string, delay time.Duration) (bool, error) {
	if !slices.Contains(Tasks(), name) {
		return false, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.guarded[name] {
		s.logger.Debug().Str("task", name).Msg("task already scheduled")
		return false, nil
	}
	if s.ctx.Err() != nil {
		return false, s.ctx.Err()
	}
	s.guarded[name] = true

	if delay <= 0 {
		s.queue <- name
		return true, nil
	}
	s.timers[name] = time.AfterFunc(delay, func() { s.enqueue(name) })
	s.logger.Debug().Str("task", name).Dur("delay", delay).Msg("task scheduled")
	return true, nil
}

// Scheduled returns the tasks that are pending or running.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for _, name := range Tasks() {
		if s.guarded[name] {
			names = append(names, name)
		}
	}
	return names
}

// Run executes a task now and then the tasks it chains to, one after another and
// without their delays. Each task runs at most once, so a watcher that would poll again
// is not repeated.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	if !slices.Contains(Tasks(), name) {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}

	var errs []error
	ran := make(map[string]bool)
	pending := []string{name}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		current := pending[0]
		pending = pending[1:]
		if ran[current] {
			continue
		}
		ran[current] = true

		s.logger.Debug().Str("task", current).Msg("running task")
		next, err := s.execute(ctx, current)
		if err != nil {
			errs = append(errs, err)
		}
		for _, f := range next {
			pending = append(pending, f.name)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) enqueue(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, name)
	if s.ctx.Err() != nil {
		delete(s.guarded, name)
		return
	}
	s.queue <- name
}

func (s *Scheduler) work() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case name := <-s.queue:
			s.runTask(name)
		}
	}
}

func (s *Scheduler) refreshLoop() {
	if s.refreshInterval <= 0 {
		s.schedule(TaskRefreshStatus, 0)
		return
	}

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	s.schedule(TaskRefreshStatus, 0)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.schedule(TaskRefreshStatus, 0)
		}
	}
}

// followUp is a task to schedule after another one finished.
type followUp struct {
	name  string
	delay time.Duration
}

func (s *Scheduler) runTask(name string) {
	logger := s.logger.With().Str("task", name).Logger()
	start := time.Now()
	logger.Debug().Msg("task started")

	next, err := s.execute(s.ctx, name)

	// Release the guard before chaining so a task can reschedule itself.
	s.mu.Lock()
	delete(s.guarded, name)
	s.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("task failed")
		s.publisher.Publish(events.Event{
			Type: events.TaskFailed,
			Data: map[string]any{"task": name, "error": err.Error()},
		})
	} else {
		logger.Debug().Dur("duration", time.Since(start)).Msg("task completed")
	}

	for _, f := range next {
		s.schedule(f.name, f.delay)
	}
}

func (s *Scheduler) schedule(name string, delay time.Duration) {
	if _, err := s.ScheduleIn(name, delay); err != nil && s.ctx.Err() == nil {
		s.logger.Error().Err(err).Str("task", name).Msg("failed to schedule task")
	}
}

// execute runs one task and returns the tasks it chains to. Follow-ups are returned
// even when the task failed part way.
func (s *Scheduler) execute(ctx context.Context, name string) ([]followUp, error) {
	switch name {
	case TaskRefreshStatus:
		var next []followUp
		work, err := s.refresher.Refresh(ctx)
		if work {
			added, addErr := s.watcher.AddPending(ctx)
			if added > 0 {
				s.logger.Info().Int("count", added).Msg("pending downloads added")
			}
			err = errors.Join(err, addErr)
			next = append(next, followUp{TaskDownloadWatcher, s.repollInterval})
		}

		// Downloads an earlier archive pass failed on are retried here.
		finished, finErr := s.archiver.HasFinished(ctx)
		if finished {
			next = append(next, followUp{TaskArchiver, 0})
		}
		return next, errors.Join(err, finErr)

	case TaskDownloadWatcher:
		hadActive, newlyFinished, err := s.watcher.Reconcile(ctx)
		var next []followUp
		if hadActive {
			next = append(next, followUp{TaskDownloadWatcher, s.repollInterval})
		}
		if newlyFinished {
			next = append(next, followUp{TaskArchiver, 0})
		}
		return next, err

	case TaskArchiver:
		archived, err := s.archiver.ArchiveFinished(ctx)
		if archived > 0 {
			s.logger.Info().Int("count", archived).Msg("downloads archived")
		}
		return nil, err

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
}
