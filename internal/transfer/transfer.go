// Package transfer provides the engines that copy finished downloads into the library.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/config"
)

// ErrUnknownEngine is returned by New for an engine it does not know.
var ErrUnknownEngine = errors.New("unknown transfer engine")

// configurable is implemented by all transferers to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
}

// Option is a functional option for configuring transferers.
type Option func(configurable)

// WithLogger sets the logger for any transferer.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

// SSHConfig holds SSH connection configuration for a remote source.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	KnownHostsFile string // Path to known_hosts file (empty if IgnoreHostKey is true)
	IgnoreHostKey  bool   // Skip host key verification
}

// Options holds configuration for creating an rclone Transferer.
type Options struct {
	// SSH reads sources from a remote host when Host is set, the local disk otherwise.
	SSH SSHConfig

	// ParallelConnections is the number of parallel connections/streams per file
	ParallelConnections int

	// SpeedLimit in bytes per second (0 = unlimited)
	SpeedLimit int64
}

// Request represents a single file placement.
type Request struct {
	// Source is the full path of the downloaded file as the download client stored it.
	Source string

	// Destination is the full library path the file should end up at.
	Destination string

	// Size is the expected size of the file in bytes
	Size int64
}

// Progress represents the current progress of a transfer.
type Progress struct {
	// Transferred is the number of bytes transferred so far
	Transferred int64

	// BytesPerSec is the current transfer speed
	BytesPerSec int64
}

// ProgressFunc is a callback function for progress updates.
type ProgressFunc func(Progress)

// Transferer is the interface for copy engines.
type Transferer interface {
	// Transfer copies Source to Destination. The destination only appears once the
	// copy is complete. The onProgress callback may be nil.
	Transfer(ctx context.Context, req Request, onProgress ProgressFunc) error

	// Remove deletes a source file.
	Remove(ctx context.Context, path string) error

	// Name returns the name of the engine.
	Name() string

	// PrepareShutdown is called before context cancellation to allow the backend
	// to suppress expected error messages during graceful shutdown.
	PrepareShutdown()

	// Close releases any resources held by the transferer.
	Close() error
}

// mover is implemented by engines that can rename a source in place.
type mover interface {
	Move(ctx context.Context, req Request) error
}

// New creates the engine selected by cfg.Archive.Engine.
func New(cfg config.Config, options ...Option) (Transferer, error) {
	switch cfg.Archive.Engine {
	case config.EngineLocal, "":
		return NewLocal(options...), nil
	case config.EngineRclone:
		ssh := cfg.Downloader.SSH
		return NewRclone(Options{
			SSH: SSHConfig{
				Host:           ssh.Host,
				Port:           ssh.Port,
				User:           ssh.User,
				KeyFile:        ssh.KeyFile,
				KnownHostsFile: ssh.KnownHostsFile,
				IgnoreHostKey:  ssh.IgnoreHostKey,
			},
			ParallelConnections: cfg.Archive.ParallelConnections,
			SpeedLimit:          cfg.Archive.SpeedLimit,
		}, options...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, cfg.Archive.Engine)
	}
}
