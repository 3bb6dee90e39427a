// Package download talks to the torrent client and keeps tracked downloads in sync with it.
package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/config"
)

// ErrUnknownClient is returned for an unsupported downloader type.
var ErrUnknownClient = errors.New("unknown download client type")

// configurable is implemented by all clients to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
}

// Option is a functional option for configuring clients.
type Option func(configurable)

// WithLogger sets the logger for any client.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

// LiveState is the state of a transfer as reported by the torrent client.
type LiveState string

const (
	// LiveQueued means the transfer waits for a download slot or metadata.
	LiveQueued LiveState = "queued"
	// LiveDownloading means data is being transferred.
	LiveDownloading LiveState = "downloading"
	// LiveCompleted means every selected byte is present on disk.
	LiveCompleted LiveState = "completed"
	// LivePaused means the transfer was stopped before it finished.
	LivePaused LiveState = "paused"
	// LiveError means the client reports a problem with the transfer.
	LiveError LiveState = "error"
)

// File is a single file of a transfer, relative to the client's download folder.
type File struct {
	Path string
	Size int64
}

// Torrent is a transfer known to the torrent client.
type Torrent struct {
	// Hash is the lowercase hex info-hash.
	Hash string
	Name string
	// State is the normalized transfer state.
	State LiveState
	// Progress is the completion percentage (0 to 100).
	Progress float64
	Size     int64
	// ActiveFor is how long the transfer has been downloading.
	ActiveFor time.Duration
	// LastActivity is the last time data moved, zero if never.
	LastActivity time.Time
	AddedOn      time.Time
}

// Client is the interface that torrent clients must implement.
type Client interface {
	// Type returns the client type (e.g., "qbittorrent", "transmission").
	Type() string

	// Connect verifies the client is reachable and authenticates.
	Connect(ctx context.Context) error

	// Add hands a magnet URI to the client.
	Add(ctx context.Context, magnet string) error

	// List returns every transfer the client knows.
	List(ctx context.Context) ([]Torrent, error)

	// Files returns the file listing of a transfer. It is empty until the client has
	// fetched the torrent metadata.
	Files(ctx context.Context, hash string) ([]File, error)

	// Remove deletes a transfer, optionally with its data.
	Remove(ctx context.Context, hash string, deleteData bool) error
}

// New creates the client selected by cfg.Type.
func New(cfg config.DownloaderConfig, opts ...Option) (Client, error) {
	switch cfg.Type {
	case config.DownloaderQBittorrent:
		return NewQBittorrent(cfg, opts...), nil
	case config.DownloaderTransmission:
		return NewTransmission(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, cfg.Type)
	}
}
