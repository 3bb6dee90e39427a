package transfer

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/auto3t/auto3t/internal/fileutil"
)

// BackendLocal copies on the local filesystem.
const BackendLocal = "local"

// localTransferer copies and renames files with the standard library. It is used when
// the download client's files are mounted on this host.
type localTransferer struct {
	logger zerolog.Logger
}

// setLogger implements configurable for shared options.
func (t *localTransferer) setLogger(logger zerolog.Logger) {
	t.logger = logger
}

// NewLocal creates a local filesystem transferer.
func NewLocal(options ...Option) Transferer {
	t := &localTransferer{logger: zerolog.Nop()}
	for _, opt := range options {
		opt(t)
	}
	return t
}

func (t *localTransferer) Name() string {
	return BackendLocal
}

func (t *localTransferer) Transfer(ctx context.Context, req Request, onProgress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	if err := fileutil.CopyFile(req.Source, req.Destination); err != nil {
		return err
	}

	size := req.Size
	if info, err := os.Stat(req.Destination); err == nil {
		size = info.Size()
	}
	var speed int64
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		speed = int64(float64(size) / elapsed)
	}
	if onProgress != nil {
		onProgress(Progress{Transferred: size, BytesPerSec: speed})
	}

	t.logger.Debug().
		Str("source", req.Source).
		Str("destination", req.Destination).
		Str("size", humanize.IBytes(uint64(max(size, 0)))).
		Msg("local copy complete")
	return nil
}

// Move renames the source, copying across filesystems when it has to.
func (t *localTransferer) Move(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fileutil.MoveFile(req.Source, req.Destination)
}

func (t *localTransferer) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (t *localTransferer) PrepareShutdown() {}

func (t *localTransferer) Close() error {
	return nil
}
