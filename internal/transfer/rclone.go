package transfer

import (
	"context"
	"fmt"
	"io"
	"log" //nolint:depguard // needed to suppress rclone's internal error logging during shutdown
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/accounting"
	"github.com/rclone/rclone/fs/operations"
	"github.com/rs/zerolog"

	// Import backends we need.
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/sftp"
)

// BackendRclone copies through rclone, reading sources over SFTP when a host is set.
const BackendRclone = "rclone"

// Default rclone configuration values.
const (
	rcloneDefaultParallelConnections = 8
	rcloneDefaultSSHPort             = 22
	rcloneDefaultProgressInterval    = 500 * time.Millisecond
	rcloneDefaultChunkSize           = "64k"           // SFTP chunk size
	rcloneMinChunkSize               = 10 * bytesPerMB // Don't split files if chunks would be under 10MB
)

const bytesPerMB = 1 << 20

// rcloneGlobalsOnce ensures global rclone configuration is only set once.
//
//nolint:gochecknoglobals // sync primitives for thread-safe rclone initialization
var rcloneGlobalsOnce sync.Once

// rcloneNewFsMu serializes fs.NewFs calls to work around race conditions in rclone's
// config loading (github.com/rclone/rclone/issues/8666).
//
//nolint:gochecknoglobals // sync primitives for thread-safe rclone initialization
var rcloneNewFsMu sync.Mutex

// rcloneTransferer implements Transferer using rclone.
type rcloneTransferer struct {
	ssh                 SSHConfig
	parallelConnections int
	speedLimit          int64
	logger              zerolog.Logger

	// Cached source filesystem to reuse connections
	srcFs   fs.Fs
	srcOnce sync.Once
	srcErr  error
}

// setLogger implements configurable for shared options.
func (t *rcloneTransferer) setLogger(logger zerolog.Logger) {
	t.logger = logger
}

// NewRclone creates a new rclone transferer and returns it as Transferer.
func NewRclone(opts Options, options ...Option) Transferer {
	parallelConnections := opts.ParallelConnections
	if parallelConnections == 0 {
		parallelConnections = rcloneDefaultParallelConnections
	}

	sshPort := opts.SSH.Port
	if sshPort == 0 {
		sshPort = rcloneDefaultSSHPort
	}

	t := &rcloneTransferer{
		ssh: SSHConfig{
			Host:           opts.SSH.Host,
			Port:           sshPort,
			User:           opts.SSH.User,
			KeyFile:        opts.SSH.KeyFile,
			KnownHostsFile: opts.SSH.KnownHostsFile,
			IgnoreHostKey:  opts.SSH.IgnoreHostKey,
		},
		parallelConnections: parallelConnections,
		speedLimit:          opts.SpeedLimit,
		logger:              zerolog.Nop(),
	}

	for _, opt := range options {
		opt(t)
	}

	// Configure global rclone settings
	t.configureGlobals()

	return t
}

// configureGlobals applies the process-wide rclone settings. They are global in
// rclone, so the first transferer created wins.
func (t *rcloneTransferer) configureGlobals() {
	rcloneGlobalsOnce.Do(func() {
		ci := fs.GetConfig(context.Background())

		// The archiver places one file at a time per download.
		ci.Transfers = 1
		ci.Checkers = 1
		ci.MultiThreadStreams = t.parallelConnections

		// Split only files whose chunks would each be at least rcloneMinChunkSize.
		ci.MultiThreadCutoff = fs.SizeSuffix(t.parallelConnections * rcloneMinChunkSize)
		ci.StreamingUploadCutoff = 0

		if t.speedLimit > 0 {
			ci.BwLimit = fs.BwTimetable{
				{Bandwidth: fs.BwPair{
					Tx: fs.SizeSuffix(t.speedLimit),
					Rx: fs.SizeSuffix(t.speedLimit),
				}},
			}
		}

		ci.LogLevel = fs.LogLevelError
	})
}

// Name returns the name of the transfer backend.
func (t *rcloneTransferer) Name() string {
	return BackendRclone
}

// PrepareShutdown suppresses rclone error logging during shutdown.
// Call this before cancelling contexts to avoid noisy "context canceled" errors.
func (t *rcloneTransferer) PrepareShutdown() {
	// Suppress standard library log output (used by rclone for some errors)
	log.SetOutput(io.Discard)

	// Set rclone log level to suppress error messages
	ci := fs.GetConfig(context.Background())
	ci.LogLevel = fs.LogLevelEmergency
}

// Close releases any resources held by the transferer.
func (t *rcloneTransferer) Close() error {
	if t.srcFs != nil {
		if shutdowner, ok := t.srcFs.(fs.Shutdowner); ok {
			_ = shutdowner.Shutdown(context.Background())
		}
	}
	return nil
}

// sourceFs returns the cached filesystem sources are read from, rooted at /.
func (t *rcloneTransferer) sourceFs(ctx context.Context) (fs.Fs, error) {
	t.srcOnce.Do(func() {
		if t.ssh.Host == "" {
			rcloneNewFsMu.Lock()
			t.srcFs, t.srcErr = fs.NewFs(ctx, "/")
			rcloneNewFsMu.Unlock()
			return
		}
		t.srcFs, t.srcErr = t.createSFTPFs(ctx)
	})
	return t.srcFs, t.srcErr
}

// sourceObject looks up an absolute source path on the source filesystem.
func (t *rcloneTransferer) sourceObject(ctx context.Context, path string) (fs.Object, error) {
	srcFs, err := t.sourceFs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open source filesystem: %w", err)
	}

	// The filesystem is rooted at /, object names are relative to it.
	obj, err := srcFs.NewObject(ctx, strings.TrimPrefix(filepath.ToSlash(path), "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to get source file %q: %w", path, err)
	}
	return obj, nil
}

// createSFTPFs creates a new SFTP filesystem.
func (t *rcloneTransferer) createSFTPFs(ctx context.Context) (fs.Fs, error) {
	// A connection string gets every backend default applied, unlike a bare config map.
	// Without known_hosts_file rclone accepts any host key.
	knownHostsOpt := ""
	if !t.ssh.IgnoreHostKey && t.ssh.KnownHostsFile != "" {
		knownHostsOpt = fmt.Sprintf(",known_hosts_file=%s", t.ssh.KnownHostsFile)
	}

	connStr := fmt.Sprintf(
		":sftp,host=%s,port=%d,user=%s,key_file=%s%s,"+
			"concurrency=%d,chunk_size=%s,disable_hashcheck=true,"+
			"set_modtime=false,skip_links=true,shell_type=none:/",
		t.ssh.Host,
		t.ssh.Port,
		t.ssh.User,
		t.ssh.KeyFile,
		knownHostsOpt,
		t.parallelConnections,
		rcloneDefaultChunkSize,
	)

	rcloneNewFsMu.Lock()
	sftpFs, err := fs.NewFs(ctx, connStr)
	rcloneNewFsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp filesystem: %w", err)
	}

	t.logger.Info().
		Str("host", t.ssh.Host).
		Int("port", t.ssh.Port).
		Str("user", t.ssh.User).
		Int("concurrency", t.parallelConnections).
		Msg("rclone sftp source connected")

	return sftpFs, nil
}

// Transfer copies a file to the local library using rclone.
func (t *rcloneTransferer) Transfer(ctx context.Context, req Request, onProgress ProgressFunc) error {
	t.logger.Debug().
		Str("source", req.Source).
		Str("destination", req.Destination).
		Int64("size", req.Size).
		Msg("starting rclone transfer")

	srcObj, err := t.sourceObject(ctx, req.Source)
	if err != nil {
		return err
	}

	dstDir := filepath.Dir(req.Destination)
	if mkdirErr := os.MkdirAll(dstDir, 0750); mkdirErr != nil {
		return fmt.Errorf("failed to create destination directory: %w", mkdirErr)
	}

	rcloneNewFsMu.Lock()
	dstFs, err := fs.NewFs(ctx, dstDir)
	rcloneNewFsMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create destination filesystem: %w", err)
	}

	return t.copyWithProgress(ctx, dstFs, srcObj, filepath.Base(req.Destination), onProgress)
}

// Remove deletes a source file through the source filesystem.
func (t *rcloneTransferer) Remove(ctx context.Context, path string) error {
	obj, err := t.sourceObject(ctx, path)
	if err != nil {
		return err
	}
	if err = obj.Remove(ctx); err != nil {
		return fmt.Errorf("failed to remove %q: %w", path, err)
	}
	return nil
}

// copyWithProgress copies a file and reports progress using per-transfer stats.
func (t *rcloneTransferer) copyWithProgress(
	ctx context.Context,
	dstFs fs.Fs,
	srcObj fs.Object,
	dstFileName string,
	onProgress ProgressFunc,
) error {
	// A stats group per copy keeps byte counts of concurrent archivers apart.
	groupName := fmt.Sprintf("transfer-%s-%d", dstFileName, time.Now().UnixNano())
	transferCtx := accounting.WithStatsGroup(ctx, groupName)
	stats := accounting.StatsGroup(transferCtx, groupName)

	var wg sync.WaitGroup
	done := make(chan struct{})
	startTime := time.Now()

	if onProgress != nil {
		wg.Go(func() {
			t.monitorProgress(stats, onProgress, done)
		})
	}

	_, err := operations.Copy(transferCtx, dstFs, nil, dstFileName, srcObj)

	close(done)
	wg.Wait()

	if err != nil {
		return fmt.Errorf("copy failed: %w", err)
	}

	elapsed := time.Since(startTime).Seconds()
	var speed int64
	if elapsed > 0 {
		speed = int64(float64(srcObj.Size()) / elapsed)
	}

	if onProgress != nil {
		onProgress(Progress{
			Transferred: srcObj.Size(),
			BytesPerSec: speed,
		})
	}

	t.logger.Debug().
		Str("file", srcObj.Remote()).
		Int64("size", srcObj.Size()).
		Str("speed", humanize.IBytes(uint64(max(speed, 0)))+"/s").
		Msg("rclone transfer complete")

	return nil
}

// monitorProgress periodically reports transfer progress from the stats group.
func (t *rcloneTransferer) monitorProgress(
	stats *accounting.StatsInfo,
	onProgress ProgressFunc,
	done chan struct{},
) {
	ticker := time.NewTicker(rcloneDefaultProgressInterval)
	defer ticker.Stop()

	var lastBytes int64
	var lastTime time.Time

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			now := time.Now()
			bytes := stats.GetBytes()

			var speed int64
			if !lastTime.IsZero() && bytes > lastBytes {
				elapsed := now.Sub(lastTime).Seconds()
				if elapsed > 0 {
					speed = int64(float64(bytes-lastBytes) / elapsed)
				}
			}
			lastBytes = bytes
			lastTime = now

			onProgress(Progress{
				Transferred: bytes,
				BytesPerSec: speed,
			})
		}
	}
}
