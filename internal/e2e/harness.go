//go:build e2e

// Package e2e provides end-to-end testing infrastructure.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/auto3t/auto3t/apitypes"
	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/server"
	testutil "github.com/auto3t/auto3t/internal/testing"
)

// Test configuration constants.
const (
	serverShutdownTimeout = 10 * time.Second
	pollSleepInterval     = 20 * time.Millisecond
	testMinSize           = 1024
)

// Harness provides a complete test environment for end-to-end tests.
// It manages mock servers and the application server.
type Harness struct {
	t *testing.T

	// Mock servers
	Indexer     *testutil.IndexerServer
	QBittorrent *testutil.QBittorrentServer

	// Application server
	Server *server.Server
	Config config.Config

	// File paths
	DownloadsPath string
	TVRoot        string
	MovieRoot     string

	// Internal
	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan error
}

// Config configures the E2E test harness.
type Config struct {
	// RepollInterval is how often the download watcher polls while transfers are active.
	RepollInterval time.Duration

	// Strategy is the archive strategy.
	Strategy string

	// Logger for the application server
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults for E2E tests.
func DefaultConfig() Config {
	return Config{
		RepollInterval: 50 * time.Millisecond,
		Strategy:       config.StrategyMove,
		Logger:         zerolog.Nop(),
	}
}

// NewHarness creates the mock servers and the application server. Targets may be
// ingested before Start so the first refresh pass picks them up.
func NewHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()

	h := &Harness{
		t:           t,
		Indexer:     testutil.NewIndexerServer(),
		QBittorrent: testutil.NewQBittorrentServer(),
	}
	t.Cleanup(h.Indexer.Close)
	t.Cleanup(h.QBittorrent.Close)

	appCfg := testutil.ValidConfig(t)
	jackett := appCfg.Indexers["jackett"]
	jackett.URL = h.Indexer.URL
	appCfg.Indexers["jackett"] = jackett
	appCfg.Downloader.URL = h.QBittorrent.URL
	appCfg.Archive.Strategy = cfg.Strategy
	appCfg.Media.MinSize = testMinSize
	appCfg.Scheduler.RepollInterval = cfg.RepollInterval

	h.Config = appCfg
	h.DownloadsPath = appCfg.Downloader.DownloadsPath
	h.TVRoot = appCfg.Library.TVRoot
	h.MovieRoot = appCfg.Library.MovieRoot
	require.NoError(t, os.MkdirAll(h.DownloadsPath, 0750))

	srv, err := server.New(context.Background(), appCfg, server.Options{Logger: cfg.Logger})
	require.NoError(t, err, "failed to create server")
	h.Server = srv

	return h
}

// Start runs the application server in the background.
func (h *Harness) Start(ctx context.Context) {
	h.t.Helper()

	h.ctx, h.ctxCancel = context.WithCancel(ctx)
	h.done = make(chan error, 1)
	go func() {
		h.done <- h.Server.Run(h.ctx)
	}()
}

// Stop shuts the application server down.
func (h *Harness) Stop() {
	h.t.Helper()

	h.Server.PrepareShutdown()
	h.ctxCancel()
	if err := <-h.done; err != nil {
		h.t.Errorf("server run failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := h.Server.Shutdown(ctx); err != nil {
		h.t.Errorf("server shutdown failed: %v", err)
	}
}

// Ingest adds a target through the API and returns it.
func (h *Harness) Ingest(req apitypes.TargetRequest) apitypes.Target {
	h.t.Helper()

	var target apitypes.Target
	h.call(http.MethodPost, "/api/targets", req, &target)
	return target
}

// Target fetches a target through the API.
func (h *Harness) Target(id string) apitypes.Target {
	h.t.Helper()

	var target apitypes.Target
	h.call(http.MethodGet, "/api/targets/"+id, nil, &target)
	return target
}

// Downloads lists every download through the API.
func (h *Harness) Downloads() []apitypes.Download {
	h.t.Helper()

	var downloads []apitypes.Download
	h.call(http.MethodGet, "/api/downloads", nil, &downloads)
	return downloads
}

// Events lists the recorded status comments.
func (h *Harness) Events() []apitypes.Event {
	h.t.Helper()

	var list []apitypes.Event
	h.call(http.MethodGet, "/api/events", nil, &list)
	return list
}

// MarkArchived confirms a finished target, as the media server would.
func (h *Harness) MarkArchived(id string) apitypes.Target {
	h.t.Helper()

	var target apitypes.Target
	h.call(http.MethodPost, "/api/targets/"+id+"/archived", nil, &target)
	return target
}

// TriggerTask queues a pipeline task through the API and reports whether it was queued.
func (h *Harness) TriggerTask(name string) bool {
	h.t.Helper()

	rec := httptest.NewRecorder()
	h.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/"+name, nil))
	return rec.Code == http.StatusAccepted
}

// WaitForStatus polls until the target reaches status.
func (h *Harness) WaitForStatus(id, status string, timeout time.Duration) apitypes.Target {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		target := h.Target(id)
		if target.Status == status {
			return target
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for %s to be %s (last: %s)", id, status, target.Status)
		}
		time.Sleep(pollSleepInterval)
	}
}

// WaitForAdded polls until the download client received n magnets.
func (h *Harness) WaitForAdded(n int, timeout time.Duration) []string {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		added := h.QBittorrent.Added()
		if len(added) >= n {
			return added
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for %d added magnets (got %d)", n, len(added))
		}
		time.Sleep(pollSleepInterval)
	}
}

// CompleteDownload writes the torrent's files into the downloads folder and marks the
// torrent completed in the client.
func (h *Harness) CompleteDownload(hash string, files ...testutil.FakeFile) {
	h.t.Helper()

	for _, f := range files {
		path := filepath.Join(h.DownloadsPath, f.Name)
		require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0750))
		require.NoError(h.t, os.WriteFile(path, make([]byte, f.Size), 0600))
	}

	h.QBittorrent.SetFiles(hash, files...)
	h.QBittorrent.SetTorrentState(hash, testutil.FakeCompleted, 1.0)
}

func (h *Harness) call(method, path string, body, out any) {
	h.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Server.Handler().ServeHTTP(rec, req)

	require.Equal(h.t, http.StatusOK, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), out))
}
