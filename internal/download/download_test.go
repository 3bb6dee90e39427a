package download_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto3t/auto3t/internal/catalog"
	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/download"
	"github.com/auto3t/auto3t/internal/events"
	"github.com/auto3t/auto3t/internal/matcher"
	"github.com/auto3t/auto3t/internal/store"
	testutil "github.com/auto3t/auto3t/internal/testing"
)

// --- Client Tests ---

func TestNew(t *testing.T) {
	t.Run("qbittorrent", func(t *testing.T) {
		c, err := download.New(config.DownloaderConfig{Type: config.DownloaderQBittorrent, URL: "http://localhost:8080"})
		require.NoError(t, err)
		assert.Equal(t, "qbittorrent", c.Type())
	})

	t.Run("transmission", func(t *testing.T) {
		c, err := download.New(config.DownloaderConfig{Type: config.DownloaderTransmission, URL: "http://localhost:9091"})
		require.NoError(t, err)
		assert.Equal(t, "transmission", c.Type())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := download.New(config.DownloaderConfig{Type: "deluge"})
		assert.True(t, errors.Is(err, download.ErrUnknownClient))
	})
}

// clientCase runs the same behavior against both fake servers.
type clientCase struct {
	name   string
	client func(t *testing.T) (download.Client, fakeServer)
}

type fakeServer interface {
	AddTorrent(testutil.FakeTorrent)
	SetTorrentState(hash string, state testutil.FakeState, progress float64)
	SetFiles(hash string, files ...testutil.FakeFile)
	RemoveTorrent(hash string)
	Torrent(hash string) (testutil.FakeTorrent, bool)
	Added() []string
	Removed() map[string]bool
}

func clientCases() []clientCase {
	return []clientCase{
		{
			name: "qbittorrent",
			client: func(t *testing.T) (download.Client, fakeServer) {
				srv := testutil.NewQBittorrentServer()
				t.Cleanup(srv.Close)
				srv.RequireLogin("admin", "secret")
				return download.NewQBittorrent(config.DownloaderConfig{
					URL: srv.URL, Username: "admin", Password: "secret",
				}), srv
			},
		},
		{
			name: "transmission",
			client: func(t *testing.T) (download.Client, fakeServer) {
				srv := testutil.NewTransmissionServer()
				t.Cleanup(srv.Close)
				srv.RequireAuth("admin", "secret")
				return download.NewTransmission(config.DownloaderConfig{
					URL: srv.RPCURL(), Username: "admin", Password: "secret",
				}), srv
			},
		},
	}
}

func TestClients(t *testing.T) {
	ctx := context.Background()
	uri, hash := testutil.Magnet("Show.S01E02.1080p")

	for _, tc := range clientCases() {
		t.Run(tc.name, func(t *testing.T) {
			t.Run("ConnectAndAdd", func(t *testing.T) {
				c, srv := tc.client(t)
				require.NoError(t, c.Connect(ctx))
				require.NoError(t, c.Add(ctx, uri))

				assert.Equal(t, []string{uri}, srv.Added())
				got, ok := srv.Torrent(hash)
				require.True(t, ok)
				assert.Equal(t, "Show.S01E02.1080p", got.Name)
			})

			t.Run("ListMapsStates", func(t *testing.T) {
				c, srv := tc.client(t)
				srv.AddTorrent(testutil.FakeTorrent{Hash: "AAAA", Name: "a", State: testutil.FakeQueued})
				srv.AddTorrent(testutil.FakeTorrent{Hash: "bbbb", Name: "b", State: testutil.FakeDownloading, Progress: 0.423})
				srv.AddTorrent(testutil.FakeTorrent{Hash: "cccc", Name: "c", State: testutil.FakeCompleted, Progress: 1})
				srv.AddTorrent(testutil.FakeTorrent{Hash: "dddd", Name: "d", State: testutil.FakePaused, Progress: 0.5})

				torrents, err := c.List(ctx)
				require.NoError(t, err)
				require.Len(t, torrents, 4)

				byHash := make(map[string]download.Torrent)
				for _, tr := range torrents {
					byHash[tr.Hash] = tr
				}
				assert.Equal(t, download.LiveQueued, byHash["aaaa"].State)
				assert.Equal(t, download.LiveDownloading, byHash["bbbb"].State)
				assert.InDelta(t, 42.3, byHash["bbbb"].Progress, 0.001)
				assert.Equal(t, download.LiveCompleted, byHash["cccc"].State)
				assert.Equal(t, download.LivePaused, byHash["dddd"].State)
			})

			t.Run("FilesEmptyUntilMetadata", func(t *testing.T) {
				c, srv := tc.client(t)
				srv.AddTorrent(testutil.FakeTorrent{Hash: hash, Name: "n"})

				files, err := c.Files(ctx, hash)
				require.NoError(t, err)
				assert.Empty(t, files)

				srv.SetFiles(hash,
					testutil.FakeFile{Name: "n/n.mkv", Size: 2 * testutil.GiB},
					testutil.FakeFile{Name: "n/n.nfo", Size: 100},
				)
				files, err = c.Files(ctx, hash)
				require.NoError(t, err)
				assert.Equal(t, []download.File{
					{Path: "n/n.mkv", Size: 2 * testutil.GiB},
					{Path: "n/n.nfo", Size: 100},
				}, files)
			})

			t.Run("RemoveWithData", func(t *testing.T) {
				c, srv := tc.client(t)
				srv.AddTorrent(testutil.FakeTorrent{Hash: hash, Name: "n"})

				require.NoError(t, c.Remove(ctx, hash, true))
				_, ok := srv.Torrent(hash)
				assert.False(t, ok)
				assert.Equal(t, map[string]bool{hash: true}, srv.Removed())
			})
		})
	}
}

func TestQBittorrentSession(t *testing.T) {
	ctx := context.Background()

	t.Run("LogsInAgainWhenSessionExpires", func(t *testing.T) {
		srv := testutil.NewQBittorrentServer()
		defer srv.Close()
		srv.RequireLogin("admin", "secret")

		c := download.NewQBittorrent(config.DownloaderConfig{URL: srv.URL, Username: "admin", Password: "secret"})
		require.NoError(t, c.Connect(ctx))
		assert.Equal(t, 1, srv.Logins())

		srv.ExpireSessions()
		_, err := c.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, srv.Logins())
	})

	t.Run("WrongCredentials", func(t *testing.T) {
		srv := testutil.NewQBittorrentServer()
		defer srv.Close()
		srv.RequireLogin("admin", "secret")

		c := download.NewQBittorrent(config.DownloaderConfig{URL: srv.URL, Username: "admin", Password: "nope"})
		assert.Error(t, c.Connect(ctx))
	})

	t.Run("NoCredentialsAgainstProtectedServer", func(t *testing.T) {
		srv := testutil.NewQBittorrentServer()
		defer srv.Close()
		srv.RequireLogin("admin", "secret")

		c := download.NewQBittorrent(config.DownloaderConfig{URL: srv.URL})
		assert.Error(t, c.Connect(ctx))
	})

	t.Run("StateStrings", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[
				{"hash":"1","state":"metaDL","progress":0},
				{"hash":"2","state":"stalledDL","progress":0.1},
				{"hash":"3","state":"uploading","progress":1},
				{"hash":"4","state":"stoppedDL","progress":0.2},
				{"hash":"5","state":"missingFiles","progress":1},
				{"hash":"6","state":"queuedUP","progress":1}
			]`))
		}))
		defer server.Close()

		c := download.NewQBittorrent(config.DownloaderConfig{URL: server.URL})
		torrents, err := c.List(ctx)
		require.NoError(t, err)

		want := []download.LiveState{
			download.LiveQueued,
			download.LiveDownloading,
			download.LiveCompleted,
			download.LivePaused,
			download.LiveError,
			download.LiveCompleted,
		}
		require.Len(t, torrents, len(want))
		for i, tr := range torrents {
			assert.Equal(t, want[i], tr.State, "torrent %s", tr.Hash)
		}
	})
}

func TestTransmissionSession(t *testing.T) {
	ctx := context.Background()

	t.Run("HandshakeOnceThenReuse", func(t *testing.T) {
		srv := testutil.NewTransmissionServer()
		defer srv.Close()

		c := download.NewTransmission(config.DownloaderConfig{URL: srv.RPCURL()})
		require.NoError(t, c.Connect(ctx))
		_, err := c.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, srv.Conflicts())

		srv.RotateSession()
		_, err = c.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, srv.Conflicts())
	})

	t.Run("Unauthorized", func(t *testing.T) {
		srv := testutil.NewTransmissionServer()
		defer srv.Close()
		srv.RequireAuth("admin", "secret")

		c := download.NewTransmission(config.DownloaderConfig{URL: srv.RPCURL(), Username: "admin", Password: "x"})
		assert.Error(t, c.Connect(ctx))
	})

	t.Run("RejectedMagnet", func(t *testing.T) {
		srv := testutil.NewTransmissionServer()
		defer srv.Close()

		c := download.NewTransmission(config.DownloaderConfig{URL: srv.RPCURL()})
		assert.Error(t, c.Add(ctx, "magnet:?dn=nohash"))
	})
}

// --- Monitor Tests ---

type monitorEnv struct {
	db      *store.Store
	srv     *testutil.QBittorrentServer
	bus     *events.Bus
	sub     events.Subscription
	monitor *download.Monitor
}

func newMonitorEnv(t *testing.T, opts ...download.MonitorOption) *monitorEnv {
	t.Helper()

	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := testutil.NewQBittorrentServer()
	t.Cleanup(srv.Close)

	bus := events.New()
	t.Cleanup(bus.Close)

	client := download.NewQBittorrent(config.DownloaderConfig{URL: srv.URL})
	opts = append([]download.MonitorOption{download.WithPublisher(bus)}, opts...)

	return &monitorEnv{
		db:      db,
		srv:     srv,
		bus:     bus,
		sub:     bus.Subscribe(),
		monitor: download.NewMonitor(client, db, matcher.New(), opts...),
	}
}

// attach creates a searching episode and a download attached to it.
func (e *monitorEnv) attach(t *testing.T, episode int, name string) (catalog.Target, catalog.Download) {
	t.Helper()
	ctx := context.Background()

	target, err := e.db.PutTarget(ctx, catalog.Target{
		Kind:          catalog.KindEpisode,
		ShowKey:       "show",
		ShowName:      "Show",
		SeasonNumber:  1,
		EpisodeNumber: episode,
		Title:         "Pilot",
		Status:        catalog.StatusSearching,
	})
	require.NoError(t, err)

	uri, hash := testutil.Magnet(name)
	d, _, err := e.db.UpsertDownload(ctx, uri, hash, catalog.KindEpisode)
	require.NoError(t, err)
	_, err = e.db.AttachDownload(ctx, d.ID, []string{target.ID})
	require.NoError(t, err)

	return target, d
}

func (e *monitorEnv) download(t *testing.T, id string) catalog.Download {
	t.Helper()
	d, err := e.db.GetDownload(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (e *monitorEnv) target(t *testing.T, id string) catalog.Target {
	t.Helper()
	got, err := e.db.GetTarget(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (e *monitorEnv) drain() []events.Type {
	var types []events.Type
	for {
		select {
		case ev := <-e.sub:
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func TestAddPending(t *testing.T) {
	ctx := context.Background()
	env := newMonitorEnv(t)
	_, d := env.attach(t, 1, "Show.S01E01.1080p")

	added, err := env.monitor.AddPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	assert.Equal(t, []string{d.Magnet}, env.srv.Added())
	assert.Equal(t, catalog.StateQueued, env.download(t, d.ID).State)
	assert.Contains(t, env.drain(), events.DownloadAdded)

	added, err = env.monitor.AddPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("NothingTrackedIsNoop", func(t *testing.T) {
		env := newMonitorEnv(t)
		hadActive, finished, err := env.monitor.Reconcile(ctx)
		require.NoError(t, err)
		assert.False(t, hadActive)
		assert.False(t, finished)
	})

	t.Run("ProgressAndCompletion", func(t *testing.T) {
		env := newMonitorEnv(t)
		target, d := env.attach(t, 1, "Show.S01E01.1080p")
		_, err := env.monitor.AddPending(ctx)
		require.NoError(t, err)

		env.srv.SetFiles(d.InfoHash, testutil.FakeFile{Name: "Show.S01E01.1080p/Show.S01E01.1080p.mkv", Size: 2 * testutil.GiB})
		env.srv.SetTorrentState(d.InfoHash, testutil.FakeDownloading, 0.421)

		hadActive, finished, err := env.monitor.Reconcile(ctx)
		require.NoError(t, err)
		assert.True(t, hadActive)
		assert.False(t, finished)

		got := env.download(t, d.ID)
		assert.Equal(t, catalog.StateDownloading, got.State)
		require.NotNil(t, got.Progress)
		assert.Equal(t, 43, *got.Progress)
		assert.Equal(t, catalog.Confirmed, got.HasExpectedFiles)

		env.srv.SetTorrentState(d.InfoHash, testutil.FakeCompleted, 1)
		hadActive, finished, err = env.monitor.Reconcile(ctx)
		require.NoError(t, err)
		assert.True(t, hadActive)
		assert.True(t, finished)

		got = env.download(t, d.ID)
		assert.Equal(t, catalog.StateFinished, got.State)
		assert.Nil(t, got.Progress)
		assert.Equal(t, catalog.StatusDownloading, env.target(t, target.ID).Status)
	})

	t.Run("Idempotent", func(t *testing.T) {
		env := newMonitorEnv(t)
		_, d := env.attach(t, 1, "Show.S01E01.1080p")
		_, err := env.monitor.AddPending(ctx)
		require.NoError(t, err)
		env.srv.SetTorrentState(d.InfoHash, testutil.FakeDownloading, 0.5)

		_, _, err = env.monitor.Reconcile(ctx)
		require.NoError(t, err)
		first := env.download(t, d.ID)
		env.drain()

		_, _, err = env.monitor.Reconcile(ctx)
		require.NoError(t, err)
		second := env.download(t, d.ID)

		assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
		assert.Empty(t, env.drain())
	})

	t.Run("QueuedKeepsNonZeroProgress", func(t *testing.T) {
		env := newMonitorEnv(t)
		_, d := env.attach(t, 1, "Show.S01E01.1080p")
		_, err := env.monitor.AddPending(ctx)
		require.NoError(t, err)
		env.srv.SetTorrentState(d.InfoHash, testutil.FakeQueued, 0.1)

		_, _, err = env.monitor.Reconcile(ctx)
		require.NoError(t, err)

		got := env.download(t, d.ID)
		assert.Equal(t, catalog.StateQueued, got.State)
		require.NotNil(t, got.Progress)
		assert.Equal(t, 10, *got.Progress)
	})

	t.Run("VanishedDownloadIsIgnored", func(t *testing.T) {
		env := newMonitorEnv(t)
		target, d := env.attach(t, 1, "Show.S01E01.1080p")
		_, err := env.monitor.AddPending(ctx)
		require.NoError(t, err)

		env.srv.RemoveTorrent(d.InfoHash)
		hadActive, _, err := env.monitor.Reconcile(ctx)
		require.NoError(t, err)
		assert.True(t, hadActive)

		assert.Equal(t, catalog.StateIgnored, env.download(t, d.ID).State)
		got := env.target(t, target.ID)
		assert.Equal(t, catalog.StatusSearching, got.Status)
		assert.Empty(t, got.DownloadID)

		types := env.drain()
		assert.Contains(t, types, events.DownloadCancelled)
		assert.Contains(t, types, events.TargetStatusChanged)
	})

	t.Run("WrongFilesCancel", func(t *testing.T) {
		env := newMonitorEnv(t)
		target, d := env.attach(t, 1, "Show.S01E01.1080p")
		_, err := env.monitor.AddPending(ctx)
		require.NoError(t, err)

		env.srv.SetFiles(d.InfoHash, testutil.FakeFile{Name: "Show.S01E07.1080p.mkv", Size: 2 * testutil.GiB})
		env.srv.SetTorrentState(d.InfoHash, testutil.FakeDownloading, 0.2)

		_, finished, err := env.monitor.Reconcile(ctx)
		require.NoError(t, err)
		assert.False(t, finished)

		got := env.download(t, d.ID)
		assert.Equal(t, catalog.StateIgnored, got.State)
		assert.Equal(t, catalog.Failed, got.HasExpectedFiles)
		assert.Equal(t, map[string]bool{d.InfoHash: true}, env.srv.Removed())
		assert.Equal(t, catalog.StatusSearching, env.target(t, target.ID).Status)
	})

	t.Run("StallDetection", func(t *testing.T) {
		now := time.Now()
		env := newMonitorEnv(t,
			download.WithStallTimeout(time.Hour),
			download.WithClock(func() time.Time { return now }),
		)
		_, stalled := env.attach(t, 1, "Show.S01E01.1080p")
		_, fresh := env.attach(t, 2, "Show.S01E02.1080p")
		_, err := env.monitor.AddPending(ctx)
		require.NoError(t, err)

		env.srv.AddTorrent(testutil.FakeTorrent{
			Hash: stalled.InfoHash, Name: "a", State: testutil.FakeDownloading,
			ActiveFor: 2 * time.Hour, LastActivity: now.Add(-90 * time.Minute),
		})
		env.srv.AddTorrent(testutil.FakeTorrent{
			Hash: fresh.InfoHash, Name: "b", State: testutil.FakeDownloading,
			ActiveFor: 2 * time.Hour, LastActivity: now.Add(-time.Minute),
		})

		_, _, err = env.monitor.Reconcile(ctx)
		require.NoError(t, err)

		assert.Equal(t, catalog.StateIgnored, env.download(t, stalled.ID).State)
		assert.Equal(t, catalog.StateDownloading, env.download(t, fresh.ID).State)
		assert.Contains(t, env.drain(), events.DownloadStalled)
	})
}

func TestSupersede(t *testing.T) {
	ctx := context.Background()
	env := newMonitorEnv(t)
	target, old := env.attach(t, 1, "Show.S01E01.720p")
	_, err := env.monitor.AddPending(ctx)
	require.NoError(t, err)

	uri, hash := testutil.Magnet("Show.S01.COMPLETE.1080p")
	replacement, _, err := env.db.UpsertDownload(ctx, uri, hash, catalog.KindSeason)
	require.NoError(t, err)
	superseded, err := env.db.AttachDownload(ctx, replacement.ID, []string{target.ID})
	require.NoError(t, err)
	require.Equal(t, []string{old.ID}, superseded)

	require.NoError(t, env.monitor.Supersede(ctx, env.download(t, old.ID)))

	assert.Equal(t, catalog.StateIgnored, env.download(t, old.ID).State)
	assert.Equal(t, map[string]bool{old.InfoHash: true}, env.srv.Removed())

	got := env.target(t, target.ID)
	assert.Equal(t, catalog.StatusDownloading, got.Status)
	assert.Equal(t, replacement.ID, got.DownloadID)
}
