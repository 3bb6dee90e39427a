package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto3t/auto3t/internal/config"
)

// baseYAML is the smallest configuration that passes validation.
const baseYAML = `
indexers:
  jackett:
    type: jackett
    url: http://jackett:9117
    apiKey: abc123
downloader:
  url: http://qbittorrent:8080
  downloadsPath: /downloads
library:
  tvRoot: /library/tv
  movieRoot: /library/movies
`

// writeConfig writes yaml to a temp config file and returns its path.
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(configFile, []byte(yaml), 0644)
	require.NoError(t, err, "failed to write temp config file")

	return configFile
}

// loadConfigFromYAML creates a temp config file and loads it using Load().
func loadConfigFromYAML(t *testing.T, yaml string) config.Config {
	t.Helper()

	cfg, err := config.Load(config.LoadOptions{ConfigFile: writeConfig(t, yaml)})
	require.NoError(t, err, "failed to load config")

	return cfg
}

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		check func(t *testing.T, cfg config.Config)
	}{
		{
			name: "minimal config uses all defaults",
			yaml: baseYAML,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "[::]:8424", cfg.Server.Listen)
				assert.Equal(t, "auto3t.db", cfg.Database.Path)
				assert.Equal(t, "qbittorrent", cfg.Downloader.Type)
				assert.Equal(t, 30*time.Second, cfg.Downloader.HTTPTimeout)
				assert.Zero(t, cfg.Downloader.StallTimeout)
				assert.Equal(t, config.StrategyMove, cfg.Archive.Strategy)
				assert.Equal(t, config.EngineLocal, cfg.Archive.Engine)
				assert.Equal(t, []string{"mp4", "mkv", "avi", "m4v"}, cfg.Media.Extensions)
				assert.Equal(t, int64(50_000_000), cfg.Media.MinSize)
				assert.Equal(t, 2, cfg.Search.MinSeeders)
				assert.InDelta(t, 1.0, cfg.Search.MinGain, 0.0001)
				assert.InDelta(t, 0.8, cfg.Search.Similarity, 0.0001)
				assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}, cfg.Search.RetryDelays)
				assert.Equal(t, 24*time.Hour, cfg.Trackers.CacheTTL)
				assert.Equal(t, 2, cfg.Scheduler.Workers)
				assert.Equal(t, time.Minute, cfg.Scheduler.RepollInterval)
				assert.Equal(t, time.Hour, cfg.Scheduler.RefreshInterval)
				assert.Equal(t, 6*time.Hour, cfg.Scheduler.Lookahead)
			},
		},
		{
			name: "indexer entries get map defaults",
			yaml: baseYAML,
			check: func(t *testing.T, cfg config.Config) {
				require.Contains(t, cfg.Indexers, "jackett")
				ix := cfg.Indexers["jackett"]
				assert.Equal(t, 300*time.Second, ix.HTTPTimeout)
				assert.Equal(t, 5000, ix.TVCategory)
				assert.Equal(t, 2000, ix.MovieCategory)
			},
		},
		{
			name: "scheduler can be overridden",
			yaml: baseYAML + `
scheduler:
  workers: 4
  repollInterval: 30s
  lookahead: 12h
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 4, cfg.Scheduler.Workers)
				assert.Equal(t, 30*time.Second, cfg.Scheduler.RepollInterval)
				assert.Equal(t, 12*time.Hour, cfg.Scheduler.Lookahead)
				// Other defaults still apply
				assert.Equal(t, time.Hour, cfg.Scheduler.RefreshInterval)
			},
		},
		{
			name: "retry delays can be overridden",
			yaml: baseYAML + `
search:
  retryDelays: [1s, 2s]
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.Search.RetryDelays)
			},
		},
		{
			name: "bitrate windows",
			yaml: baseYAML + `
bitrate:
  tv:
    kbps: 3000
    tolerancePercent: 40
  movie:
    kbps: 8000
    tolerancePercent: 25
`,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.BitrateWindow{Kbps: 3000, TolerancePercent: 40}, cfg.Bitrate.TV)
				assert.Equal(t, config.BitrateWindow{Kbps: 8000, TolerancePercent: 25}, cfg.Bitrate.Movie)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfigFromYAML(t, tt.yaml)
			tt.check(t, cfg)
		})
	}
}

func TestIndexerConfig(t *testing.T) {
	cfg := loadConfigFromYAML(t, `
indexers:
  jackett:
    type: jackett
    url: http://jackett:9117
    apiKey: abc123
    tvCategory: 5030
  prowlarr:
    type: prowlarr
    url: http://prowlarr:9696
    apiKey: xyz789
    httpTimeout: 60s
downloader:
  type: transmission
  url: http://transmission:9091/transmission/rpc
  downloadsPath: /downloads
library:
  tvRoot: /library/tv
  movieRoot: /library/movies
`)

	require.Len(t, cfg.Indexers, 2)
	assert.Equal(t, 5030, cfg.Indexers["jackett"].TVCategory)
	assert.Equal(t, "prowlarr", cfg.Indexers["prowlarr"].Type)
	assert.Equal(t, 60*time.Second, cfg.Indexers["prowlarr"].HTTPTimeout)
	assert.Equal(t, "transmission", cfg.Downloader.Type)
}

func TestDownloaderSSHConfig(t *testing.T) {
	cfg := loadConfigFromYAML(t, baseYAML+`
archive:
  engine: rclone
  strategy: copy
`)
	assert.False(t, cfg.Downloader.SSH.Enabled())

	cfg = loadConfigFromYAML(t, `
indexers:
  jackett:
    type: jackett
    url: http://jackett:9117
    apiKey: abc123
downloader:
  url: http://seedbox:8080
  downloadsPath: /home/seed/downloads
  ssh:
    host: seedbox.example.com
    user: seeduser
    keyFile: /path/to/key
    ignoreHostKey: true
library:
  tvRoot: /library/tv
  movieRoot: /library/movies
archive:
  engine: rclone
  strategy: copy
`)
	assert.True(t, cfg.Downloader.SSH.Enabled())
	assert.Equal(t, config.DefaultSSHPort, cfg.Downloader.SSH.Port)
	assert.Equal(t, config.DefaultSSHTimeout, cfg.Downloader.SSH.Timeout)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no indexer",
			yaml:    "downloader:\n  url: http://qb:8080\n  downloadsPath: /d\nlibrary:\n  tvRoot: /tv\n  movieRoot: /movies\n",
			wantErr: "at least one indexer is required",
		},
		{
			name: "unknown indexer type",
			yaml: `
indexers:
  other:
    type: newznab
    url: http://x
    apiKey: k
downloader:
  url: http://qbittorrent:8080
  downloadsPath: /downloads
library:
  tvRoot: /library/tv
  movieRoot: /library/movies
`,
			wantErr: `indexer "other": unknown type "newznab"`,
		},
		{
			name:    "unknown strategy",
			yaml:    baseYAML + "archive:\n  strategy: symlink\n",
			wantErr: `archive.strategy: unknown strategy "symlink"`,
		},
		{
			name:    "hardlink with rclone engine",
			yaml:    baseYAML + "archive:\n  strategy: hardlink\n  engine: rclone\n",
			wantErr: `archive.strategy "hardlink" requires archive.engine local`,
		},
		{
			name: "unknown downloader",
			yaml: `
indexers:
  jackett:
    type: jackett
    url: http://jackett:9117
    apiKey: abc123
downloader:
  type: deluge
  url: http://deluge:8112
  downloadsPath: /downloads
library:
  tvRoot: /library/tv
  movieRoot: /library/movies
`,
			wantErr: `downloader.type: unknown type "deluge"`,
		},
		{
			name: "ssh without host key choice",
			yaml: `
indexers:
  jackett:
    type: jackett
    url: http://jackett:9117
    apiKey: abc123
downloader:
  url: http://seedbox:8080
  downloadsPath: /downloads
  ssh:
    host: seedbox
    user: seed
    keyFile: /k
library:
  tvRoot: /library/tv
  movieRoot: /library/movies
archive:
  engine: rclone
  strategy: copy
`,
			wantErr: "downloader.ssh.knownHostsFile is required",
		},
		{
			name:    "similarity out of range",
			yaml:    baseYAML + "search:\n  similarity: 1.5\n",
			wantErr: "search.similarity must be in (0, 1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(config.LoadOptions{ConfigFile: writeConfig(t, tt.yaml)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := config.Load(config.LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTOT_SERVER_LISTEN", "127.0.0.1:9999")
	t.Setenv("AUTOT_INDEXERS", "extra")
	t.Setenv("AUTOT_INDEXERS_EXTRA_TYPE", "prowlarr")
	t.Setenv("AUTOT_INDEXERS_EXTRA_URL", "http://prowlarr:9696")
	t.Setenv("AUTOT_INDEXERS_EXTRA_APIKEY", "fromenv")

	cfg := loadConfigFromYAML(t, baseYAML)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	require.Contains(t, cfg.Indexers, "extra")
	assert.Equal(t, "prowlarr", cfg.Indexers["extra"].Type)
	assert.Equal(t, "fromenv", cfg.Indexers["extra"].APIKey)
	assert.Equal(t, config.DefaultIndexerTimeout, cfg.Indexers["extra"].HTTPTimeout)
}
