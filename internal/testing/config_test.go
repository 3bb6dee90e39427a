package testing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auto3t/auto3t/internal/config"
	testutil "github.com/auto3t/auto3t/internal/testing"
)

func TestValidConfig(t *testing.T) {
	cfg := testutil.ValidConfig(t)

	loaded, err := config.Load(config.LoadOptions{ConfigFile: testutil.WriteConfig(t, cfg)})
	require.NoError(t, err, "ValidConfig should produce a valid config")

	assert.Equal(t, cfg.Server.Listen, loaded.Server.Listen)
	assert.Equal(t, cfg.Database.Path, loaded.Database.Path)
	assert.Equal(t, cfg.Downloader.DownloadsPath, loaded.Downloader.DownloadsPath)
	assert.Equal(t, cfg.Library, loaded.Library)
	assert.Equal(t, cfg.Bitrate, loaded.Bitrate)
	assert.Equal(t, cfg.Search.RetryDelays, loaded.Search.RetryDelays)

	ix, ok := loaded.Indexers["jackett"]
	require.True(t, ok, "jackett indexer should exist")
	assert.Equal(t, config.IndexerJackett, ix.Type)
	assert.NotEmpty(t, ix.URL)
	assert.NotEmpty(t, ix.APIKey)
}

func TestValidConfigWithSSH(t *testing.T) {
	cfg := testutil.ValidConfigWithSSH(t)

	loaded, err := config.Load(config.LoadOptions{ConfigFile: testutil.WriteConfig(t, cfg)})
	require.NoError(t, err, "ValidConfigWithSSH should produce a valid config")

	assert.Equal(t, config.EngineRclone, loaded.Archive.Engine)
	assert.Equal(t, 8, loaded.Archive.ParallelConnections)
	assert.True(t, loaded.Downloader.SSH.Enabled())
	assert.False(t, loaded.Downloader.SSH.IgnoreHostKey)
	assert.NotEmpty(t, loaded.Downloader.SSH.KnownHostsFile)
}

func TestValidConfigMinimal(t *testing.T) {
	cfg := testutil.ValidConfigMinimal(t)

	loaded, err := config.Load(config.LoadOptions{ConfigFile: testutil.WriteConfig(t, cfg)})
	require.NoError(t, err, "ValidConfigMinimal should produce a valid config")

	// Everything left out comes from the defaults.
	assert.Equal(t, config.DefaultListen, loaded.Server.Listen)
	assert.Equal(t, config.DownloaderQBittorrent, loaded.Downloader.Type)
	assert.Equal(t, config.StrategyMove, loaded.Archive.Strategy)
	assert.Equal(t, config.DefaultWorkers, loaded.Scheduler.Workers)
	assert.Equal(t, config.DefaultIndexerTimeout, loaded.Indexers["prowlarr"].HTTPTimeout)
}

func TestCreateTestSSHFiles(t *testing.T) {
	files := testutil.CreateTestSSHFiles(t)

	info, err := os.Stat(files.KeyFile)
	require.NoError(t, err, "key file should exist")
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "key file should have 0600 permissions")

	_, err = os.Stat(files.KnownHostsFile)
	require.NoError(t, err, "known_hosts file should exist")

	assert.Equal(t, files.TempDir, filepath.Dir(files.KeyFile))
	assert.Equal(t, files.TempDir, filepath.Dir(files.KnownHostsFile))
}

func TestConfigToYAML(t *testing.T) {
	yamlContent := testutil.ConfigToYAML(t, testutil.ValidConfigMinimal(t))

	assert.Contains(t, yamlContent, "indexers:")
	assert.Contains(t, yamlContent, "prowlarr:")
	assert.Contains(t, yamlContent, "downloader:")
	assert.Contains(t, yamlContent, "library:")
	assert.NotContains(t, yamlContent, "scheduler:", "zero sections are left out")
	assert.NotContains(t, yamlContent, "ssh:")
}
