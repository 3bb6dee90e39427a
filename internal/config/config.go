// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultListen          = "[::]:8424"
	DefaultDatabasePath    = "auto3t.db"
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultIndexerTimeout  = 300 * time.Second
	DefaultTVCategory      = 5000
	DefaultMovieCategory   = 2000
	DefaultSSHTimeout      = 10 * time.Second
	DefaultSSHPort         = 22
	DefaultMinSize         = 50_000_000
	DefaultMinSeeders      = 2
	DefaultMinGain         = 1.0
	DefaultSimilarity      = 0.8
	DefaultWorkers         = 2
	DefaultRepollInterval  = 60 * time.Second
	DefaultRefreshInterval = time.Hour
	DefaultLookahead       = 6 * time.Hour
	DefaultTrackerCacheTTL = 24 * time.Hour
)

// Archive strategies.
const (
	StrategyMove             = "move"
	StrategyCopy             = "copy"
	StrategyCopyDelete       = "copy-delete"
	StrategyHardlink         = "hardlink"
	StrategyCopyHardlinkBack = "copy-hardlink-back"
)

// Index and download client types.
const (
	IndexerJackett         = "jackett"
	IndexerProwlarr        = "prowlarr"
	DownloaderQBittorrent  = "qbittorrent"
	DownloaderTransmission = "transmission"
)

// Archive engines.
const (
	EngineLocal  = "local"
	EngineRclone = "rclone"
)

// Config is the application configuration.
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Database   DatabaseConfig           `mapstructure:"database"`
	Indexers   map[string]IndexerConfig `mapstructure:"indexers"`
	Downloader DownloaderConfig         `mapstructure:"downloader"`
	Library    LibraryConfig            `mapstructure:"library"`
	Archive    ArchiveConfig            `mapstructure:"archive"`
	Media      MediaConfig              `mapstructure:"media"`
	Search     SearchConfig             `mapstructure:"search"`
	Bitrate    BitrateConfig            `mapstructure:"bitrate"`
	Trackers   TrackersConfig           `mapstructure:"trackers"`
	Scheduler  SchedulerConfig          `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// IndexerConfig holds configuration for a search index instance.
type IndexerConfig struct {
	Type          string        `mapstructure:"type"` // jackett or prowlarr
	URL           string        `mapstructure:"url"`
	APIKey        string        `mapstructure:"apiKey"`
	HTTPTimeout   time.Duration `mapstructure:"httpTimeout"`
	TVCategory    int           `mapstructure:"tvCategory"`
	MovieCategory int           `mapstructure:"movieCategory"`
}

// DownloaderConfig holds configuration for the torrent client.
type DownloaderConfig struct {
	Type          string        `mapstructure:"type"` // qbittorrent or transmission
	URL           string        `mapstructure:"url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	HTTPTimeout   time.Duration `mapstructure:"httpTimeout"`
	DownloadsPath string        `mapstructure:"downloadsPath"` // where the client's files are visible to the archiver
	StallTimeout  time.Duration `mapstructure:"stallTimeout"`  // 0 disables stall detection
	SSH           SSHConfig     `mapstructure:"ssh"`
}

// SSHConfig holds SSH connection configuration for reading a remote client's files.
type SSHConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	KeyFile        string        `mapstructure:"keyFile"`
	KnownHostsFile string        `mapstructure:"knownHostsFile"` // mutually exclusive with IgnoreHostKey
	IgnoreHostKey  bool          `mapstructure:"ignoreHostKey"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a remote host is configured.
func (c SSHConfig) Enabled() bool {
	return c.Host != ""
}

// LibraryConfig holds the media library roots.
type LibraryConfig struct {
	TVRoot    string `mapstructure:"tvRoot"`
	MovieRoot string `mapstructure:"movieRoot"`
}

// ArchiveConfig selects how finished files are placed into the library.
type ArchiveConfig struct {
	Strategy            string `mapstructure:"strategy"`
	Engine              string `mapstructure:"engine"`
	ParallelConnections int    `mapstructure:"parallelConnections"` // rclone streams per file
	SpeedLimit          int64  `mapstructure:"speedLimit"`          // bytes per second, 0 = unlimited
}

// MediaConfig holds media file qualification rules.
type MediaConfig struct {
	Extensions []string `mapstructure:"extensions"`
	MinSize    int64    `mapstructure:"minSize"`
}

// SearchConfig holds result ranking thresholds.
type SearchConfig struct {
	MinSeeders  int             `mapstructure:"minSeeders"`
	MinGain     float64         `mapstructure:"minGain"`
	Similarity  float64         `mapstructure:"similarity"`
	RetryDelays []time.Duration `mapstructure:"retryDelays"`
}

// BitrateConfig holds the expected bitrates used to derive a size window.
type BitrateConfig struct {
	TV    BitrateWindow `mapstructure:"tv"`
	Movie BitrateWindow `mapstructure:"movie"`
}

// BitrateWindow is an expected bitrate with a tolerance. A zero Kbps disables the window.
type BitrateWindow struct {
	Kbps             int `mapstructure:"kbps"`
	TolerancePercent int `mapstructure:"tolerancePercent"`
}

// TrackersConfig configures the fallback public tracker list.
type TrackersConfig struct {
	FallbackURL string        `mapstructure:"fallbackUrl"`
	CacheTTL    time.Duration `mapstructure:"cacheTtl"`
}

// SchedulerConfig holds task scheduling configuration.
type SchedulerConfig struct {
	Workers         int           `mapstructure:"workers"`
	RepollInterval  time.Duration `mapstructure:"repollInterval"`
	RefreshInterval time.Duration `mapstructure:"refreshInterval"`
	Lookahead       time.Duration `mapstructure:"lookahead"`
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches default locations: $HOME, current directory, /config
// for files named .auto3t.yaml, auto3t.yaml, or config.yaml.
//
// Environment variables with prefix AUTOT_ override config file values.
// For the indexers map, set AUTOT_INDEXERS to a comma-separated list of names to
// enable env var binding for those entries.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
		v.SetConfigName(".auto3t")
		v.SetConfigName("auto3t")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("AUTOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindIndexerEnvVars(v)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("downloader.type", DownloaderQBittorrent)
	v.SetDefault("downloader.httpTimeout", DefaultHTTPTimeout)
	v.SetDefault("downloader.ssh.port", DefaultSSHPort)
	v.SetDefault("downloader.ssh.timeout", DefaultSSHTimeout)
	v.SetDefault("archive.strategy", StrategyMove)
	v.SetDefault("archive.engine", EngineLocal)
	v.SetDefault("media.extensions", []string{"mp4", "mkv", "avi", "m4v"})
	v.SetDefault("media.minSize", DefaultMinSize)
	v.SetDefault("search.minSeeders", DefaultMinSeeders)
	v.SetDefault("search.minGain", DefaultMinGain)
	v.SetDefault("search.similarity", DefaultSimilarity)
	v.SetDefault("search.retryDelays", []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second})
	v.SetDefault("trackers.cacheTtl", DefaultTrackerCacheTTL)
	v.SetDefault("scheduler.workers", DefaultWorkers)
	v.SetDefault("scheduler.repollInterval", DefaultRepollInterval)
	v.SetDefault("scheduler.refreshInterval", DefaultRefreshInterval)
	v.SetDefault("scheduler.lookahead", DefaultLookahead)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	setDefaultsOnMapConfigs(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaultsOnMapConfigs applies default values to config fields that can't
// be set with viper.SetDefault.
func setDefaultsOnMapConfigs(cfg *Config) {
	for name, ix := range cfg.Indexers {
		if ix.HTTPTimeout == 0 {
			ix.HTTPTimeout = DefaultIndexerTimeout
		}
		if ix.TVCategory == 0 {
			ix.TVCategory = DefaultTVCategory
		}
		if ix.MovieCategory == 0 {
			ix.MovieCategory = DefaultMovieCategory
		}
		cfg.Indexers[name] = ix
	}
}

// Valid indexer types.
//
//nolint:gochecknoglobals // validation lookup table
var validIndexerTypes = map[string]bool{
	IndexerJackett:  true,
	IndexerProwlarr: true,
}

// Valid downloader types.
//
//nolint:gochecknoglobals // validation lookup table
var validDownloaderTypes = map[string]bool{
	DownloaderQBittorrent:  true,
	DownloaderTransmission: true,
}

// Valid archive strategies.
//
//nolint:gochecknoglobals // validation lookup table
var validStrategies = map[string]bool{
	StrategyMove:             true,
	StrategyCopy:             true,
	StrategyCopyDelete:       true,
	StrategyHardlink:         true,
	StrategyCopyHardlinkBack: true,
}

// Valid archive engines.
//
//nolint:gochecknoglobals // validation lookup table
var validEngines = map[string]bool{
	EngineLocal:  true,
	EngineRclone: true,
}

// Validate checks that the configuration is valid.
//
//nolint:gocognit // validation requires checking many fields
func (c Config) Validate() error {
	var errs []error

	if len(c.Indexers) == 0 {
		errs = append(errs, errors.New("at least one indexer is required"))
	}
	for name, ix := range c.Indexers {
		if ix.Type == "" {
			errs = append(errs, fmt.Errorf("indexer %q: type is required", name))
		} else if !validIndexerTypes[ix.Type] {
			errs = append(errs, fmt.Errorf("indexer %q: unknown type %q", name, ix.Type))
		}
		if ix.URL == "" {
			errs = append(errs, fmt.Errorf("indexer %q: url is required", name))
		} else if _, err := url.Parse(ix.URL); err != nil {
			errs = append(errs, fmt.Errorf("indexer %q: invalid url: %w", name, err))
		}
		if ix.APIKey == "" {
			errs = append(errs, fmt.Errorf("indexer %q: apiKey is required", name))
		}
	}

	dl := c.Downloader
	if !validDownloaderTypes[dl.Type] {
		errs = append(errs, fmt.Errorf("downloader.type: unknown type %q", dl.Type))
	}
	if dl.URL == "" {
		errs = append(errs, errors.New("downloader.url is required"))
	} else if _, err := url.Parse(dl.URL); err != nil {
		errs = append(errs, fmt.Errorf("downloader.url: %w", err))
	}
	if dl.DownloadsPath == "" {
		errs = append(errs, errors.New("downloader.downloadsPath is required"))
	}
	if dl.StallTimeout < 0 {
		errs = append(errs, errors.New("downloader.stallTimeout must not be negative"))
	}

	if dl.SSH.Enabled() {
		if dl.SSH.User == "" {
			errs = append(errs, errors.New("downloader.ssh.user is required"))
		}
		if dl.SSH.KeyFile == "" {
			errs = append(errs, errors.New("downloader.ssh.keyFile is required"))
		}
		// Host key verification: must specify knownHostsFile OR ignoreHostKey, but not both
		if dl.SSH.KnownHostsFile != "" && dl.SSH.IgnoreHostKey {
			errs = append(errs, errors.New(
				"downloader.ssh.knownHostsFile and downloader.ssh.ignoreHostKey are mutually exclusive"))
		}
		if dl.SSH.KnownHostsFile == "" && !dl.SSH.IgnoreHostKey {
			errs = append(errs, errors.New(
				"downloader.ssh.knownHostsFile is required (or set downloader.ssh.ignoreHostKey to true)"))
		}
		if c.Archive.Engine != EngineRclone {
			errs = append(errs, errors.New("downloader.ssh requires archive.engine rclone"))
		}
	}

	if c.Library.TVRoot == "" {
		errs = append(errs, errors.New("library.tvRoot is required"))
	}
	if c.Library.MovieRoot == "" {
		errs = append(errs, errors.New("library.movieRoot is required"))
	}

	if !validStrategies[c.Archive.Strategy] {
		errs = append(errs, fmt.Errorf("archive.strategy: unknown strategy %q", c.Archive.Strategy))
	}
	if !validEngines[c.Archive.Engine] {
		errs = append(errs, fmt.Errorf("archive.engine: unknown engine %q", c.Archive.Engine))
	}
	if c.Archive.Engine == EngineRclone && isLinkStrategy(c.Archive.Strategy) {
		errs = append(errs, fmt.Errorf("archive.strategy %q requires archive.engine local", c.Archive.Strategy))
	}

	if c.Archive.ParallelConnections < 0 || c.Archive.SpeedLimit < 0 {
		errs = append(errs, errors.New("archive.parallelConnections and archive.speedLimit must not be negative"))
	}

	if c.Search.Similarity <= 0 || c.Search.Similarity > 1 {
		errs = append(errs, errors.New("search.similarity must be in (0, 1]"))
	}
	for _, w := range []BitrateWindow{c.Bitrate.TV, c.Bitrate.Movie} {
		if w.Kbps < 0 || w.TolerancePercent < 0 || w.TolerancePercent > 100 {
			errs = append(errs, errors.New("bitrate: kbps must be >= 0 and tolerancePercent in [0, 100]"))
			break
		}
	}

	if c.Scheduler.Workers < 1 {
		errs = append(errs, errors.New("scheduler.workers must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func isLinkStrategy(s string) bool {
	return s == StrategyHardlink || s == StrategyCopyHardlinkBack
}

// indexerEnvFields lists all IndexerConfig fields for env var binding.
// This must be kept in sync with IndexerConfig.
// Tests verify this list matches the struct fields.
//
//nolint:gochecknoglobals // env var binding field list
var indexerEnvFields = []string{
	"type",
	"url",
	"apiKey",
	"httpTimeout",
	"tvCategory",
	"movieCategory",
}

// bindIndexerEnvVars reads AUTOT_INDEXERS env var to get the list of indexer
// names, then binds all indexer fields for each name using MustBindEnv.
// The list env var is unset after reading to prevent viper from treating it as
// the "indexers" config key.
func bindIndexerEnvVars(v *viper.Viper) {
	indexersEnv := os.Getenv("AUTOT_INDEXERS")
	if indexersEnv == "" {
		return
	}

	_ = os.Unsetenv("AUTOT_INDEXERS")

	for name := range strings.SplitSeq(indexersEnv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		for _, field := range indexerEnvFields {
			v.MustBindEnv("indexers." + name + "." + field)
		}
	}
}
