// Package cmd provides the CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/auto3t/auto3t/internal/config"
	"github.com/auto3t/auto3t/internal/server"
)

const defaultShutdownTimeout = 30 * time.Second

// Version information - set at build time via ldflags.
//
//nolint:gochecknoglobals // build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
	BuiltBy   = "unknown"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var (
	cfgFile   string
	logLevel  string
	logPretty bool
	listen    string
	dbPath    string

	showVersion bool
	appConfig   config.Config
)

// rootCmd represents the base command.
//
//nolint:gochecknoglobals // cobra requires package-level command variable
var rootCmd = &cobra.Command{
	Use:   "auto3t",
	Short: "Find, download and archive the shows and movies you track",
	Long: `auto3t watches a catalog of episodes and movies. Once a target is released it
searches the configured indexes for the best torrent, hands the magnet to the
download client (qBittorrent or Transmission), follows the transfer and moves
the finished media file into the library.`,
	SilenceUsage: true,
	RunE:         run,
}

// Execute runs the root command.
func Execute() {
	// Check for version flag early to avoid config loading
	for _, arg := range os.Args[1:] {
		if arg == "-V" || arg == "--version" {
			printVersion()
			return
		}
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // cobra requires init for flag registration
func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config with indexers, download client and library roots")
	flags.StringVar(&dbPath, "database", "", "SQLite file holding targets, downloads and the event log")
	flags.StringVar(&logLevel, "log-level", "info", "one of trace, debug, info, warn, error")
	flags.BoolVar(&logPretty, "log-pretty", false, "colored console logs instead of JSON lines")

	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "print the build and exit")
	rootCmd.Flags().StringVar(&listen, "listen", "", "API address, overrides server.listen")

	rootCmd.AddCommand(taskCmd)
}

func run(_ *cobra.Command, _ []string) error {
	// Handle version flag
	if showVersion {
		printVersion()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().
		Str("version", Version).
		Str("config", cfgFile).
		Int("indexers", len(appConfig.Indexers)).
		Str("downloader", appConfig.Downloader.Type).
		Str("strategy", appConfig.Archive.Strategy).
		Msg("auto3t starting")

	srv, err := server.New(ctx, appConfig, server.Options{
		Logger: log.With().Str("component", "main").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// A second signal while transfers wind down exits right away.
	go func() {
		<-sigCh
		srv.PrepareShutdown()
		cancel()

		<-sigCh
		log.Warn().Msg("received second signal, forcing exit")
		os.Exit(1)
	}()

	if err = srv.Run(ctx); err != nil {
		_ = srv.Close()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}

//nolint:forbidigo // CLI version output requires fmt.Printf
func printVersion() {
	fmt.Printf("auto3t %s\n", Version)
	fmt.Printf("  commit:   %s\n", Commit)
	fmt.Printf("  built:    %s\n", BuildDate)
	fmt.Printf("  built by: %s\n", BuiltBy)
}

func initConfig() {
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: cfgFile,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if listen != "" {
		cfg.Server.Listen = listen
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	appConfig = cfg

	setupLogging()
}

func setupLogging() {
	if logPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}) //nolint:reassign // standard zerolog pattern
	}

	level, ok := parseLogLevel(logLevel)
	zerolog.SetGlobalLevel(level)
	if !ok {
		log.Warn().Str("log_level", logLevel).Msg("unknown log level, using info")
	}
}

// parseLogLevel maps the --log-level flag to a zerolog level. Levels the flag does not
// offer, such as fatal or disabled, fall back to info.
func parseLogLevel(s string) (zerolog.Level, bool) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.InfoLevel, false
	}
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel:
		return level, true
	default:
		return zerolog.InfoLevel, false
	}
}
