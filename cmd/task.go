package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/auto3t/auto3t/internal/orchestrator"
	"github.com/auto3t/auto3t/internal/server"
)

const taskLong = "Run a single pipeline task once, followed by the tasks it chains to " +
	"(each at most once, without waiting). Available tasks: "

// taskCmd runs one pipeline task and the tasks it chains to, then exits.
//
//nolint:gochecknoglobals // cobra requires package-level command variable
var taskCmd = &cobra.Command{
	Use:       "task <name>",
	Short:     "Run a single pipeline task once",
	Long:      taskLong + strings.Join(orchestrator.Tasks(), ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: orchestrator.Tasks(),
	RunE:      runTask,
}

func runTask(_ *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, appConfig, server.Options{
		Logger: log.With().Str("component", "main").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("failed to release resources")
		}
	}()

	log.Info().Str("task", args[0]).Msg("running task")
	if err = srv.RunTask(ctx, args[0]); err != nil {
		return fmt.Errorf("task %s: %w", args[0], err)
	}
	log.Info().Str("task", args[0]).Msg("task complete")
	return nil
}
