// Package worker provides the CLI commands of the iris-worker binary.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iris-measurement/iris/internal/config"
	"github.com/iris-measurement/iris/internal/database"
	iriserrors "github.com/iris-measurement/iris/internal/errors"
	"github.com/iris-measurement/iris/internal/logging"
	"github.com/iris-measurement/iris/internal/queue"
	"github.com/iris-measurement/iris/internal/state"
	"github.com/iris-measurement/iris/internal/worker"
)

// RegisterCommands adds the worker subcommands directly on root for a
// flat hierarchy ("iris-worker start").
func RegisterCommands(root *cobra.Command) {
	root.AddCommand(newStartCmd())
}

func newStartCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the measurement orchestration worker",
		Long: `Start the measurement orchestration worker as a long-running daemon.

The worker validates submissions, dispatches probing rounds to agents,
ingests round results into the local registry and drives measurements to
finalization.

Configuration sources (in order of precedence):
1. Environment variables (IRIS_*)
2. Config file (--config flag)
3. Defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorkerConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load worker configuration: %w", err)
			}

			logger := logging.NewWithComponent(logging.Config{
				Level:  cfg.Log.Level,
				Pretty: cfg.Log.Pretty,
			}, "worker")

			db, err := database.New(cfg.StoragePath, cfg.DatabaseName, logger)
			if err != nil {
				return fmt.Errorf("failed to open registry database: %w", err)
			}
			defer iriserrors.DeferClose(logger, db, "failed to close registry database")

			store := state.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, state.DefaultPresenceTTL)
			defer iriserrors.DeferClose(logger, store, "failed to close state store")
			q := queue.NewRedisQueue(cfg.Redis.Addr, cfg.Redis.Password, cfg.VisibilityTimeout())
			defer iriserrors.DeferClose(logger, q, "failed to close queue")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("failed to reach the state store: %w", err)
			}

			orch := worker.NewOrchestrator(cfg, db, store, q, logger)
			pool := worker.NewPool(cfg, orch, q, logger)

			logger.Info().
				Str("database", db.Path()).
				Str("redis", cfg.Redis.Addr).
				Int("concurrency", cfg.Concurrency).
				Msg("Starting Iris worker")

			if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info().Msg("Iris worker stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the worker configuration file")
	return cmd
}
