// Package agent provides the CLI commands of the iris-agent binary.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	irisagent "github.com/iris-measurement/iris/internal/agent"
	"github.com/iris-measurement/iris/internal/agent/prober"
	"github.com/iris-measurement/iris/internal/config"
	iriserrors "github.com/iris-measurement/iris/internal/errors"
	"github.com/iris-measurement/iris/internal/logging"
	"github.com/iris-measurement/iris/internal/queue"
	"github.com/iris-measurement/iris/internal/state"
)

// roundVisibilityTimeout is how long a dequeued round request stays
// invisible before the queue redelivers it to another invocation.
const roundVisibilityTimeout = 2 * time.Hour

// RegisterCommands adds the agent subcommands directly on root for a
// flat hierarchy ("iris-agent start").
func RegisterCommands(root *cobra.Command) {
	root.AddCommand(newStartCmd())
}

func newStartCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a probing agent",
		Long: `Start a probing agent as a long-running daemon.

The agent registers itself in the shared state store, keeps its presence
alive with a heartbeat, and serves probing-round requests: it prepares
each round's probe stream, invokes the probing engine at a capped rate
and reports the results back to the worker.

Configuration sources (in order of precedence):
1. Environment variables (IRIS_*)
2. Config file (--config flag)
3. Defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load agent configuration: %w", err)
			}
			if cfg.UUID == "" {
				cfg.UUID = uuid.NewString()
			}
			if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
				return fmt.Errorf("failed to create results directory: %w", err)
			}

			logger := logging.NewWithComponent(logging.Config{
				Level:  cfg.Log.Level,
				Pretty: cfg.Log.Pretty,
			}, "agent")

			store := state.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.PresenceTTL())
			defer iriserrors.DeferClose(logger, store, "failed to close state store")
			// A dequeued round request must stay invisible for as long as
			// a round can possibly run.
			q := queue.NewRedisQueue(cfg.Redis.Addr, cfg.Redis.Password, roundVisibilityTimeout)
			defer iriserrors.DeferClose(logger, q, "failed to close queue")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("failed to reach the state store: %w", err)
			}

			engine := prober.NewExecEngine(cfg.EngineBinary, logger)
			supervisor := prober.New(cfg, engine, store, logger)

			logger.Info().
				Str("agent_uuid", cfg.UUID).
				Str("engine", cfg.EngineBinary).
				Int("max_probing_rate", cfg.MaxProbingRate).
				Msg("Starting Iris agent")

			a := irisagent.New(cfg, store, q, supervisor, logger)
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info().Msg("Iris agent stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the agent configuration file")
	return cmd
}
