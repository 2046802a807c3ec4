// Package agent runs a probing agent: it registers the agent with the
// shared state store, keeps its presence alive with a heartbeat, and
// serves round requests from the task queue.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iris-measurement/iris/internal/config"
	"github.com/iris-measurement/iris/internal/queue"
	"github.com/iris-measurement/iris/internal/round"
	"github.com/iris-measurement/iris/internal/state"
)

// RoundRunner runs one probing round. The prober supervisor is the
// production implementation.
type RoundRunner interface {
	Run(ctx context.Context, req round.Request) round.Result
}

// Agent consumes round requests for one probing vantage point.
type Agent struct {
	cfg    *config.AgentConfig
	store  state.Store
	queue  queue.Queue
	runner RoundRunner
	logger zerolog.Logger
}

// New assembles an agent from its collaborators.
func New(cfg *config.AgentConfig, store state.Store, q queue.Queue, runner RoundRunner, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		store:  store,
		queue:  q,
		runner: runner,
		logger: logger.With().Str("component", "agent").Str("agent_uuid", cfg.UUID).Logger(),
	}
}

// Run registers the agent, starts the heartbeat and serves round requests
// until the context ends.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	go a.heartbeat(ctx)

	a.logger.Info().Msg("agent started")
	return a.serve(ctx)
}

func (a *Agent) register(ctx context.Context) error {
	descriptor, err := Describe(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to build agent descriptor: %w", err)
	}
	if err := a.store.RegisterAgent(ctx, descriptor); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	a.logger.Info().
		Str("hostname", descriptor.Hostname).
		Str("ip_address", descriptor.IPAddress).
		Msg("agent registered")
	return nil
}

// heartbeat refreshes the agent's presence key until the context ends.
// The key's TTL makes a crashed agent disappear from the registry.
func (a *Agent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.store.RefreshAgent(ctx, a.cfg.UUID); err != nil {
				a.logger.Warn().Err(err).Msg("failed to refresh agent presence")
			}
		}
	}
}

// serve polls the agent's request queue, runs each round and reports the
// result on the shared results queue.
func (a *Agent) serve(ctx context.Context) error {
	queueName := round.RequestQueue(a.cfg.UUID)
	ticker := time.NewTicker(a.cfg.QueuePoll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.serveOne(ctx, queueName); err != nil {
				a.logger.Error().Err(err).Msg("failed to serve round request")
			}
		}
	}
}

func (a *Agent) serveOne(ctx context.Context, queueName string) error {
	task, err := a.queue.Dequeue(ctx, queueName)
	if err != nil {
		return fmt.Errorf("failed to dequeue round request: %w", err)
	}
	if task == nil {
		return nil
	}

	req, err := round.DecodeRequest(task.Payload)
	if err != nil {
		// A malformed request can never succeed; drop it.
		a.logger.Error().Err(err).Str("task_id", task.ID).Msg("dropping malformed round request")
		return a.queue.Ack(ctx, queueName, task.ID)
	}

	res := a.runner.Run(ctx, req)

	payload, err := round.EncodeResult(res)
	if err != nil {
		return err
	}
	if _, err := a.queue.Enqueue(ctx, round.ResultsQueue, payload); err != nil {
		// Leave the request inflight so the queue redelivers it.
		if nackErr := a.queue.Nack(ctx, queueName, task.ID, a.cfg.QueuePoll()); nackErr != nil {
			a.logger.Warn().Err(nackErr).Str("task_id", task.ID).Msg("failed to nack round request")
		}
		return fmt.Errorf("failed to report round result: %w", err)
	}
	return a.queue.Ack(ctx, queueName, task.ID)
}
