package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iris-measurement/iris/internal/config"
	"github.com/iris-measurement/iris/internal/queue"
	"github.com/iris-measurement/iris/internal/round"
)

// Pool consumes round results with a fixed number of workers. Round k+1
// for an agent is only ever enqueued from round k's result, so at most
// one round per (measurement, agent) is in flight at a time.
type Pool struct {
	cfg    *config.WorkerConfig
	orch   *Orchestrator
	queue  queue.Queue
	logger zerolog.Logger
}

// NewPool returns a worker pool feeding the orchestrator.
func NewPool(cfg *config.WorkerConfig, orch *Orchestrator, q queue.Queue, logger zerolog.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		orch:   orch,
		queue:  q,
		logger: logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Run serves round results until the context ends.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			return p.work(gctx)
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.QueuePoll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.ServeOne(ctx); err != nil {
				p.logger.Error().Err(err).Msg("failed to handle round result")
			}
		}
	}
}

// ServeOne handles at most one round result from the results queue.
// Handler errors leave the task inflight with a nack so the queue
// redelivers it.
func (p *Pool) ServeOne(ctx context.Context) error {
	task, err := p.queue.Dequeue(ctx, round.ResultsQueue)
	if err != nil {
		return fmt.Errorf("failed to dequeue round result: %w", err)
	}
	if task == nil {
		return nil
	}

	res, err := round.DecodeResult(task.Payload)
	if err != nil {
		// A malformed result can never be handled; drop it.
		p.logger.Error().Err(err).Str("task_id", task.ID).Msg("dropping malformed round result")
		return p.queue.Ack(ctx, round.ResultsQueue, task.ID)
	}

	switch res.Status {
	case round.StatusCompleted:
		err = p.orch.HandleRoundComplete(ctx, res)
	case round.StatusFailed:
		err = p.orch.HandleRoundFailed(ctx, res)
	case round.StatusCanceled:
		err = p.orch.HandleRoundCanceled(ctx, res)
	default:
		p.logger.Error().Str("status", string(res.Status)).Str("task_id", task.ID).Msg("dropping round result with unknown status")
		return p.queue.Ack(ctx, round.ResultsQueue, task.ID)
	}
	if err != nil {
		if nackErr := p.queue.Nack(ctx, round.ResultsQueue, task.ID, p.cfg.QueuePoll()); nackErr != nil {
			p.logger.Warn().Err(nackErr).Str("task_id", task.ID).Msg("failed to nack round result")
		}
		return err
	}
	return p.queue.Ack(ctx, round.ResultsQueue, task.ID)
}
