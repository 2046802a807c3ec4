package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/iris-measurement/iris/internal/database"
	"github.com/iris-measurement/iris/internal/logging"
	"github.com/iris-measurement/iris/internal/retry"
	"github.com/iris-measurement/iris/internal/round"
)

// ingestRetry covers transient DuckDB write conflicts between workers.
var ingestRetry = retry.Config{
	MaxRetries:     3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     time.Second,
	Jitter:         0.2,
}

// HandleRoundComplete ingests a finished round's results and decides
// whether the agent probes another round or is done.
//
// Ingestion faults are returned so the queue redelivers the result; the
// table create and the CSV load are both idempotent enough to survive a
// replay (append-only tables can hold duplicate rows, which downstream
// readers deduplicate by snapshot).
func (o *Orchestrator) HandleRoundComplete(ctx context.Context, res round.Result) error {
	logger := logging.WithRound(o.logger, res.MeasurementUUID, res.AgentUUID, res.Round)

	m, err := o.db.GetMeasurementByUUID(ctx, res.MeasurementUUID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, res.MeasurementUUID)
	}

	table, err := o.db.CreateResultsTable(ctx, res.MeasurementUUID, res.AgentUUID)
	if err != nil {
		return fmt.Errorf("storage fault: %w", err)
	}
	if res.ResultsFile != "" {
		err := retry.Do(ctx, ingestRetry, func() error {
			return o.db.InsertCSV(ctx, res.ResultsFile, table)
		}, nil)
		if err != nil {
			return fmt.Errorf("storage fault: failed to ingest round results: %w", err)
		}
		logger.Info().Str("table", table).Msg("round results ingested")
	}

	if reason := o.stopReason(ctx, m, res); reason != "" {
		logger.Info().Str("reason", reason).Msg("agent finished probing")
		if err := o.db.SetAgentState(ctx, res.MeasurementUUID, res.AgentUUID, database.StateFinished); err != nil {
			return err
		}
		return o.maybeFinalize(ctx, res.MeasurementUUID)
	}

	specific, err := o.db.GetAgentSpecific(ctx, res.MeasurementUUID, res.AgentUUID)
	if err != nil {
		return err
	}
	if specific == nil {
		return fmt.Errorf("%w: agent %s in measurement %s", ErrNotFound, res.AgentUUID, res.MeasurementUUID)
	}

	next := round.Request{
		MeasurementUUID: res.MeasurementUUID,
		AgentUUID:       res.AgentUUID,
		Round:           res.Round + 1,
		ProbesFile:      res.NextProbesFile,
		TargetFile:      specific.TargetFile,
		Parameters:      specific.ToolParameters,
		TimeoutSeconds:  o.cfg.RoundTimeoutSeconds,
	}
	if err := o.dispatchRound(ctx, res.MeasurementUUID, res.AgentUUID, next); err != nil {
		return err
	}
	logger.Info().Int("next_round", next.Round).Msg("next round dispatched")
	return nil
}

// stopReason decides whether the agent stops after this round. An empty
// string means another round follows.
func (o *Orchestrator) stopReason(ctx context.Context, m *database.Measurement, res round.Result) string {
	if res.Round >= o.cfg.MaxRoundsFor(m.Tool) {
		return "round limit reached"
	}
	if m.Tool == ToolDiamondMinerPing {
		return "single-round tool"
	}
	if res.NextProbesFile == "" {
		return "no further probes"
	}

	_, live, err := o.store.GetMeasurementState(ctx, m.UUID)
	if err != nil {
		// Fail open: a transient store error never cancels a measurement.
		return ""
	}
	if !live {
		return "measurement canceled"
	}
	return ""
}

// HandleRoundFailed retries a faulted round until the retry budget runs
// out, then marks the agent failed for this measurement. Other agents
// keep probing.
func (o *Orchestrator) HandleRoundFailed(ctx context.Context, res round.Result) error {
	logger := logging.WithRound(o.logger, res.MeasurementUUID, res.AgentUUID, res.Round)

	if res.Attempt < o.cfg.RoundRetries {
		specific, err := o.db.GetAgentSpecific(ctx, res.MeasurementUUID, res.AgentUUID)
		if err != nil {
			return err
		}
		if specific == nil {
			return fmt.Errorf("%w: agent %s in measurement %s", ErrNotFound, res.AgentUUID, res.MeasurementUUID)
		}

		retryReq := round.Request{
			MeasurementUUID: res.MeasurementUUID,
			AgentUUID:       res.AgentUUID,
			Round:           res.Round,
			Attempt:         res.Attempt + 1,
			ProbesFile:      res.ProbesFile,
			TargetFile:      specific.TargetFile,
			Parameters:      specific.ToolParameters,
			TimeoutSeconds:  o.cfg.RoundTimeoutSeconds,
		}
		if err := o.dispatchRound(ctx, res.MeasurementUUID, res.AgentUUID, retryReq); err != nil {
			return err
		}
		logger.Warn().
			Str("error", res.Error).
			Int("attempt", retryReq.Attempt).
			Msg("round failed, retrying")
		return nil
	}

	logger.Error().
		Str("error", res.Error).
		Int("attempts", res.Attempt+1).
		Msg("round retry budget exhausted, marking agent failed")
	if err := o.db.MarkAgentFailed(ctx, res.MeasurementUUID, res.AgentUUID); err != nil {
		return err
	}
	return o.maybeFinalize(ctx, res.MeasurementUUID)
}

// HandleRoundCanceled records a round killed by the cancellation watcher.
// The agent is done, but the measurement is never finalized: cancellation
// leaves end_time NULL.
func (o *Orchestrator) HandleRoundCanceled(ctx context.Context, res round.Result) error {
	logger := logging.WithRound(o.logger, res.MeasurementUUID, res.AgentUUID, res.Round)
	logger.Info().Msg("round canceled")
	return o.db.SetAgentState(ctx, res.MeasurementUUID, res.AgentUUID, database.StateFinished)
}

// maybeFinalize finalizes the measurement once every agent has finished
// or failed. A measurement whose liveness key is already gone was
// canceled mid-flight and is left as-is.
func (o *Orchestrator) maybeFinalize(ctx context.Context, measurementUUID string) error {
	done, err := o.db.AllAgentsFinished(ctx, measurementUUID)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	_, live, err := o.store.GetMeasurementState(ctx, measurementUUID)
	if err != nil {
		return fmt.Errorf("failed to check liveness key: %w", err)
	}
	if !live {
		o.logger.Info().
			Str("measurement_uuid", measurementUUID).
			Msg("all agents done on a canceled measurement, leaving it unfinalized")
		return nil
	}
	return o.Finalize(ctx, measurementUUID)
}
