// Package prober runs probing rounds on an agent. The supervisor prepares
// the probe stream, caps the probing rate at the agent ceiling, invokes
// the engine and watches the measurement's liveness key for cooperative
// cancellation.
package prober

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/iris-measurement/iris/internal/agent/watcher"
	"github.com/iris-measurement/iris/internal/config"
	"github.com/iris-measurement/iris/internal/logging"
	"github.com/iris-measurement/iris/internal/params"
	"github.com/iris-measurement/iris/internal/probe"
	"github.com/iris-measurement/iris/internal/round"
	"github.com/iris-measurement/iris/internal/targets"
)

// Supervisor runs one probing round at a time for an agent.
type Supervisor struct {
	cfg    *config.AgentConfig
	engine Engine
	// store is the liveness reader for the cancellation watcher. A nil
	// store disables the watcher; rounds then always run to completion.
	store  watcher.StateReader
	logger zerolog.Logger
}

// New returns a supervisor for the given engine and agent configuration.
func New(cfg *config.AgentConfig, engine Engine, store watcher.StateReader, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		engine: engine,
		store:  store,
		logger: logger.With().Str("component", "prober").Logger(),
	}
}

// EffectiveRate caps a requested probing rate at the agent ceiling.
// A requested rate of zero or less means "use the ceiling".
func (s *Supervisor) EffectiveRate(requested int) int {
	if requested <= 0 || requested > s.cfg.MaxProbingRate {
		return s.cfg.MaxProbingRate
	}
	return requested
}

// Run executes one probing round and reports its outcome. Faults are
// folded into the result's status rather than returned, so the runner
// can always report something back to the worker.
func (s *Supervisor) Run(ctx context.Context, req round.Request) round.Result {
	logger := logging.WithRound(s.logger, req.MeasurementUUID, req.AgentUUID, req.Round)

	res := round.Result{
		MeasurementUUID: req.MeasurementUUID,
		AgentUUID:       req.AgentUUID,
		Round:           req.Round,
		Attempt:         req.Attempt,
		ProbesFile:      req.ProbesFile,
	}

	runCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	view := params.NewView(req.AgentUUID, req.Parameters, nil, nil)
	rate := s.EffectiveRate(view.GetInt("probing_rate"))

	probesFile, err := s.probesFile(req, view.GetInt("destination_port"))
	if err != nil {
		res.Status = round.StatusFailed
		res.Error = err.Error()
		return res
	}

	outputFile := s.roundPath(req.MeasurementUUID, req.AgentUUID, req.Round, "csv")
	nextProbesFile := s.roundPath(req.MeasurementUUID, req.AgentUUID, req.Round+1, "probes")

	logger.Info().
		Int("probing_rate", rate).
		Str("probes_file", probesFile).
		Msg("starting probing round")

	handle, err := s.engine.Start(runCtx, RunConfig{
		ProbesFile:         probesFile,
		OutputFile:         outputFile,
		NextProbesFile:     nextProbesFile,
		ProbingRate:        rate,
		RateLimitingMethod: s.cfg.RateLimitingMethod,
		MetaRound:          req.Round,
		ExclusionFile:      s.cfg.ExcludePath,
		LogLevel:           s.cfg.Log.Level,
	})
	if err != nil {
		res.Status = round.StatusFailed
		res.Error = err.Error()
		return res
	}

	canceled := s.superviseEngine(runCtx, req.MeasurementUUID, handle, logger)
	engineErr := handle.Wait()

	switch {
	case canceled:
		res.Status = round.StatusCanceled
	case engineErr != nil:
		res.Status = round.StatusFailed
		res.Error = fmt.Sprintf("engine fault: %v", engineErr)
		if runCtx.Err() == context.DeadlineExceeded {
			res.Error = fmt.Sprintf("round timed out after %ds", req.TimeoutSeconds)
		}
	default:
		res.Status = round.StatusCompleted
		res.ResultsFile = outputFile
		if _, err := os.Stat(nextProbesFile); err == nil {
			res.NextProbesFile = nextProbesFile
		}
	}

	logger.Info().Str("status", string(res.Status)).Msg("probing round finished")
	return res
}

// superviseEngine runs the cancellation watcher alongside the engine and
// reports whether the round was canceled. With no state store the round
// is never canceled from the outside.
func (s *Supervisor) superviseEngine(ctx context.Context, measurementUUID string, handle Handle, logger zerolog.Logger) bool {
	if s.store == nil {
		return false
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	outcomes := make(chan watcher.Outcome, 1)

	w := watcher.New(s.store, s.cfg.WatchRefresh(), logger)
	go func() {
		outcomes <- w.Watch(watchCtx, measurementUUID, handle)
	}()

	handle.Wait()
	stopWatch()

	return <-outcomes == watcher.OutcomeCanceled
}

// probesFile resolves the round's input probe stream. Round 1 generates
// it from the target file; later rounds relay the oracle's file untouched.
func (s *Supervisor) probesFile(req round.Request, dstPort int) (string, error) {
	if req.Round > 1 {
		if req.ProbesFile == "" {
			return "", fmt.Errorf("round %d request without a probes file", req.Round)
		}
		return req.ProbesFile, nil
	}

	ts, err := targets.ParseFile(req.TargetFile)
	if err != nil {
		return "", fmt.Errorf("failed to parse target file: %w", err)
	}

	gen := probe.NewFlowGenerator(xxh3.HashString(req.MeasurementUUID))
	if dstPort > 0 {
		gen.DstPort = dstPort
	}
	probes, err := gen.Generate(ts)
	if err != nil {
		return "", fmt.Errorf("failed to generate probes: %w", err)
	}

	path := s.roundPath(req.MeasurementUUID, req.AgentUUID, req.Round, "probes")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create probes file: %w", err)
	}
	if err := probe.WriteProbes(f, probes); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close probes file: %w", err)
	}
	return path, nil
}

func (s *Supervisor) roundPath(measurementUUID, agentUUID string, roundNumber int, ext string) string {
	name := fmt.Sprintf("%s__%s__round_%d.%s", measurementUUID, agentUUID, roundNumber, ext)
	return filepath.Join(s.cfg.ResultsDir, name)
}
