package prober

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
)

// RunConfig is everything the engine needs for one probing round.
type RunConfig struct {
	// ProbesFile is the input probe stream, one record per line.
	ProbesFile string
	// OutputFile is where the engine writes its result CSV.
	OutputFile string
	// NextProbesFile is where the engine's stopping oracle writes the
	// probe stream for the next round, when there is one.
	NextProbesFile string
	// ProbingRate is the effective packets-per-second rate.
	ProbingRate int
	// RateLimitingMethod is one of auto, active, sleep, none.
	RateLimitingMethod string
	// MetaRound tags every emitted result row with the round number.
	MetaRound int
	// ExclusionFile is an optional prefix exclusion list.
	ExclusionFile string
	// LogLevel is the engine's severity threshold.
	LogLevel string
}

// Handle controls a running engine invocation.
type Handle interface {
	// Alive reports whether the invocation is still running.
	Alive() bool
	// Kill terminates the invocation.
	Kill() error
	// Wait blocks until the invocation ends and returns its error.
	Wait() error
}

// Engine starts one probing round and returns a handle to it.
type Engine interface {
	Start(ctx context.Context, cfg RunConfig) (Handle, error)
}

// ExecEngine runs the probing engine as an external process.
type ExecEngine struct {
	binary string
	logger zerolog.Logger
}

// NewExecEngine returns an engine shelling out to the given binary.
func NewExecEngine(binary string, logger zerolog.Logger) *ExecEngine {
	return &ExecEngine{
		binary: binary,
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

// Start launches the engine process. The process reads the probes file,
// writes its result CSV and, when its stopping oracle has more work,
// the next round's probes file.
func (e *ExecEngine) Start(ctx context.Context, cfg RunConfig) (Handle, error) {
	args := []string{
		"--output-file-csv", cfg.OutputFile,
		"--probing-rate", strconv.Itoa(cfg.ProbingRate),
		"--rate-limiting-method", cfg.RateLimitingMethod,
		"--meta-round-start", strconv.Itoa(cfg.MetaRound),
		"--log-level", cfg.LogLevel,
	}
	if cfg.NextProbesFile != "" {
		args = append(args, "--next-round-csv", cfg.NextProbesFile)
	}
	if cfg.ExclusionFile != "" {
		args = append(args, "--filter-from-prefix-file-excl", cfg.ExclusionFile)
	}
	args = append(args, cfg.ProbesFile)

	cmd := exec.CommandContext(ctx, e.binary, args...)

	e.logger.Debug().
		Str("binary", e.binary).
		Strs("args", args).
		Msg("starting engine")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine %s: %w", e.binary, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Kill() error {
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill engine process: %w", err)
	}
	return nil
}

func (h *execHandle) Wait() error {
	<-h.done
	return h.err
}
