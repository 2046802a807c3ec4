// Package watcher implements cooperative cancellation for a running
// probing round. It polls the measurement's liveness key while the engine
// runs and kills the engine when the key disappears.
package watcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Process is a running engine invocation under watch.
type Process interface {
	// Alive reports whether the process is still running.
	Alive() bool
	// Kill terminates the process.
	Kill() error
}

// StateReader reads measurement liveness from the shared state store.
type StateReader interface {
	GetMeasurementState(ctx context.Context, measurementUUID string) (state string, ok bool, err error)
}

// Outcome is how a watched round ended.
type Outcome string

const (
	// OutcomeCompleted means the process exited on its own.
	OutcomeCompleted Outcome = "completed"
	// OutcomeCanceled means the liveness key vanished and the process
	// was killed.
	OutcomeCanceled Outcome = "canceled"
)

// Watcher polls a measurement's liveness key at a fixed interval.
type Watcher struct {
	store   StateReader
	refresh time.Duration
	logger  zerolog.Logger
}

// New returns a watcher polling the given store every refresh interval.
func New(store StateReader, refresh time.Duration, logger zerolog.Logger) *Watcher {
	return &Watcher{
		store:   store,
		refresh: refresh,
		logger:  logger.With().Str("component", "watcher").Logger(),
	}
}

// Watch blocks until the process exits or the measurement's liveness key
// disappears. When the key is gone the process is killed and the outcome
// is canceled. Cancellation of ctx counts as process completion; the
// caller cancels it once the engine has exited.
func (w *Watcher) Watch(ctx context.Context, measurementUUID string, proc Process) Outcome {
	ticker := time.NewTicker(w.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return OutcomeCompleted
		case <-ticker.C:
			if !proc.Alive() {
				return OutcomeCompleted
			}

			_, ok, err := w.store.GetMeasurementState(ctx, measurementUUID)
			if err != nil {
				// Transient store errors never kill a round.
				w.logger.Warn().Err(err).
					Str("measurement_uuid", measurementUUID).
					Msg("liveness check failed")
				continue
			}
			if !ok {
				w.logger.Info().
					Str("measurement_uuid", measurementUUID).
					Msg("liveness key gone, killing engine")
				if err := proc.Kill(); err != nil {
					w.logger.Error().Err(err).
						Str("measurement_uuid", measurementUUID).
						Msg("failed to kill engine")
				}
				return OutcomeCanceled
			}
		}
	}
}
