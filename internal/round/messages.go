// Package round defines the messages exchanged between the worker and the
// agents over the task queue: round requests going out, round results
// coming back.
package round

import (
	"encoding/json"
	"fmt"
)

// Queue names used for worker/agent exchange. Requests fan out to a
// per-agent queue; results all land on the shared results queue.
const (
	ResultsQueue     = "rounds:results"
	requestQueueBase = "rounds:requests"
)

// RequestQueue returns the name of the request queue for one agent.
func RequestQueue(agentUUID string) string {
	return requestQueueBase + ":" + agentUUID
}

// Status is the outcome of one probing round on one agent.
type Status string

const (
	// StatusCompleted means the engine ran to completion and produced
	// a results file.
	StatusCompleted Status = "completed"
	// StatusFailed means the round faulted (engine error, timeout).
	StatusFailed Status = "failed"
	// StatusCanceled means the watcher killed the engine after the
	// measurement's liveness key disappeared.
	StatusCanceled Status = "canceled"
)

// Request asks one agent to probe one round of a measurement.
type Request struct {
	MeasurementUUID string `json:"measurement_uuid"`
	AgentUUID       string `json:"agent_uuid"`
	Round           int    `json:"round"`
	// Attempt counts retries of this same round, starting at 0.
	Attempt int `json:"attempt"`
	// ProbesFile points at the prior round's probes file. Empty for
	// round 1, where the agent generates the probe stream itself.
	ProbesFile string `json:"probes_file,omitempty"`
	// TargetFile is the validated target file, consumed on round 1.
	TargetFile string `json:"target_file,omitempty"`
	// Parameters is the merged parameter view for this agent.
	Parameters map[string]any `json:"parameters,omitempty"`
	// TimeoutSeconds bounds the round's wall-clock time on the agent.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Result reports the outcome of one probing round back to the worker.
type Result struct {
	MeasurementUUID string `json:"measurement_uuid"`
	AgentUUID       string `json:"agent_uuid"`
	Round           int    `json:"round"`
	Attempt         int    `json:"attempt"`
	Status          Status `json:"status"`
	// ProbesFile echoes the request's input stream so a failed round
	// can be re-dispatched as-is.
	ProbesFile string `json:"probes_file,omitempty"`
	// ResultsFile is the CSV the engine produced. Set when completed.
	ResultsFile string `json:"results_file,omitempty"`
	// NextProbesFile is the probes file for round k+1 when the oracle
	// produced one. Empty means no further probing is needed.
	NextProbesFile string `json:"next_probes_file,omitempty"`
	// Error describes the fault when the status is failed.
	Error string `json:"error,omitempty"`
}

// EncodeRequest serializes a round request for the queue.
func EncodeRequest(req Request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode round request: %w", err)
	}
	return b, nil
}

// DecodeRequest parses a round request payload.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("failed to decode round request: %w", err)
	}
	return req, nil
}

// EncodeResult serializes a round result for the queue.
func EncodeResult(res Result) ([]byte, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode round result: %w", err)
	}
	return b, nil
}

// DecodeResult parses a round result payload.
func DecodeResult(payload []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, fmt.Errorf("failed to decode round result: %w", err)
	}
	return res, nil
}
