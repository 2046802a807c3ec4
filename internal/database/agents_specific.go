package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Agent states within a measurement. Transitions only move forward.
const (
	StateWaiting  = "waiting"
	StateOngoing  = "ongoing"
	StateFinished = "finished"
)

var stateRank = map[string]int{
	StateWaiting:  0,
	StateOngoing:  1,
	StateFinished: 2,
}

// ErrStateRegression is returned when a state update would move an agent
// backwards (e.g. finished -> ongoing).
var ErrStateRegression = errors.New("agent state cannot regress")

// AgentSpecific is the per-(measurement,agent) participation row, carrying
// the override parameter layer and the agent's progress.
type AgentSpecific struct {
	MeasurementUUID string
	AgentUUID       string
	TargetFile      string
	ProbingRate     int
	ToolParameters  map[string]any
	State           string
	Failed          bool
	FinishedAt      *time.Time
}

// GetAgentSpecific returns one participation row, or nil when the agent did
// not take part in the measurement.
func (d *Database) GetAgentSpecific(ctx context.Context, measurementUUID, agentUUID string) (*AgentSpecific, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT measurement_uuid, agent_uuid, target_file, probing_rate,
		        tool_parameters, state, failed, finished_at
		 FROM agents_specific WHERE measurement_uuid = ? AND agent_uuid = ?`,
		measurementUUID, agentUUID,
	)
	return scanAgentSpecific(row)
}

// ListAgentSpecifics returns every participation row of a measurement.
func (d *Database) ListAgentSpecifics(ctx context.Context, measurementUUID string) ([]*AgentSpecific, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT measurement_uuid, agent_uuid, target_file, probing_rate,
		        tool_parameters, state, failed, finished_at
		 FROM agents_specific WHERE measurement_uuid = ? ORDER BY agent_uuid`,
		measurementUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent specific rows: %w", err)
	}
	defer rows.Close()

	var specifics []*AgentSpecific
	for rows.Next() {
		s, err := scanAgentSpecific(rows)
		if err != nil {
			return nil, err
		}
		specifics = append(specifics, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent specific rows: %w", err)
	}
	return specifics, nil
}

// SetAgentState advances an agent's state within a measurement. Writing the
// current state again is a no-op; moving backwards returns
// ErrStateRegression.
func (d *Database) SetAgentState(ctx context.Context, measurementUUID, agentUUID, newState string) error {
	newRank, ok := stateRank[newState]
	if !ok {
		return fmt.Errorf("unknown agent state %q", newState)
	}

	current, err := d.GetAgentSpecific(ctx, measurementUUID, agentUUID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("agent %s did not participate in measurement %s", agentUUID, measurementUUID)
	}
	if newRank < stateRank[current.State] {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, current.State, newState)
	}
	if newRank == stateRank[current.State] {
		return nil
	}

	var finishedAt any
	if newState == StateFinished {
		finishedAt = time.Now()
	}
	_, err = d.db.ExecContext(ctx,
		`UPDATE agents_specific SET state = ?, finished_at = ?
		 WHERE measurement_uuid = ? AND agent_uuid = ?`,
		newState, finishedAt, measurementUUID, agentUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to set agent state: %w", err)
	}
	return nil
}

// MarkAgentFailed flags an agent as failed for one measurement and moves it
// to finished. Sibling agents are unaffected.
func (d *Database) MarkAgentFailed(ctx context.Context, measurementUUID, agentUUID string) error {
	if err := d.SetAgentState(ctx, measurementUUID, agentUUID, StateFinished); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx,
		`UPDATE agents_specific SET failed = true
		 WHERE measurement_uuid = ? AND agent_uuid = ?`,
		measurementUUID, agentUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark agent failed: %w", err)
	}
	return nil
}

// AllAgentsFinished reports whether every agent of a measurement reached the
// finished state.
func (d *Database) AllAgentsFinished(ctx context.Context, measurementUUID string) (bool, error) {
	var remaining int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents_specific
		 WHERE measurement_uuid = ? AND state != ?`,
		measurementUUID, StateFinished,
	).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("failed to count unfinished agents: %w", err)
	}
	return remaining == 0, nil
}

func scanAgentSpecific(row rowScanner) (*AgentSpecific, error) {
	var s AgentSpecific
	var probingRate sql.NullInt64
	var params sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&s.MeasurementUUID, &s.AgentUUID, &s.TargetFile,
		&probingRate, &params, &s.State, &s.Failed, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found.
		}
		return nil, fmt.Errorf("failed to scan agent specific row: %w", err)
	}

	if probingRate.Valid {
		s.ProbingRate = int(probingRate.Int64)
	}
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &s.ToolParameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool parameters: %w", err)
		}
	}
	if finishedAt.Valid {
		s.FinishedAt = &finishedAt.Time
	}
	return &s, nil
}
