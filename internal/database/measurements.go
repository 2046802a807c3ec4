package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	iriserrors "github.com/iris-measurement/iris/internal/errors"
)

// Measurement is one submitted campaign. Immutable except EndTime.
type Measurement struct {
	UUID            string
	Username        string
	Tool            string
	Protocol        string
	DestinationPort int
	MinTTL          int
	MaxTTL          int
	TargetFile      string
	Tags            []string
	Agents          []string
	StartTime       time.Time
	// EndTime is nil until normal finalization. Cancellation never sets it,
	// so a canceled measurement keeps a NULL end_time.
	EndTime *time.Time
}

// RegisterMeasurement inserts a measurement together with one
// agents_specific row per participating agent, atomically. No rows are
// written when any insert fails.
func (d *Database) RegisterMeasurement(ctx context.Context, m *Measurement, specifics []*AgentSpecific) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	agents, err := json.Marshal(m.Agents)
	if err != nil {
		return fmt.Errorf("failed to marshal agents: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer iriserrors.DeferRollback(d.logger, tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO measurements
		 (uuid, username, tool, protocol, destination_port, min_ttl, max_ttl,
		  target_file, tags, agents, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		m.UUID, m.Username, m.Tool, m.Protocol, m.DestinationPort,
		m.MinTTL, m.MaxTTL, m.TargetFile, string(tags), string(agents), m.StartTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}

	for _, s := range specifics {
		params, err := json.Marshal(s.ToolParameters)
		if err != nil {
			return fmt.Errorf("failed to marshal tool parameters: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO agents_specific
			 (measurement_uuid, agent_uuid, target_file, probing_rate,
			  tool_parameters, state, failed, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, false, NULL)`,
			s.MeasurementUUID, s.AgentUUID, s.TargetFile,
			nullableInt(s.ProbingRate), string(params), StateWaiting,
		)
		if err != nil {
			return fmt.Errorf("failed to insert agent specific row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit measurement registration: %w", err)
	}
	return nil
}

// GetMeasurement returns a user's measurement, or nil when not found.
func (d *Database) GetMeasurement(ctx context.Context, username, measurementUUID string) (*Measurement, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT uuid, username, tool, protocol, destination_port, min_ttl, max_ttl,
		        target_file, tags, agents, start_time, end_time
		 FROM measurements WHERE username = ? AND uuid = ?`,
		username, measurementUUID,
	)
	return scanMeasurement(row)
}

// GetMeasurementByUUID returns a measurement regardless of its owner, or
// nil when not found. The worker uses it when handling round results.
func (d *Database) GetMeasurementByUUID(ctx context.Context, measurementUUID string) (*Measurement, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT uuid, username, tool, protocol, destination_port, min_ttl, max_ttl,
		        target_file, tags, agents, start_time, end_time
		 FROM measurements WHERE uuid = ?`,
		measurementUUID,
	)
	return scanMeasurement(row)
}

// ListMeasurements returns a page of a user's measurements ordered by start
// time, newest first, plus the total count for pagination.
func (d *Database) ListMeasurements(ctx context.Context, username string, offset, limit int) ([]*Measurement, int, error) {
	var total int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM measurements WHERE username = ?", username,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count measurements: %w", err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT uuid, username, tool, protocol, destination_port, min_ttl, max_ttl,
		        target_file, tags, agents, start_time, end_time
		 FROM measurements WHERE username = ?
		 ORDER BY start_time DESC LIMIT ? OFFSET ?`,
		username, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	var measurements []*Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, 0, err
		}
		measurements = append(measurements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating measurements: %w", err)
	}
	return measurements, total, nil
}

// StampEndTime sets the end time of a measurement. Only normal finalization
// calls this; cancellation leaves end_time NULL.
func (d *Database) StampEndTime(ctx context.Context, measurementUUID string, endTime time.Time) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE measurements SET end_time = ? WHERE uuid = ?",
		endTime, measurementUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to stamp end time: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(row rowScanner) (*Measurement, error) {
	var m Measurement
	var tags, agents string
	var endTime sql.NullTime

	err := row.Scan(
		&m.UUID, &m.Username, &m.Tool, &m.Protocol, &m.DestinationPort,
		&m.MinTTL, &m.MaxTTL, &m.TargetFile, &tags, &agents, &m.StartTime, &endTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found.
		}
		return nil, fmt.Errorf("failed to scan measurement: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(agents), &m.Agents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agents: %w", err)
	}
	if endTime.Valid {
		m.EndTime = &endTime.Time
	}
	return &m, nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
