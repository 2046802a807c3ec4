package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is the long-lived registry entry for a probing agent.
// It persists across measurements; liveness is tracked separately in the
// shared state store.
type AgentRecord struct {
	UUID           string
	Version        string
	Hostname       string
	IPAddress      string
	MinTTL         int
	MaxProbingRate int
	RegisteredAt   time.Time
}

// UpsertAgent inserts or refreshes an agent's static descriptor.
func (d *Database) UpsertAgent(ctx context.Context, a *AgentRecord) error {
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now()
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO agents
		 (uuid, version, hostname, ip_address, min_ttl, max_probing_rate, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (uuid) DO UPDATE SET
		   version = excluded.version,
		   hostname = excluded.hostname,
		   ip_address = excluded.ip_address,
		   min_ttl = excluded.min_ttl,
		   max_probing_rate = excluded.max_probing_rate`,
		a.UUID, a.Version, a.Hostname, a.IPAddress, a.MinTTL, a.MaxProbingRate, a.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// GetAgent returns an agent's registry entry, or nil when not found.
func (d *Database) GetAgent(ctx context.Context, agentUUID string) (*AgentRecord, error) {
	var a AgentRecord
	err := d.db.QueryRowContext(ctx,
		`SELECT uuid, version, hostname, ip_address, min_ttl, max_probing_rate, registered_at
		 FROM agents WHERE uuid = ?`, agentUUID,
	).Scan(&a.UUID, &a.Version, &a.Hostname, &a.IPAddress, &a.MinTTL, &a.MaxProbingRate, &a.RegisteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found.
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns every registered agent.
func (d *Database) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT uuid, version, hostname, ip_address, min_ttl, max_probing_rate, registered_at
		 FROM agents ORDER BY uuid`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		var a AgentRecord
		err := rows.Scan(&a.UUID, &a.Version, &a.Hostname, &a.IPAddress,
			&a.MinTTL, &a.MaxProbingRate, &a.RegisteredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}
