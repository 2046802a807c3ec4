package database

import (
	"fmt"
)

// initSchema creates the registry tables. Result tables are created lazily,
// one per (measurement, agent) pair, by CreateResultsTable.
// Uses CREATE TABLE IF NOT EXISTS for idempotency across restarts.
func (d *Database) initSchema() error {
	// Wrap all DDL statements in a transaction for atomicity.
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ddl := range schemaDDL {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("failed to execute DDL: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema transaction: %w", err)
	}

	return nil
}

// schemaDDL contains the DDL statements for the registry schema.
var schemaDDL = []string{
	// Measurements - one row per submitted campaign. Immutable except
	// end_time, which is stamped on normal finalization only.
	`CREATE TABLE IF NOT EXISTS measurements (
		uuid TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		tool TEXT NOT NULL,
		protocol TEXT NOT NULL,
		destination_port INTEGER NOT NULL,
		min_ttl INTEGER NOT NULL,
		max_ttl INTEGER NOT NULL,
		target_file TEXT NOT NULL,
		tags TEXT,
		agents TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_measurements_username ON measurements(username)`,

	// Agents - long-lived static descriptors, independent of measurements.
	`CREATE TABLE IF NOT EXISTS agents (
		uuid TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		hostname TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		min_ttl INTEGER NOT NULL,
		max_probing_rate INTEGER NOT NULL,
		registered_at TIMESTAMP NOT NULL
	)`,

	// Per-(measurement,agent) participation rows. state only moves forward:
	// waiting -> ongoing -> finished.
	`CREATE TABLE IF NOT EXISTS agents_specific (
		measurement_uuid TEXT NOT NULL,
		agent_uuid TEXT NOT NULL,
		target_file TEXT NOT NULL,
		probing_rate INTEGER,
		tool_parameters TEXT,
		state TEXT NOT NULL,
		failed BOOLEAN NOT NULL DEFAULT false,
		finished_at TIMESTAMP,
		PRIMARY KEY (measurement_uuid, agent_uuid)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_agents_specific_measurement ON agents_specific(measurement_uuid)`,
}
