package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const resultsTablePrefix = "results"

// ResultRow is one probe/reply tuple emitted by the probing engine. Rows are
// appended per round, never updated.
type ResultRow struct {
	SrcIP            string  `json:"src_ip"`
	DstPrefix        string  `json:"dst_prefix"`
	DstIP            string  `json:"dst_ip"`
	ReplyIP          string  `json:"reply_ip"`
	Proto            int     `json:"proto"`
	SrcPort          int     `json:"src_port"`
	DstPort          int     `json:"dst_port"`
	TTL              int     `json:"ttl"`
	TTLFromUDPLength int     `json:"ttl_from_udp_length"`
	ICMPType         int     `json:"icmp_type"`
	ICMPCode         int     `json:"icmp_code"`
	RTT              float64 `json:"rtt"`
	ReplyTTL         int     `json:"reply_ttl"`
	ReplySize        int     `json:"reply_size"`
	Round            int     `json:"round"`
	Snapshot         int     `json:"snapshot"`
}

// ResultsPage is one page of a result table.
type ResultsPage struct {
	// Count is the total number of rows in the table.
	Count int `json:"count"`
	// Results is the requested slice of rows.
	Results []ResultRow `json:"results"`
}

// ForgeTableName builds the result table identifier for one
// (measurement, agent) pair. The encoding is reversible: hyphens become
// underscores and the parts are joined with double underscores, so
// ParseTableName recovers both UUIDs exactly.
func ForgeTableName(measurementUUID, agentUUID string) string {
	return resultsTablePrefix +
		"__" + strings.ReplaceAll(measurementUUID, "-", "_") +
		"__" + strings.ReplaceAll(agentUUID, "-", "_")
}

// ParseTableName is the exact inverse of ForgeTableName.
func ParseTableName(table string) (measurementUUID, agentUUID string, err error) {
	parts := strings.Split(table, "__")
	if len(parts) != 3 || parts[0] != resultsTablePrefix {
		return "", "", fmt.Errorf("malformed results table name %q", table)
	}

	measurementUUID = strings.ReplaceAll(parts[1], "_", "-")
	agentUUID = strings.ReplaceAll(parts[2], "_", "-")

	if _, err := uuid.Parse(measurementUUID); err != nil {
		return "", "", fmt.Errorf("invalid measurement UUID in table name %q: %w", table, err)
	}
	if _, err := uuid.Parse(agentUUID); err != nil {
		return "", "", fmt.Errorf("invalid agent UUID in table name %q: %w", table, err)
	}
	return measurementUUID, agentUUID, nil
}

// CreateResultsTable creates the result table for one (measurement, agent)
// pair. Idempotent.
func (d *Database) CreateResultsTable(ctx context.Context, measurementUUID, agentUUID string) (string, error) {
	table := ForgeTableName(measurementUUID, agentUUID)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		src_ip TEXT,
		dst_prefix TEXT,
		dst_ip TEXT,
		reply_ip TEXT,
		proto INTEGER,
		src_port INTEGER,
		dst_port INTEGER,
		ttl INTEGER,
		ttl_from_udp_length INTEGER,
		icmp_type INTEGER,
		icmp_code INTEGER,
		rtt DOUBLE,
		reply_ttl INTEGER,
		reply_size INTEGER,
		round INTEGER,
		snapshot INTEGER
	)`, table)

	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("failed to create results table %s: %w", table, err)
	}
	return table, nil
}

// InsertCSV bulk-loads a round's CSV file into a result table. The file is
// ingested directly by DuckDB, not row by row. Writes are serialized per
// table by the orchestrator, one agent round at a time.
func (d *Database) InsertCSV(ctx context.Context, csvPath, table string) error {
	if err := validTableName(table); err != nil {
		return err
	}
	// The file path cannot be bound as a parameter in COPY; escape quotes.
	escaped := strings.ReplaceAll(csvPath, "'", "''")
	query := fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER false)", table, escaped)

	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to bulk load %s into %s: %w", csvPath, table, err)
	}
	return nil
}

// QueryResults returns one page of a result table. Querying a table that
// does not exist yet returns an empty page, not an error: results simply
// have not arrived.
func (d *Database) QueryResults(ctx context.Context, table string, offset, limit int) (*ResultsPage, error) {
	if err := validTableName(table); err != nil {
		return nil, err
	}

	exists, err := d.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &ResultsPage{Count: 0, Results: []ResultRow{}}, nil
	}

	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}

	query := fmt.Sprintf(`SELECT src_ip, dst_prefix, dst_ip, reply_ip, proto, src_port,
		dst_port, ttl, ttl_from_udp_length, icmp_type, icmp_code, rtt,
		reply_ttl, reply_size, round, snapshot
		FROM %s
		ORDER BY src_ip, dst_prefix, dst_ip, ttl, src_port, dst_port, snapshot
		LIMIT ? OFFSET ?`, table)

	rows, err := d.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []ResultRow{}
	for rows.Next() {
		var r ResultRow
		err := rows.Scan(&r.SrcIP, &r.DstPrefix, &r.DstIP, &r.ReplyIP, &r.Proto,
			&r.SrcPort, &r.DstPort, &r.TTL, &r.TTLFromUDPLength, &r.ICMPType,
			&r.ICMPCode, &r.RTT, &r.ReplyTTL, &r.ReplySize, &r.Round, &r.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return &ResultsPage{Count: total, Results: results}, nil
}
