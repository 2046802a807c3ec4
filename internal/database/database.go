// Package database provides DuckDB storage for the measurement registry and
// the per-(measurement,agent) result tables.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"
)

// Database wraps a DuckDB connection.
type Database struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// New creates and initializes a DuckDB database under storagePath.
// It creates the storage directory if it doesn't exist, opens the database
// connection, and initializes the registry schema.
func New(storagePath, name string, logger zerolog.Logger) (*Database, error) {
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbPath := filepath.Join(storagePath, name+".duckdb")

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer (the orchestrator) plus concurrent readers.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:     db,
		path:   dbPath,
		logger: logger,
	}

	if err := database.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().
		Str("path", dbPath).
		Msg("Database initialized")

	return database, nil
}

// Close closes the database connection gracefully.
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	d.logger.Info().
		Str("path", d.path).
		Msg("Database closed")
	return nil
}

// Ping checks if the database connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// DB returns the underlying sql.DB connection.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Path returns the file path of the database.
func (d *Database) Path() string {
	return d.path
}

// DropTable removes a table. Idempotent.
func (d *Database) DropTable(ctx context.Context, table string) error {
	if err := validTableName(table); err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

// CleanTable removes every row of a table, keeping its definition.
func (d *Database) CleanTable(ctx context.Context, table string) error {
	if err := validTableName(table); err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("failed to clean table %s: %w", table, err)
	}
	return nil
}

// tableExists reports whether a table is present in the catalog.
func (d *Database) tableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?", table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}
	return count > 0, nil
}

// validTableName guards identifiers that are interpolated into DDL, since
// table names cannot be bound as query parameters.
func validTableName(table string) error {
	if table == "" {
		return fmt.Errorf("empty table name")
	}
	for _, r := range table {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return fmt.Errorf("invalid character %q in table name %q", r, table)
		}
	}
	return nil
}
