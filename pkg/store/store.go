// Package store holds the durable backends for the protocol ledgers:
// SQLite and Postgres through database/sql, and Redis for the hot
// consume paths.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS commitments (
	digest TEXT PRIMARY KEY,
	via TEXT NOT NULL,
	consumed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agents (
	identity TEXT PRIMARY KEY,
	authorized BOOLEAN NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS crosschain_nonces (
	domain_id TEXT NOT NULL,
	nonce TEXT NOT NULL,
	consumed_at TEXT NOT NULL,
	PRIMARY KEY (domain_id, nonce)
);
CREATE TABLE IF NOT EXISTS trusted_roots (
	version BIGINT PRIMARY KEY,
	root TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS uri_policy (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	policy TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	seq BIGINT PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	ts TEXT NOT NULL,
	fields TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);
`

// Open connects to driver/dsn and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A second connection to ":memory:" would see an empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates missing tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
