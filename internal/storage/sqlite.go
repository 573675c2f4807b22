package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the run-history database at path
// and ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := ValidateLocalFilesystem(path, "paths.history"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_run (
  id              TEXT PRIMARY KEY,
  status          TEXT NOT NULL,
  dry_run         INTEGER NOT NULL,
  loaded          INTEGER NOT NULL,
  eligible        INTEGER NOT NULL,
  attempted       INTEGER NOT NULL,
  dispatched      INTEGER NOT NULL,
  failed          INTEGER NOT NULL,
  skipped         INTEGER NOT NULL,
  skip_reasons    JSON,
  daily_counts    JSON,
  config_hash     TEXT,
  started_at      TEXT NOT NULL,
  finished_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dispatch_attempt (
  run_id          TEXT NOT NULL REFERENCES dispatch_run(id) ON DELETE CASCADE,
  target_id       TEXT NOT NULL,
  campaign_id     TEXT NOT NULL,
  call_id         TEXT,
  to_number       TEXT NOT NULL,
  status          TEXT NOT NULL,
  reason          TEXT,
  attempt_number  INTEGER NOT NULL,
  after_hours     INTEGER NOT NULL,
  at              TEXT NOT NULL,
  PRIMARY KEY (run_id, target_id)
);`,
		`CREATE INDEX IF NOT EXISTS dispatch_run_started_at_idx ON dispatch_run(started_at);`,
		`CREATE INDEX IF NOT EXISTS dispatch_attempt_target_idx ON dispatch_attempt(target_id, at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
