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

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The journal is written by one coordinator at a time.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the run journal tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_runs (
  batch_id          TEXT PRIMARY KEY,
  command           TEXT NOT NULL,
  project           TEXT NOT NULL,
  status            TEXT NOT NULL,
  estimated_seconds REAL NOT NULL DEFAULT 0,
  started_at        TEXT NOT NULL,
  images_started_at TEXT,
  completed_at      TEXT,
  duration_seconds  REAL,
  jobs_submitted    INTEGER NOT NULL DEFAULT 0,
  jobs_unknown      INTEGER NOT NULL DEFAULT 0,
  error_message     TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_runs (
  handle           TEXT PRIMARY KEY,
  batch_id         TEXT NOT NULL,
  label            TEXT NOT NULL,
  outcome          TEXT NOT NULL,
  submitted_at     TEXT NOT NULL,
  finished_at      TEXT,
  duration_seconds REAL
);`,
		`CREATE INDEX IF NOT EXISTS batch_runs_command_idx ON batch_runs(command, status);`,
		`CREATE INDEX IF NOT EXISTS batch_runs_started_at_idx ON batch_runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS job_runs_batch_idx ON job_runs(batch_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
