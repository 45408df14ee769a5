// Package store persists the engine's durable records: quota snapshots,
// rate-limit events, auto-pause log entries and alert history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import modernc.org/sqlite as a blank import to register the driver
	_ "modernc.org/sqlite"
)

// Store wraps the SQL database connection with engine-specific methods.
type Store struct {
	*sql.DB
	path string
}

// Open creates a new database connection and initializes the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.PingContext(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		DB:   sqlDB,
		path: path,
	}

	if err := s.configure(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := s.createSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// configure sets up database pragmas for optimal performance.
func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := s.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *Store) createSchema() error {
	if err := s.createQuotaSnapshotsTable(); err != nil {
		return err
	}
	if err := s.createRateLimitEventsTable(); err != nil {
		return err
	}
	if err := s.createAutoPauseLogTable(); err != nil {
		return err
	}
	return s.createAlertHistoryTable()
}

func (s *Store) createQuotaSnapshotsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS quota_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		kind TEXT NOT NULL,
		current INTEGER NOT NULL,
		limit_value INTEGER NOT NULL,
		percent REAL NOT NULL,
		window_start DATETIME NOT NULL,
		window_end DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_quota_snapshots_provider ON quota_snapshots(provider, created_at);
	`
	_, err := s.ExecContext(context.Background(), query)
	return err
}

func (s *Store) createRateLimitEventsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS rate_limit_events (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		provider TEXT NOT NULL,
		detected_at DATETIME NOT NULL,
		http_status INTEGER DEFAULT 0,
		retry_after_ms INTEGER DEFAULT 0,
		attempt INTEGER DEFAULT 0,
		resolved_at DATETIME,
		failed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_events_provider ON rate_limit_events(provider, detected_at);
	`
	_, err := s.ExecContext(context.Background(), query)
	return err
}

func (s *Store) createAutoPauseLogTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS auto_pause_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		trigger_reason TEXT NOT NULL,
		threshold_percent REAL DEFAULT 0,
		priority_at_pause INTEGER DEFAULT 0,
		paused_at DATETIME NOT NULL,
		resumed_at DATETIME,
		override_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_auto_pause_log_provider ON auto_pause_log(provider, paused_at);
	CREATE INDEX IF NOT EXISTS idx_auto_pause_log_project ON auto_pause_log(project_id);
	`
	_, err := s.ExecContext(context.Background(), query)
	return err
}

func (s *Store) createAlertHistoryTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS alert_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id TEXT,
		provider TEXT NOT NULL,
		level TEXT NOT NULL,
		title TEXT,
		body TEXT,
		channels TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_alert_history_provider ON alert_history(provider, created_at);
	`
	_, err := s.ExecContext(context.Background(), query)
	return err
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	// Checkpoint WAL before closing
	_, _ = s.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return s.DB.Close()
}

// Vacuum performs database maintenance to reclaim space.
func (s *Store) Vacuum() error {
	_, err := s.ExecContext(context.Background(), "VACUUM")
	return err
}
