package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps an
	// in-memory database shared between calls.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.Bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Bootstrap checks the current schema version and applies any
// outstanding migrations in order. It is safe to call on every start.
func (s *SQLiteStore) Bootstrap(ctx context.Context) error {
	currentVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration, or 0 for a fresh
// database.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var tableCount int
	err := s.db.GetContext(ctx,
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return 0, fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount == 0 {
		return 0, nil
	}

	var version int
	err = s.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// RecordRun inserts a rule run summary.
func (s *SQLiteStore) RecordRun(ctx context.Context, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_runs (
			id, started_at, finished_at, messages, matches,
			actions_applied, failures, dry_run
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.Messages, rec.Matches,
		rec.ActionsApplied, rec.Failures, boolToInt(rec.DryRun),
	)
	if err != nil {
		return storageErr("record run", fmt.Errorf("run %s: %w", rec.ID, err))
	}
	return nil
}

// RecentRuns returns up to limit run summaries, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, started_at, finished_at, messages, matches,
			actions_applied, failures, dry_run
		FROM rule_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("recent runs", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			startedAt  sqlTime
			finishedAt sqlTime
		)
		if err := rows.Scan(
			&rec.ID, &startedAt, &finishedAt, &rec.Messages, &rec.Matches,
			&rec.ActionsApplied, &rec.Failures, &rec.DryRun,
		); err != nil {
			return nil, storageErr("recent runs", fmt.Errorf("scanning run row: %w", err))
		}
		rec.StartedAt = startedAt.Time
		rec.FinishedAt = finishedAt.Time
		runs = append(runs, rec)
	}

	return runs, storageErr("recent runs", rows.Err())
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
