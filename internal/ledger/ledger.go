// Package ledger records job results and per-item failures in SQLite so a
// failed page or group can be found and reprocessed later.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical/scan-ocr/internal/domain"
)

// ErrNotFound is returned when a job is not in the ledger.
var ErrNotFound = errors.New("job not found in ledger")

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		job_id          TEXT PRIMARY KEY,
		input           TEXT NOT NULL,
		mode            TEXT NOT NULL,
		status          TEXT NOT NULL,
		processed_count INTEGER NOT NULL,
		failed_count    INTEGER NOT NULL,
		total_count     INTEGER NOT NULL,
		session         TEXT NOT NULL DEFAULT '',
		started_at      TEXT NOT NULL,
		duration_ms     INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS failures (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      TEXT NOT NULL REFERENCES runs(job_id) ON DELETE CASCADE,
		group_key   TEXT NOT NULL,
		page_index  INTEGER NOT NULL,
		source      TEXT NOT NULL,
		stage       TEXT NOT NULL,
		error       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failures_job ON failures(job_id);`,
	`CREATE TABLE IF NOT EXISTS outputs (
		job_id TEXT NOT NULL REFERENCES runs(job_id) ON DELETE CASCADE,
		path   TEXT NOT NULL
	);`,
}

// Run is one row of the runs table
type Run struct {
	JobID     string
	Input     string
	Mode      domain.InputMode
	Status    domain.JobStatus
	Processed int
	Failed    int
	Total     int
	Session   string
	StartedAt time.Time
	Duration  time.Duration
	Outputs   []string
}

// Ledger is a SQLite-backed run history.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Record stores a finished job with its failures and outputs. Recording the
// same job again replaces the previous entry.
func (l *Ledger) Record(ctx context.Context, job domain.Job, res *domain.JobResult) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"failures", "outputs", "runs"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_id = ?`, res.JobID); err != nil {
			return fmt.Errorf("replace run: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (job_id, input, mode, status, processed_count, failed_count, total_count, session, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.JobID, job.Input, string(job.Mode), string(res.Status),
		res.Processed, res.Failed, res.Total, res.Session,
		res.StartedAt.UTC().Format(time.RFC3339Nano), res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, f := range res.Failures {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO failures (job_id, group_key, page_index, source, stage, error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			res.JobID, f.GroupKey, f.PageIndex, f.Source, string(f.Stage), f.Error)
		if err != nil {
			return fmt.Errorf("insert failure: %w", err)
		}
	}
	for _, out := range res.Outputs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO outputs (job_id, path) VALUES (?, ?)`, res.JobID, out); err != nil {
			return fmt.Errorf("insert output: %w", err)
		}
	}
	return tx.Commit()
}

// Runs returns the most recent runs first. limit <= 0 returns all of them.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT job_id, input, mode, status, processed_count, failed_count, total_count, session, started_at, duration_ms
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Get returns one run with its outputs.
func (l *Ledger) Get(ctx context.Context, jobID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT job_id, input, mode, status, processed_count, failed_count, total_count, session, started_at, duration_ms
		FROM runs WHERE job_id = ?`, jobID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `SELECT path FROM outputs WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		r.Outputs = append(r.Outputs, p)
	}
	return &r, rows.Err()
}

// Failures returns the failures recorded for a job in insertion order.
func (l *Ledger) Failures(ctx context.Context, jobID string) ([]domain.Failure, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT group_key, page_index, source, stage, error
		FROM failures WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []domain.Failure
	for rows.Next() {
		var f domain.Failure
		var stage string
		if err := rows.Scan(&f.GroupKey, &f.PageIndex, &f.Source, &stage, &f.Error); err != nil {
			return nil, err
		}
		f.Stage = domain.ErrorType(stage)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r        Run
		mode     string
		status   string
		started  string
		duration int64
	)
	if err := s.Scan(&r.JobID, &r.Input, &mode, &status, &r.Processed, &r.Failed, &r.Total, &r.Session, &started, &duration); err != nil {
		return r, err
	}
	r.Mode = domain.InputMode(mode)
	r.Status = domain.JobStatus(status)
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	r.Duration = time.Duration(duration) * time.Millisecond
	return r, nil
}
