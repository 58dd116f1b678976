package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Store records worker process runs in a SQLite database shared by the
// supervisor and its workers. It is the data-store collaborator workers
// connect before accepting traffic.
type Store struct {
	db   *sql.DB
	path string
}

// WorkerRun is one recorded worker lifetime.
type WorkerRun struct {
	ID        int64
	WorkerID  string
	PID       int
	StartedAt time.Time
	StoppedAt *time.Time
	Reason    string
}

// Open initialises the state store at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("statestore: path is empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("statestore: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS worker_runs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_id  TEXT    NOT NULL,
    pid        INTEGER NOT NULL,
    started_at TIMESTAMP NOT NULL,
    stopped_at TIMESTAMP,
    reason     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_worker_runs_worker ON worker_runs(worker_id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("statestore: apply schema: %w", err)
	}
	return nil
}

// RecordStart inserts a new run row for a worker and returns its id.
func (s *Store) RecordStart(ctx context.Context, workerID string, pid int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_runs (worker_id, pid, started_at) VALUES (?, ?, ?)`,
		workerID, pid, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("statestore: record start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("statestore: last insert id: %w", err)
	}
	return id, nil
}

// RecordStop closes a run row with a stop time and reason.
func (s *Store) RecordStop(ctx context.Context, runID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_runs SET stopped_at = ?, reason = ? WHERE id = ?`,
		time.Now().UTC(), reason, runID)
	if err != nil {
		return fmt.Errorf("statestore: record stop: %w", err)
	}
	return nil
}

// ActiveRuns returns runs without a recorded stop time.
func (s *Store) ActiveRuns(ctx context.Context) ([]WorkerRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker_id, pid, started_at, stopped_at, reason
		   FROM worker_runs WHERE stopped_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("statestore: query active runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// RunsForWorker returns all recorded runs for one worker, newest first.
func (s *Store) RunsForWorker(ctx context.Context, workerID string) ([]WorkerRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker_id, pid, started_at, stopped_at, reason
		   FROM worker_runs WHERE worker_id = ? ORDER BY id DESC`, workerID)
	if err != nil {
		return nil, fmt.Errorf("statestore: query worker runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]WorkerRun, error) {
	var runs []WorkerRun
	for rows.Next() {
		var run WorkerRun
		var stopped sql.NullTime
		if err := rows.Scan(&run.ID, &run.WorkerID, &run.PID, &run.StartedAt, &stopped, &run.Reason); err != nil {
			return nil, fmt.Errorf("statestore: scan run: %w", err)
		}
		if stopped.Valid {
			t := stopped.Time
			run.StoppedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
