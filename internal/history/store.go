// Package history persists the outcome of backup, restore and deploy runs
// in a local SQLite database so operators can review past runs from the
// status command.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// Kind labels the type of a recorded run.
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
	KindDeploy  Kind = "deploy"
)

// Run is one recorded lifecycle operation.
type Run struct {
	ID          uuid.UUID `json:"id"`
	Kind        Kind      `json:"kind"`
	StackName   string    `json:"stack_name"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Success     bool      `json:"success"`
	Degraded    bool      `json:"degraded"`
	// Detail is the run's JSON result document, stored opaquely.
	Detail string `json:"detail,omitempty"`
}

// Store is a SQLite-backed run history.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and if needed creates) the history database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			stack_name TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			success INTEGER NOT NULL,
			degraded INTEGER NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun inserts one run, assigning an ID if the caller did not.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	query := `
		INSERT INTO runs (id, kind, stack_name, started_at, completed_at, success, degraded, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID.String(),
		string(run.Kind),
		run.StackName,
		run.StartedAt.Format(time.RFC3339),
		run.CompletedAt.Format(time.RFC3339),
		boolToInt(run.Success),
		boolToInt(run.Degraded),
		run.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	s.logger.Debug().
		Str("run_id", run.ID.String()).
		Str("kind", string(run.Kind)).
		Bool("success", run.Success).
		Msg("run recorded")
	return nil
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `
		SELECT id, kind, stack_name, started_at, completed_at, success, degraded, detail
		FROM runs WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, kind, stack_name, started_at, completed_at, success, degraded, detail
		FROM runs ORDER BY started_at DESC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run               Run
		id                string
		kind              string
		started, finished string
		success, degraded int
		detail            sql.NullString
	)
	if err := row.Scan(&id, &kind, &run.StackName, &started, &finished, &success, &degraded, &detail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = parsed
	run.Kind = Kind(kind)
	if run.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.CompletedAt, err = time.Parse(time.RFC3339, finished); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	run.Success = success != 0
	run.Degraded = degraded != 0
	if detail.Valid {
		run.Detail = detail.String
	}
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
