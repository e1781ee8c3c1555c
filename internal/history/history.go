package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History persists deployment attempts and their outcomes in SQLite.
// The deployment lock stays outcome-free; this store is what lets the
// status endpoint report the last finished run after the lock is gone.
type History struct {
	db *sql.DB
}

// New opens (creating if needed) the history database at dbPath
func New(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	if err := h.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS deployments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL,
			repo TEXT NOT NULL,
			branch TEXT NOT NULL,
			ref TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			exit_code INTEGER,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_project_started
		ON deployments(project, started_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// RecordAttempt inserts a new deployment attempt and returns its id.
// Rejected attempts are terminal at insert time; accepted attempts are
// completed later by Complete.
func (h *History) RecordAttempt(ctx context.Context, attempt *Attempt) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var completedAt *string
	if attempt.Status == StatusRejected {
		completedAt = &now
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO deployments
		(project, repo, branch, ref, triggered_by, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		attempt.Project,
		attempt.Repo,
		attempt.Branch,
		attempt.Ref,
		attempt.TriggeredBy,
		attempt.Status,
		now,
		completedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert deployment attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// Complete records the outcome of a previously accepted attempt
func (h *History) Complete(ctx context.Context, id int64, status string, exitCode int, durationSeconds float64, errorMessage string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}

	_, err := h.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, completed_at = ?, duration_seconds = ?, exit_code = ?, error_message = ?
		WHERE id = ?
	`, status, now, durationSeconds, exitCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete deployment attempt: %w", err)
	}

	return nil
}

// LastFinished returns the most recent attempt that reached a terminal
// outcome, across all projects. Returns nil when none exists.
func (h *History) LastFinished(ctx context.Context) (*Attempt, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT id, project, repo, branch, ref, triggered_by, status,
		       started_at, completed_at, duration_seconds, exit_code, error_message
		FROM deployments
		WHERE status IN (?, ?, ?)
		ORDER BY id DESC
		LIMIT 1
	`, StatusSuccess, StatusFailed, StatusTimeout)

	attempt, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last finished deployment: %w", err)
	}

	return attempt, nil
}

// ProjectHistory returns the most recent attempts for a project
func (h *History) ProjectHistory(ctx context.Context, projectName string, limit int) ([]Attempt, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, project, repo, branch, ref, triggered_by, status,
		       started_at, completed_at, duration_seconds, exit_code, error_message
		FROM deployments
		WHERE project = ?
		ORDER BY id DESC
		LIMIT ?
	`, projectName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment attempt: %w", err)
		}
		attempts = append(attempts, *attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return attempts, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(s scanner) (*Attempt, error) {
	var attempt Attempt
	var startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&attempt.ID,
		&attempt.Project,
		&attempt.Repo,
		&attempt.Branch,
		&attempt.Ref,
		&attempt.TriggeredBy,
		&attempt.Status,
		&startedAtStr,
		&completedAtStr,
		&attempt.DurationSeconds,
		&attempt.ExitCode,
		&attempt.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	startedAt, err := time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	attempt.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		attempt.CompletedAt = &completedAt
	}

	return &attempt, nil
}
