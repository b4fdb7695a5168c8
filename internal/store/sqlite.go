package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for the run ledger
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts a new Run and sets its ID
func (s *Store) CreateRun(run *Run) error {
	const query = `
		INSERT INTO runs (
			manifest_ref, start_time, end_time, fetched, found, unresolved,
			failed, mismatched, extracted, merged, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Status == "" {
		run.Status = "running"
	}
	result, err := s.db.Exec(
		query,
		run.ManifestRef, run.StartTime, nullTime(run.EndTime), run.Fetched, run.Found,
		run.Unresolved, run.Failed, run.Mismatched, run.Extracted, run.Merged,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// FinishRun writes the final counters, status and end time of a Run
func (s *Store) FinishRun(run *Run) error {
	const query = `
		UPDATE runs SET
			end_time = ?, fetched = ?, found = ?, unresolved = ?, failed = ?,
			mismatched = ?, extracted = ?, merged = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	if run.EndTime.IsZero() {
		run.EndTime = time.Now()
	}
	result, err := s.db.Exec(
		query,
		run.EndTime, run.Fetched, run.Found, run.Unresolved, run.Failed,
		run.Mismatched, run.Extracted, run.Merged, run.Status, run.ErrorMessage,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

const runColumns = `
	id, manifest_ref, start_time, end_time, fetched, found, unresolved,
	failed, mismatched, extracted, merged, status, error_message
`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	var errMsg sql.NullString
	var endTime sql.NullTime
	err := row.Scan(
		&run.ID, &run.ManifestRef, &run.StartTime, &endTime, &run.Fetched,
		&run.Found, &run.Unresolved, &run.Failed, &run.Mismatched,
		&run.Extracted, &run.Merged, &run.Status, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	run.EndTime = endTime.Time
	run.ErrorMessage = errMsg.String
	return run, nil
}

// GetRun retrieves a Run by ID
func (s *Store) GetRun(id int64) (*Run, error) {
	run, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent Runs first
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY start_time DESC, id DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// Artifact Operations
// ============================================================================

// RecordArtifact inserts an Artifact for a run and sets its ID
func (s *Store) RecordArtifact(a *Artifact) error {
	const query = `
		INSERT INTO artifacts (
			run_id, component, platform, variant, filename, path, status,
			size_check, hash_check, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	result, err := s.db.Exec(
		query,
		a.RunID, a.Component, a.Platform, a.Variant, a.Filename, a.Path,
		a.Status, a.SizeCheck, a.HashCheck, a.Error, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	a.ID = id
	return nil
}

// ListArtifacts retrieves the Artifacts of a run in insertion order
func (s *Store) ListArtifacts(runID int64) ([]Artifact, error) {
	const query = `
		SELECT id, run_id, component, platform, variant, filename, path, status,
		       size_check, hash_check, error, created_at
		FROM artifacts WHERE run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var variant, path, sizeCheck, hashCheck, errMsg sql.NullString
		err := rows.Scan(
			&a.ID, &a.RunID, &a.Component, &a.Platform, &variant, &a.Filename,
			&path, &a.Status, &sizeCheck, &hashCheck, &errMsg, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Variant = variant.String
		a.Path = path.String
		a.SizeCheck = sizeCheck.String
		a.HashCheck = hashCheck.String
		a.Error = errMsg.String
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return out, nil
}
