package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Tamovina/esp-update/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for flash runs
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const runColumns = `id, run_id, manifest_url, manifest_name, chip_family, state,
		       error_kind, error_message, bytes_total, parts_digest, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var manifestName, chipFamily, errorKind, errorMessage, partsDigest sql.NullString
	var bytesTotal sql.NullInt64

	err := s.Scan(
		&run.ID, &run.RunID, &run.ManifestURL, &manifestName, &chipFamily, &run.State,
		&errorKind, &errorMessage, &bytesTotal, &partsDigest,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.ManifestName = manifestName.String
	run.ChipFamily = chipFamily.String
	run.ErrorKind = errorKind.String
	run.ErrorMessage = errorMessage.String
	run.BytesTotal = int(bytesTotal.Int64)
	run.PartsDigest = partsDigest.String
	return &run, nil
}

// Create inserts a new run record
func (r *Repository) Create(run *Run) error {
	slog.Info("database_create_run", "run_id", run.RunID, "state", run.State)

	query := `
		INSERT INTO flash_runs (run_id, manifest_url, manifest_name, chip_family, state,
		                        error_kind, error_message, bytes_total, parts_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		run.RunID, run.ManifestURL, run.ManifestName, run.ChipFamily, run.State,
		run.ErrorKind, run.ErrorMessage, run.BytesTotal, run.PartsDigest)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", run.RunID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "run_id", run.RunID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	run.ID = id

	slog.Info("database_run_created", "run_id", run.RunID, "id", run.ID, "state", run.State)
	return nil
}

// GetByRunID retrieves a run by its run id
func (r *Repository) GetByRunID(runID string) (*Run, error) {
	slog.Debug("database_query_run", "run_id", runID)

	query := `SELECT ` + runColumns + ` FROM flash_runs WHERE run_id = ?`
	run, err := scanRun(r.db.QueryRow(query, runID))
	if err == sql.ErrNoRows {
		slog.Debug("database_run_not_found", "run_id", runID)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}

	return run, nil
}

// Update updates an existing run record
func (r *Repository) Update(run *Run) error {
	slog.Debug("database_update_run", "id", run.ID, "run_id", run.RunID, "state", run.State)

	query := `
		UPDATE flash_runs
		SET manifest_name = ?, chip_family = ?, state = ?, error_kind = ?, error_message = ?,
		    bytes_total = ?, parts_digest = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		run.ManifestName, run.ChipFamily, run.State, run.ErrorKind, run.ErrorMessage,
		run.BytesTotal, run.PartsDigest, run.ID)
	if err != nil {
		slog.Error("database_update_failed", "id", run.ID, "run_id", run.RunID, "error", err)
		return errors.Wrap(err, "failed to update run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "id", run.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_run_not_found_for_update", "id", run.ID)
		return fmt.Errorf("run not found: id=%d", run.ID)
	}

	return nil
}

// UpdateState updates only the state and error fields
func (r *Repository) UpdateState(id int64, state, errorKind, errorMessage string) error {
	slog.Info("database_update_state", "id", id, "state", state)

	query := `UPDATE flash_runs SET state = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.Exec(query, state, errorKind, errorMessage, id)
	if err != nil {
		slog.Error("database_state_update_failed", "id", id, "state", state, "error", err)
		return errors.Wrap(err, "failed to update state")
	}

	return nil
}

// List retrieves all runs, newest first
func (r *Repository) List() ([]*Run, error) {
	slog.Info("database_list_runs")

	query := `SELECT ` + runColumns + ` FROM flash_runs ORDER BY created_at DESC, id DESC`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "run_count", len(runs))
	return runs, nil
}

// Delete deletes a run by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_run", "id", id)

	_, err := r.db.Exec(`DELETE FROM flash_runs WHERE id = ?`, id)
	if err != nil {
		slog.Error("database_delete_failed", "id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}

	slog.Info("database_run_deleted", "id", id)
	return nil
}

// DeleteByState deletes every run in state and returns how many were removed
func (r *Repository) DeleteByState(state string) (int64, error) {
	slog.Info("database_delete_runs_by_state", "state", state)

	result, err := r.db.Exec(`DELETE FROM flash_runs WHERE state = ?`, state)
	if err != nil {
		slog.Error("database_delete_failed", "state", state, "error", err)
		return 0, errors.Wrap(err, "failed to delete runs")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	slog.Info("database_runs_deleted", "state", state, "count", n)
	return n, nil
}
