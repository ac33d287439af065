package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/kiwix/hotspot-imager/pkg/pipeline"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for builds
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

	// Create schema
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

const buildColumns = `id, run_id, name, image_path, device, status, stage, error_kind, error_message,
       init_ms, master_ms, write_ms, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*Build, error) {
	var b Build
	var imagePath, device, stage, errorKind, errorMessage sql.NullString

	err := row.Scan(
		&b.ID, &b.RunID, &b.Name, &imagePath, &device, &b.Status,
		&stage, &errorKind, &errorMessage,
		&b.InitMS, &b.MasterMS, &b.WriteMS, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	b.ImagePath = imagePath.String
	b.Device = device.String
	b.Stage = stage.String
	b.ErrorKind = errorKind.String
	b.ErrorMessage = errorMessage.String
	return &b, nil
}

// Create inserts a new build record
func (r *Repository) Create(b *Build) error {
	slog.Info("database_create_build", "run_id", b.RunID, "status", b.Status)

	query := `
		INSERT INTO builds (run_id, name, image_path, device, status, stage, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		b.RunID, b.Name, b.ImagePath, b.Device, b.Status,
		b.Stage, b.ErrorKind, b.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", b.RunID, "error", err)
		return errors.Wrap(err, "failed to insert build")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "run_id", b.RunID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	b.ID = id

	slog.Info("database_build_created", "run_id", b.RunID, "build_id", b.ID, "status", b.Status)
	return nil
}

// GetByRunID retrieves a build by run id. It returns nil when not found.
func (r *Repository) GetByRunID(runID string) (*Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE run_id = ?`

	b, err := scanBuild(r.db.QueryRow(query, runID))
	if err == sql.ErrNoRows {
		slog.Info("database_build_not_found", "run_id", runID)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query build")
	}
	return b, nil
}

// Update updates an existing build record
func (r *Repository) Update(b *Build) error {
	slog.Info("database_update_build", "build_id", b.ID, "run_id", b.RunID, "status", b.Status)

	query := `
		UPDATE builds
		SET image_path = ?, device = ?, status = ?, stage = ?, error_kind = ?, error_message = ?,
		    init_ms = ?, master_ms = ?, write_ms = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		b.ImagePath, b.Device, b.Status, b.Stage, b.ErrorKind, b.ErrorMessage,
		b.InitMS, b.MasterMS, b.WriteMS, b.ID)
	if err != nil {
		slog.Error("database_update_failed", "build_id", b.ID, "run_id", b.RunID, "error", err)
		return errors.Wrap(err, "failed to update build")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "build_id", b.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_build_not_found_for_update", "build_id", b.ID)
		return fmt.Errorf("build not found: id=%d", b.ID)
	}

	slog.Info("database_build_updated", "build_id", b.ID, "run_id", b.RunID, "status", b.Status)
	return nil
}

// List retrieves builds, newest first. status filters when not empty.
func (r *Repository) List(status string) ([]*Build, error) {
	slog.Info("database_list_builds", "status", status)

	query := `SELECT ` + buildColumns + ` FROM builds`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list builds")
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		builds = append(builds, b)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "build_count", len(builds))
	return builds, nil
}

// Delete deletes a build by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_build", "build_id", id)

	_, err := r.db.Exec(`DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		slog.Error("database_delete_failed", "build_id", id, "error", err)
		return errors.Wrap(err, "failed to delete build")
	}

	slog.Info("database_build_deleted", "build_id", id)
	return nil
}

// FailStale marks builds left running by a process that died as failed and
// returns how many were changed.
func (r *Repository) FailStale(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE builds
		SET status = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = ?`,
		StatusFailed, string(errors.KindInternal), "process exited during the run", StatusRunning)
	if err != nil {
		slog.Error("failed_to_mark_stale_builds", "error", err)
		return 0, errors.Wrap(err, "failed to mark stale builds")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return 0, errors.Wrap(err, "failed to commit transaction")
	}

	if n > 0 {
		slog.Warn("stale_builds_failed", "count", n)
	}
	return n, nil
}

// RecordStart inserts a running build. It implements pipeline.Recorder.
func (r *Repository) RecordStart(ctx context.Context, runID, name, imagePath, device string) error {
	return r.Create(&Build{
		RunID:     runID,
		Name:      name,
		ImagePath: imagePath,
		Device:    device,
		Status:    StatusRunning,
	})
}

// RecordFinish stores the outcome of a run. It implements pipeline.Recorder.
func (r *Repository) RecordFinish(ctx context.Context, runID string, result pipeline.RecordResult) error {
	b, err := r.GetByRunID(runID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("build not found: run_id=%s", runID)
	}

	b.Status = StatusSucceeded
	if !result.Succeeded {
		b.Status = StatusFailed
	}
	if result.ImagePath != "" {
		b.ImagePath = result.ImagePath
	}
	b.Stage = result.Stage
	b.ErrorKind = result.Kind
	b.ErrorMessage = result.Message
	b.InitMS = millis(result.Durations["init"])
	b.MasterMS = millis(result.Durations["master"])
	b.WriteMS = millis(result.Durations["write"])

	return r.Update(b)
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

var _ pipeline.Recorder = (*Repository)(nil)
