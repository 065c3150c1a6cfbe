package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ade-run/ade/internal/models"
)

// SubmitRunParams carries the inputs for SubmitRun.
type SubmitRunParams struct {
	WorkspaceID       string
	ConfigurationID   string
	EngineSpec        string
	DepsDigest        string
	InputDocumentID   string
	RunOptions        json.RawMessage
	MaxAttempts       int
	SubmittedByUserID string
}

// SubmitRun inserts a new queued run. The worker side (internal/queue,
// internal/runjob) claims and executes it; this side only ever inserts
// and reads.
func (s *Store) SubmitRun(ctx context.Context, p SubmitRunParams, now time.Time) (*models.Run, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	run := models.Run{
		ID:              uuid.NewString(),
		WorkspaceID:     p.WorkspaceID,
		ConfigurationID: p.ConfigurationID,
		EngineSpec:      p.EngineSpec,
		DepsDigest:      p.DepsDigest,
		InputDocumentID: p.InputDocumentID,
		RunOptions:      p.RunOptions,
		AvailableAt:     now,
		MaxAttempts:     p.MaxAttempts,
		Status:          models.RunStatusQueued,
		CreatedAt:       now,
	}
	if run.RunOptions == nil {
		run.RunOptions = json.RawMessage(`{}`)
	}
	if p.SubmittedByUserID != "" {
		run.SubmittedByUserID.String, run.SubmittedByUserID.Valid = p.SubmittedByUserID, true
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, workspace_id, configuration_id, engine_spec, deps_digest,
			input_document_id, run_options, available_at, attempt_count,
			max_attempts, status, submitted_by_user_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12)
	`, run.ID, run.WorkspaceID, run.ConfigurationID, run.EngineSpec, run.DepsDigest,
		run.InputDocumentID, run.RunOptions, run.AvailableAt,
		run.MaxAttempts, run.Status, run.SubmittedByUserID, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: submit run: %w", err)
	}
	return &run, nil
}

// GetRun fetches one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := s.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &run, nil
}

// ListRuns returns a workspace's runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, workspaceID string, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Run
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runs WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return rows, nil
}

// CancelRun marks a queued or running run as cancelled, leaving completed
// runs untouched. Returns ErrNotFound if the run doesn't exist or has
// already reached a terminal state.
func (s *Store) CancelRun(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, cancelled_at = $3
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id, models.RunStatusCancelled, now)
	if err != nil {
		return fmt.Errorf("store: cancel run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunMetrics fetches the summary row written when a run completes.
func (s *Store) GetRunMetrics(ctx context.Context, runID string) (*models.RunMetrics, error) {
	var m models.RunMetrics
	err := s.db.GetContext(ctx, &m, `SELECT * FROM run_metrics WHERE run_id = $1`, runID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

// ListRunFields returns every expected-field outcome row for a run.
func (s *Store) ListRunFields(ctx context.Context, runID string) ([]models.RunField, error) {
	var rows []models.RunField
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM run_fields WHERE run_id = $1 ORDER BY field
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list run fields: %w", err)
	}
	return rows, nil
}

// ListRunTableColumns returns every source-column mapping outcome row for a
// run, in workbook/sheet/table/column order.
func (s *Store) ListRunTableColumns(ctx context.Context, runID string) ([]models.RunTableColumn, error) {
	var rows []models.RunTableColumn
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM run_table_columns WHERE run_id = $1
		ORDER BY workbook_index, sheet_index, table_index, column_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list run table columns: %w", err)
	}
	return rows, nil
}
