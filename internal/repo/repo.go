// Package repo is the worker's data access layer: plain SQL against the
// environments/runs/documents tables, wrapped with sqlx so result rows
// scan directly into internal/models structs by their db tags.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ade-run/ade/internal/models"
)

// Repo is the worker's view of the database.
type Repo struct {
	db *sqlx.DB
}

// New wraps an existing *sql.DB (already opened via internal/dbx) with
// sqlx for struct scanning.
func New(db *sql.DB) *Repo {
	return &Repo{db: sqlx.NewDb(db, "postgres")}
}

// DB returns the underlying *sql.DB, for callers (e.g. internal/queue)
// that only need plain database/sql access outside a transaction.
func (r *Repo) DB() *sql.DB {
	return r.db.DB
}

// Execer is satisfied by *sql.DB, *sql.Tx, *sqlx.DB and *sqlx.Tx alike,
// so callers can run these writes either standalone or as part of a
// larger transaction (including one driven by internal/queue's own
// Execer).
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any returned error or panic.
func (r *Repo) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LoadEnvironment fetches one environment row, or nil if it doesn't exist.
func (r *Repo) LoadEnvironment(ctx context.Context, envID string) (*models.Environment, error) {
	var env models.Environment
	err := r.db.GetContext(ctx, &env, `SELECT * FROM environments WHERE id = $1`, envID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load environment: %w", err)
	}
	return &env, nil
}

// LoadRun fetches one run row, or nil if it doesn't exist.
func (r *Repo) LoadRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	err := r.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load run: %w", err)
	}
	return &run, nil
}

// LoadDocument fetches one document row, or nil if it doesn't exist.
func (r *Repo) LoadDocument(ctx context.Context, documentID string) (*models.Document, error) {
	var doc models.Document
	err := r.db.GetContext(ctx, &doc, `SELECT * FROM documents WHERE id = $1`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load document: %w", err)
	}
	return &doc, nil
}

const selectEnvironmentForRun = `
SELECT * FROM environments
WHERE workspace_id = $1 AND configuration_id = $2 AND engine_spec = $3 AND deps_digest = $4
`

// GetOrCreateEnvironment finds the environment matching run's
// workspace/configuration/engine_spec/deps_digest tuple, creating a
// queued row if none exists yet. Runs inside tx so callers can batch
// several runs' worth of lookups in one transaction.
func (r *Repo) GetOrCreateEnvironment(ctx context.Context, tx *sqlx.Tx, run *models.Run, now time.Time) (*models.Environment, error) {
	var env models.Environment
	err := tx.GetContext(ctx, &env, selectEnvironmentForRun,
		run.WorkspaceID, run.ConfigurationID, run.EngineSpec, run.DepsDigest)
	if err == nil {
		return &env, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo: lookup environment: %w", err)
	}

	id := uuid.NewString()
	_, insErr := tx.ExecContext(ctx, `
		INSERT INTO environments (
			id, workspace_id, configuration_id, engine_spec, deps_digest,
			status, attempt_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $6)
		ON CONFLICT (workspace_id, configuration_id, engine_spec, deps_digest) DO NOTHING
	`, id, run.WorkspaceID, run.ConfigurationID, run.EngineSpec, run.DepsDigest, now)
	if insErr != nil {
		return nil, fmt.Errorf("repo: insert environment: %w", insErr)
	}

	err = tx.GetContext(ctx, &env, selectEnvironmentForRun,
		run.WorkspaceID, run.ConfigurationID, run.EngineSpec, run.DepsDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo: reselect environment: %w", err)
	}
	return &env, nil
}

// LoadReadyEnvironmentForRun looks up a ready environment matching run's
// workspace/configuration/engine_spec/deps_digest tuple.
func (r *Repo) LoadReadyEnvironmentForRun(ctx context.Context, run *models.Run) (*models.Environment, error) {
	var env models.Environment
	err := r.db.GetContext(ctx, &env, selectEnvironmentForRun+" AND status = 'ready'",
		run.WorkspaceID, run.ConfigurationID, run.EngineSpec, run.DepsDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load ready environment: %w", err)
	}
	return &env, nil
}

// EnsureEnvironmentRowsForQueuedRuns scans up to limit queued/running
// runs that reference no environment row yet and creates one (in
// queued state) for each distinct workspace/configuration/engine_spec/
// deps_digest tuple found.
func (r *Repo) EnsureEnvironmentRowsForQueuedRuns(ctx context.Context, now time.Time, limit int) (int, error) {
	var runs []models.Run
	err := r.db.SelectContext(ctx, &runs, `
		SELECT DISTINCT ON (workspace_id, configuration_id, engine_spec, deps_digest) *
		FROM runs
		WHERE status IN ('queued', 'running')
		  AND NOT EXISTS (
			SELECT 1 FROM environments e
			WHERE e.workspace_id = runs.workspace_id
			  AND e.configuration_id = runs.configuration_id
			  AND e.engine_spec = runs.engine_spec
			  AND e.deps_digest = runs.deps_digest
		  )
		ORDER BY workspace_id, configuration_id, engine_spec, deps_digest, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("repo: scan queued runs: %w", err)
	}

	created := 0
	err = r.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i := range runs {
			before, lookupErr := r.environmentExists(ctx, tx, &runs[i])
			if lookupErr != nil {
				return lookupErr
			}
			if _, envErr := r.GetOrCreateEnvironment(ctx, tx, &runs[i], now); envErr != nil {
				return envErr
			}
			if !before {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (r *Repo) environmentExists(ctx context.Context, tx *sqlx.Tx, run *models.Run) (bool, error) {
	var count int
	err := tx.GetContext(ctx, &count, `
		SELECT count(*) FROM environments
		WHERE workspace_id = $1 AND configuration_id = $2 AND engine_spec = $3 AND deps_digest = $4
	`, run.WorkspaceID, run.ConfigurationID, run.EngineSpec, run.DepsDigest)
	if err != nil {
		return false, fmt.Errorf("repo: check environment exists: %w", err)
	}
	return count > 0, nil
}

// MarkEnvironmentQueued resets an environment back to queued, recording
// why (used when its venv went missing out from under a run).
func (r *Repo) MarkEnvironmentQueued(ctx context.Context, envID, errorMessage string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE environments
		SET status = 'queued', error_message = $1, claimed_by = NULL, claim_expires_at = NULL, updated_at = $2
		WHERE id = $3
	`, errorMessage, now, envID)
	if err != nil {
		return fmt.Errorf("repo: mark environment queued: %w", err)
	}
	return nil
}

// RecordEnvironmentMetadata stores the interpreter/engine versions
// discovered while building an environment. A nil pythonInterpreter
// represents a failed build.
func (r *Repo) RecordEnvironmentMetadata(ctx context.Context, execer Execer, envID string, pythonInterpreter, pythonVersion, engineVersion *string, now time.Time) error {
	_, err := execer.ExecContext(ctx, `
		UPDATE environments
		SET python_interpreter = $1, python_version = $2, engine_version = $3, updated_at = $4
		WHERE id = $5
	`, pythonInterpreter, pythonVersion, engineVersion, now, envID)
	if err != nil {
		return fmt.Errorf("repo: record environment metadata: %w", err)
	}
	return nil
}

// TouchEnvironmentLastUsed bumps last_used_at, keeping the garbage
// collector from reclaiming an environment a run is actively using.
func (r *Repo) TouchEnvironmentLastUsed(ctx context.Context, envID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE environments SET last_used_at = $1, updated_at = $1 WHERE id = $2
	`, now, envID)
	if err != nil {
		return fmt.Errorf("repo: touch environment last used: %w", err)
	}
	return nil
}

// RecordRunResult writes a run's terminal fields.
func (r *Repo) RecordRunResult(ctx context.Context, execer Execer, runID string, completedAt *time.Time, exitCode *int, outputPath, errorMessage *string) error {
	_, err := execer.ExecContext(ctx, `
		UPDATE runs
		SET completed_at = $1, exit_code = $2, output_path = $3, error_message = $4
		WHERE id = $5
	`, completedAt, exitCode, outputPath, errorMessage, runID)
	if err != nil {
		return fmt.Errorf("repo: record run result: %w", err)
	}
	return nil
}

// ReplaceRunMetrics deletes any existing metrics row for runID and
// inserts metrics if non-nil.
func (r *Repo) ReplaceRunMetrics(ctx context.Context, execer Execer, runID string, metrics *models.RunMetrics) error {
	if _, err := execer.ExecContext(ctx, `DELETE FROM run_metrics WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("repo: delete run metrics: %w", err)
	}
	if metrics == nil {
		return nil
	}
	_, err := execer.ExecContext(ctx, `
		INSERT INTO run_metrics (
			run_id, evaluation_outcome, evaluation_findings_total, evaluation_findings_info,
			evaluation_findings_warning, evaluation_findings_error, validation_issues_total,
			validation_issues_info, validation_issues_warning, validation_issues_error,
			validation_max_severity, workbook_count, sheet_count, table_count,
			row_count_total, row_count_empty, column_count_total, column_count_empty,
			column_count_mapped, column_count_unmapped, field_count_expected,
			field_count_detected, field_count_not_detected, cell_count_total, cell_count_non_empty
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25
		)
	`,
		runID, metrics.EvaluationOutcome, metrics.EvaluationFindingsTotal, metrics.EvaluationFindingsInfo,
		metrics.EvaluationFindingsWarning, metrics.EvaluationFindingsError, metrics.ValidationIssuesTotal,
		metrics.ValidationIssuesInfo, metrics.ValidationIssuesWarning, metrics.ValidationIssuesError,
		metrics.ValidationMaxSeverity, metrics.WorkbookCount, metrics.SheetCount, metrics.TableCount,
		metrics.RowCountTotal, metrics.RowCountEmpty, metrics.ColumnCountTotal, metrics.ColumnCountEmpty,
		metrics.ColumnCountMapped, metrics.ColumnCountUnmapped, metrics.FieldCountExpected,
		metrics.FieldCountDetected, metrics.FieldCountNotDetected, metrics.CellCountTotal, metrics.CellCountNonEmpty,
	)
	if err != nil {
		return fmt.Errorf("repo: insert run metrics: %w", err)
	}
	return nil
}

// ReplaceRunFields deletes any existing field rows for runID and
// inserts rows.
func (r *Repo) ReplaceRunFields(ctx context.Context, execer Execer, runID string, rows []models.RunField) error {
	if _, err := execer.ExecContext(ctx, `DELETE FROM run_fields WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("repo: delete run fields: %w", err)
	}
	for i := range rows {
		rows[i].RunID = runID
		_, err := execer.ExecContext(ctx, `
			INSERT INTO run_fields (
				run_id, field, label, detected, best_mapping_score,
				occurrences_tables, occurrences_columns
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, runID, rows[i].Field, rows[i].Label, rows[i].Detected, rows[i].BestMappingScore,
			rows[i].OccurrencesTables, rows[i].OccurrencesColumns)
		if err != nil {
			return fmt.Errorf("repo: insert run field: %w", err)
		}
	}
	return nil
}

// ReplaceRunTableColumns deletes any existing column rows for runID and
// inserts rows.
func (r *Repo) ReplaceRunTableColumns(ctx context.Context, execer Execer, runID string, rows []models.RunTableColumn) error {
	if _, err := execer.ExecContext(ctx, `DELETE FROM run_table_columns WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("repo: delete run table columns: %w", err)
	}
	for i := range rows {
		rows[i].RunID = runID
		_, err := execer.ExecContext(ctx, `
			INSERT INTO run_table_columns (
				run_id, workbook_index, workbook_name, sheet_index, sheet_name,
				table_index, column_index, header_raw, header_normalized, non_empty_cells,
				mapping_status, mapped_field, mapping_score, mapping_method, unmapped_reason
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`,
			runID, rows[i].WorkbookIndex, rows[i].WorkbookName, rows[i].SheetIndex, rows[i].SheetName,
			rows[i].TableIndex, rows[i].ColumnIndex, rows[i].HeaderRaw, rows[i].HeaderNormalized, rows[i].NonEmptyCells,
			rows[i].MappingStatus, rows[i].MappedField, rows[i].MappingScore, rows[i].MappingMethod, rows[i].UnmappedReason,
		)
		if err != nil {
			return fmt.Errorf("repo: insert run table column: %w", err)
		}
	}
	return nil
}

// MarkDocumentStatus updates a document's processing status.
func (r *Repo) MarkDocumentStatus(ctx context.Context, documentID, status string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3
	`, status, now, documentID)
	if err != nil {
		return fmt.Errorf("repo: mark document status: %w", err)
	}
	return nil
}
