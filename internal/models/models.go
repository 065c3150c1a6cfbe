// Package models holds the row-shaped structs shared across the control
// plane and the worker. They mirror the Postgres schema in
// internal/migrations exactly: column order and nullability match the
// table definitions there.
package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Workspace is a top-level tenant boundary.
type Workspace struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Slug      string    `db:"slug"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Configuration status values.
const (
	ConfigStatusDraft    = "draft"
	ConfigStatusActive   = "active"
	ConfigStatusArchived = "archived"
)

// Configuration is a versioned, user-authored extraction package.
type Configuration struct {
	ID              string         `db:"id"`
	WorkspaceID     string         `db:"workspace_id"`
	Name            string         `db:"name"`
	Version         int            `db:"version"`
	Status          string         `db:"status"`
	EngineSpec      sql.NullString `db:"engine_spec"`
	DepsDigest      sql.NullString `db:"deps_digest"`
	FilesetDigest   sql.NullString `db:"fileset_digest"`
	ActivatedAt     sql.NullTime   `db:"activated_at"`
	ArchivedAt      sql.NullTime   `db:"archived_at"`
	CreatedByUserID sql.NullString `db:"created_by_user_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// ConfigFile is one file inside a configuration package tree.
type ConfigFile struct {
	ID              string    `db:"id"`
	ConfigurationID string    `db:"configuration_id"`
	RelPath         string    `db:"rel_path"`
	ContentETag     string    `db:"content_etag"`
	ByteSize        int64     `db:"byte_size"`
	BlobKey         string    `db:"blob_key"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// Document status values.
const (
	DocumentStatusUploaded   = "uploaded"
	DocumentStatusProcessing = "processing"
	DocumentStatusProcessed  = "processed"
	DocumentStatusFailed     = "failed"
)

// Document is an immutable uploaded input file.
type Document struct {
	ID               string       `db:"id"`
	WorkspaceID      string       `db:"workspace_id"`
	OriginalFilename string       `db:"original_filename"`
	ContentType      sql.NullString `db:"content_type"`
	ByteSize         int64        `db:"byte_size"`
	Sha256Hex        string       `db:"sha256_hex"`
	StoredURI        string       `db:"stored_uri"`
	Status           string       `db:"status"`
	UploadedByUserID sql.NullString `db:"uploaded_by_user_id"`
	LastRunAt        sql.NullTime `db:"last_run_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

// Environment status values.
const (
	EnvironmentStatusQueued    = "queued"
	EnvironmentStatusBuilding  = "building"
	EnvironmentStatusReady     = "ready"
	EnvironmentStatusFailed    = "failed"
)

// Environment is a provisioned interpreter venv keyed by
// workspace+configuration+engine_spec+deps_digest.
type Environment struct {
	ID                string         `db:"id"`
	WorkspaceID       string         `db:"workspace_id"`
	ConfigurationID   string         `db:"configuration_id"`
	EngineSpec        string         `db:"engine_spec"`
	DepsDigest        string         `db:"deps_digest"`
	Status            string         `db:"status"`
	ClaimedBy         sql.NullString `db:"claimed_by"`
	ClaimExpiresAt    sql.NullTime   `db:"claim_expires_at"`
	AttemptCount      int            `db:"attempt_count"`
	PythonInterpreter sql.NullString `db:"python_interpreter"`
	PythonVersion     sql.NullString `db:"python_version"`
	EngineVersion     sql.NullString `db:"engine_version"`
	ErrorMessage      sql.NullString `db:"error_message"`
	LastUsedAt        sql.NullTime   `db:"last_used_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// Run status values.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run is one execution of one configuration against one document.
type Run struct {
	ID                 string          `db:"id"`
	WorkspaceID        string          `db:"workspace_id"`
	ConfigurationID    string          `db:"configuration_id"`
	EnvironmentID      sql.NullString  `db:"environment_id"`
	EngineSpec         string          `db:"engine_spec"`
	DepsDigest         string          `db:"deps_digest"`
	InputDocumentID    string          `db:"input_document_id"`
	RunOptions         json.RawMessage `db:"run_options"`
	AvailableAt        time.Time       `db:"available_at"`
	AttemptCount       int             `db:"attempt_count"`
	MaxAttempts        int             `db:"max_attempts"`
	ClaimedBy          sql.NullString  `db:"claimed_by"`
	ClaimExpiresAt     sql.NullTime    `db:"claim_expires_at"`
	Status             string          `db:"status"`
	ExitCode           sql.NullInt64   `db:"exit_code"`
	OutputPath         sql.NullString  `db:"output_path"`
	SubmittedByUserID  sql.NullString  `db:"submitted_by_user_id"`
	CreatedAt          time.Time       `db:"created_at"`
	StartedAt          sql.NullTime    `db:"started_at"`
	CompletedAt        sql.NullTime    `db:"completed_at"`
	CancelledAt        sql.NullTime    `db:"cancelled_at"`
	ErrorMessage       sql.NullString  `db:"error_message"`
}

// RunMetrics is the one-row-per-run summary written after a run completes.
type RunMetrics struct {
	RunID                     string        `db:"run_id"`
	EvaluationOutcome         sql.NullString `db:"evaluation_outcome"`
	EvaluationFindingsTotal   sql.NullInt64  `db:"evaluation_findings_total"`
	EvaluationFindingsInfo    sql.NullInt64  `db:"evaluation_findings_info"`
	EvaluationFindingsWarning sql.NullInt64  `db:"evaluation_findings_warning"`
	EvaluationFindingsError   sql.NullInt64  `db:"evaluation_findings_error"`
	ValidationIssuesTotal     sql.NullInt64  `db:"validation_issues_total"`
	ValidationIssuesInfo      sql.NullInt64  `db:"validation_issues_info"`
	ValidationIssuesWarning   sql.NullInt64  `db:"validation_issues_warning"`
	ValidationIssuesError     sql.NullInt64  `db:"validation_issues_error"`
	ValidationMaxSeverity     sql.NullString `db:"validation_max_severity"`
	WorkbookCount             sql.NullInt64  `db:"workbook_count"`
	SheetCount                sql.NullInt64  `db:"sheet_count"`
	TableCount                sql.NullInt64  `db:"table_count"`
	RowCountTotal             sql.NullInt64  `db:"row_count_total"`
	RowCountEmpty             sql.NullInt64  `db:"row_count_empty"`
	ColumnCountTotal          sql.NullInt64  `db:"column_count_total"`
	ColumnCountEmpty          sql.NullInt64  `db:"column_count_empty"`
	ColumnCountMapped         sql.NullInt64  `db:"column_count_mapped"`
	ColumnCountUnmapped       sql.NullInt64  `db:"column_count_unmapped"`
	FieldCountExpected        sql.NullInt64  `db:"field_count_expected"`
	FieldCountDetected        sql.NullInt64  `db:"field_count_detected"`
	FieldCountNotDetected     sql.NullInt64  `db:"field_count_not_detected"`
	CellCountTotal            sql.NullInt64  `db:"cell_count_total"`
	CellCountNonEmpty         sql.NullInt64  `db:"cell_count_non_empty"`
}

// RunField is one expected-field outcome row for a run.
type RunField struct {
	RunID               string        `db:"run_id"`
	Field               string        `db:"field"`
	Label               sql.NullString `db:"label"`
	Detected            bool          `db:"detected"`
	BestMappingScore    sql.NullFloat64 `db:"best_mapping_score"`
	OccurrencesTables   int           `db:"occurrences_tables"`
	OccurrencesColumns  int           `db:"occurrences_columns"`
}

// RunTableColumn is one source-column mapping outcome row for a run.
type RunTableColumn struct {
	RunID            string         `db:"run_id"`
	WorkbookIndex    int            `db:"workbook_index"`
	WorkbookName     string         `db:"workbook_name"`
	SheetIndex       int            `db:"sheet_index"`
	SheetName        string         `db:"sheet_name"`
	TableIndex       int            `db:"table_index"`
	ColumnIndex      int            `db:"column_index"`
	HeaderRaw        sql.NullString `db:"header_raw"`
	HeaderNormalized sql.NullString `db:"header_normalized"`
	NonEmptyCells    int            `db:"non_empty_cells"`
	MappingStatus    string         `db:"mapping_status"`
	MappedField      sql.NullString `db:"mapped_field"`
	MappingScore     sql.NullFloat64 `db:"mapping_score"`
	MappingMethod    sql.NullString `db:"mapping_method"`
	// UnmappedReason is a passthrough string copied verbatim off the
	// engine's mapping payload, not a normalized enum.
	UnmappedReason   sql.NullString `db:"unmapped_reason"`
}

// User and RBAC.
const (
	RoleGlobalAdmin      = "global_admin"
	RoleWorkspaceAdmin   = "workspace_admin"
	RoleWorkspaceEditor  = "workspace_editor"
	RoleWorkspaceViewer  = "workspace_viewer"
)

// User is an authenticated principal.
type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	GlobalRole   sql.NullString `db:"global_role"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// WorkspaceMembership grants a user a role scoped to one workspace.
type WorkspaceMembership struct {
	WorkspaceID string    `db:"workspace_id"`
	UserID      string    `db:"user_id"`
	Role        string    `db:"role"`
	CreatedAt   time.Time `db:"created_at"`
}

// APIKey is a bearer credential scoped to a workspace.
type APIKey struct {
	ID          string         `db:"id"`
	WorkspaceID string         `db:"workspace_id"`
	Name        string         `db:"name"`
	KeyHash     string         `db:"key_hash"`
	KeyPrefix   string         `db:"key_prefix"`
	Role        string         `db:"role"`
	CreatedAt   time.Time      `db:"created_at"`
	LastUsedAt  sql.NullTime   `db:"last_used_at"`
	RevokedAt   sql.NullTime   `db:"revoked_at"`
}

// Session is a server-side session record backing a session cookie.
type Session struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	CSRFToken string    `db:"csrf_token"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// SystemSetting is a workspace-scoped key/value override.
type SystemSetting struct {
	WorkspaceID string    `db:"workspace_id"`
	Key         string    `db:"key"`
	Value       string    `db:"value"`
	UpdatedAt   time.Time `db:"updated_at"`
}
