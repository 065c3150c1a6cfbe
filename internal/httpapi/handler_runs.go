package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ade-run/ade/internal/apierr"
	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/models"
	"github.com/ade-run/ade/internal/store"
)

type submitRunRequest struct {
	ConfigurationID string          `json:"configuration_id"`
	InputDocumentID string          `json:"input_document_id"`
	RunOptions      json.RawMessage `json:"run_options"`
	MaxAttempts     int             `json:"max_attempts"`
}

func runResponse(run *models.Run) map[string]any {
	out := map[string]any{
		"id":                run.ID,
		"workspace_id":      run.WorkspaceID,
		"configuration_id":  run.ConfigurationID,
		"engine_spec":       run.EngineSpec,
		"deps_digest":       run.DepsDigest,
		"input_document_id": run.InputDocumentID,
		"run_options":       json.RawMessage(run.RunOptions),
		"attempt_count":     run.AttemptCount,
		"max_attempts":      run.MaxAttempts,
		"status":            run.Status,
		"created_at":        run.CreatedAt,
	}
	if run.EnvironmentID.Valid {
		out["environment_id"] = run.EnvironmentID.String
	}
	if run.ExitCode.Valid {
		out["exit_code"] = run.ExitCode.Int64
	}
	if run.OutputPath.Valid {
		out["output_path"] = run.OutputPath.String
	}
	if run.StartedAt.Valid {
		out["started_at"] = run.StartedAt.Time
	}
	if run.CompletedAt.Valid {
		out["completed_at"] = run.CompletedAt.Time
	}
	if run.CancelledAt.Valid {
		out["cancelled_at"] = run.CancelledAt.Time
	}
	if run.ErrorMessage.Valid {
		out["error_message"] = run.ErrorMessage.String
	}
	return out
}

// handleSubmitRun queues a new run of an active configuration against an
// uploaded document.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}

	var req submitRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeInvalidArchive, "invalid request body", http.StatusBadRequest))
		return
	}
	if req.ConfigurationID == "" || req.InputDocumentID == "" {
		writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeInvalidSourceShape, "configuration_id and input_document_id are required", http.StatusUnprocessableEntity))
		return
	}

	cfg, err := s.store.GetConfiguration(r.Context(), req.ConfigurationID)
	if err != nil || cfg.WorkspaceID != scope.Workspace.ID {
		writeProblem(w, r, s.log, apierr.NotFound("configuration", req.ConfigurationID))
		return
	}
	if cfg.Status != models.ConfigStatusActive {
		writeProblem(w, r, s.log, apierr.ConfigurationNotEditable(cfg.ID, cfg.Status))
		return
	}

	doc, err := s.store.GetDocument(r.Context(), req.InputDocumentID)
	if err != nil || doc.WorkspaceID != scope.Workspace.ID {
		writeProblem(w, r, s.log, apierr.NotFound("document", req.InputDocumentID))
		return
	}

	now := time.Now().UTC()
	run, err := s.store.SubmitRun(r.Context(), store.SubmitRunParams{
		WorkspaceID:       scope.Workspace.ID,
		ConfigurationID:   cfg.ID,
		EngineSpec:        cfg.EngineSpec.String,
		DepsDigest:        cfg.DepsDigest.String,
		InputDocumentID:   doc.ID,
		RunOptions:        req.RunOptions,
		MaxAttempts:       req.MaxAttempts,
		SubmittedByUserID: s.principalUserID(r),
	}, now)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("submit run", err))
		return
	}
	writeJSON(w, http.StatusCreated, runResponse(run))
}

// handleListRuns lists a workspace's runs, most recent first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	rows, err := s.store.ListRuns(r.Context(), scope.Workspace.ID, 0)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("list runs", err))
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		out = append(out, runResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// handleGetRun returns a run's record along with its metrics and
// expected-field/column outcomes, if the run has completed.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil || run.WorkspaceID != scope.Workspace.ID {
		writeProblem(w, r, s.log, apierr.NotFound("run", id))
		return
	}

	body := runResponse(run)
	if metrics, err := s.store.GetRunMetrics(r.Context(), run.ID); err == nil {
		body["metrics"] = metrics
	}
	if fields, err := s.store.ListRunFields(r.Context(), run.ID); err == nil && len(fields) > 0 {
		body["fields"] = fields
	}
	if columns, err := s.store.ListRunTableColumns(r.Context(), run.ID); err == nil && len(columns) > 0 {
		body["table_columns"] = columns
	}
	writeJSON(w, http.StatusOK, body)
}

// handleCancelRun cancels a queued or running run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil || run.WorkspaceID != scope.Workspace.ID {
		writeProblem(w, r, s.log, apierr.NotFound("run", id))
		return
	}

	now := time.Now().UTC()
	if err := s.store.CancelRun(r.Context(), run.ID, now); err != nil {
		if err == store.ErrNotFound {
			writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeConfigurationNotEditable, "run has already reached a terminal state", http.StatusConflict))
			return
		}
		writeProblem(w, r, s.log, apierr.Internal("cancel run", err))
		return
	}

	updated, err := s.store.GetRun(r.Context(), run.ID)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("reload run", err))
		return
	}
	writeJSON(w, http.StatusOK, runResponse(updated))
}
