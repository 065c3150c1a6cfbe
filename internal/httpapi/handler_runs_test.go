package httpapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/models"
)

func runTestScope() workspaceScope {
	return workspaceScope{Workspace: &models.Workspace{ID: "ws-1"}, Role: authn.RoleWorkspaceEditor}
}

func requestWithScope(req *http.Request, scope workspaceScope) *http.Request {
	req = req.WithContext(withWorkspaceScope(req.Context(), scope))
	req = req.WithContext(authn.WithPrincipal(req.Context(), &authn.Principal{
		Credentials: authn.CredentialSession,
		User:        &models.User{ID: "user-1"},
	}))
	return req
}

func TestHandleSubmitRunRejectsNonActiveConfiguration(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT \* FROM configurations WHERE id = \$1`).
		WithArgs("cfg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "status"}).
			AddRow("cfg-1", "ws-1", models.ConfigStatusDraft))

	body, _ := json.Marshal(submitRunRequest{ConfigurationID: "cfg-1", InputDocumentID: "doc-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-1/runs", bytes.NewReader(body))
	req = requestWithScope(req, runTestScope())

	rec := httptest.NewRecorder()
	s.handleSubmitRun(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleSubmitRunSucceeds(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT \* FROM configurations WHERE id = \$1`).
		WithArgs("cfg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "status", "engine_spec", "deps_digest"}).
			AddRow("cfg-1", "ws-1", models.ConfigStatusActive,
				sql.NullString{String: "apps/ade-engine==1.0.0", Valid: true},
				sql.NullString{String: "deadbeef", Valid: true}))
	mock.ExpectQuery(`SELECT \* FROM documents WHERE id = \$1`).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id"}).AddRow("doc-1", "ws-1"))
	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(submitRunRequest{ConfigurationID: "cfg-1", InputDocumentID: "doc-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-1/runs", bytes.NewReader(body))
	req = requestWithScope(req, runTestScope())

	rec := httptest.NewRecorder()
	s.handleSubmitRun(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Equal(t, models.RunStatusQueued, out["status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCancelRunAlreadyTerminal(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "status"}).
			AddRow("run-1", "ws-1", models.RunStatusSucceeded))
	mock.ExpectExec(`UPDATE runs SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-1/runs/run-1/cancel", nil)
	req = requestWithScope(req, runTestScope())
	req = withChiParam(req, "id", "run-1")

	rec := httptest.NewRecorder()
	s.handleCancelRun(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleGetRunIncludesMetricsWhenPresent(t *testing.T) {
	s, mock := newTestServer(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "status", "created_at"}).
			AddRow("run-1", "ws-1", models.RunStatusSucceeded, now))
	mock.ExpectQuery(`SELECT \* FROM run_metrics WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}).AddRow("run-1"))
	mock.ExpectQuery(`SELECT \* FROM run_fields WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))
	mock.ExpectQuery(`SELECT \* FROM run_table_columns WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-1/runs/run-1", nil)
	req = requestWithScope(req, workspaceScope{Workspace: &models.Workspace{ID: "ws-1"}, Role: authn.RoleWorkspaceViewer})
	req = withChiParam(req, "id", "run-1")

	rec := httptest.NewRecorder()
	s.handleGetRun(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Contains(t, out, "metrics")
	require.NotContains(t, out, "fields")
	require.NoError(t, mock.ExpectationsWereMet())
}
