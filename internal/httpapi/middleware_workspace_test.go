package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/models"
	"github.com/ade-run/ade/internal/store"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Server{store: store.New(db), log: logging.NewDefault()}, mock
}

func newWorkspaceRow() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"id", "name", "slug", "created_at", "updated_at"}).
		AddRow("ws-1", "Acme", "acme", now, now)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestRequireWorkspaceMemberSessionPrincipalWithMembership(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectQuery(`SELECT \* FROM workspaces WHERE id = \$1`).
		WithArgs("ws-1").
		WillReturnRows(newWorkspaceRow())
	mock.ExpectQuery(`SELECT \* FROM workspace_memberships WHERE user_id = \$1`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "user_id", "role", "created_at"}).
			AddRow("ws-1", "user-1", models.RoleWorkspaceEditor, time.Now().UTC()))

	var gotRole string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, ok := workspaceFromContext(r.Context())
		require.True(t, ok)
		gotRole = scope.Role
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-1/documents", nil)
	req = withChiParam(req, "ws", "ws-1")
	principal := &authn.Principal{Credentials: authn.CredentialSession, User: &models.User{ID: "user-1"}}
	req = req.WithContext(authn.WithPrincipal(req.Context(), principal))

	rec := httptest.NewRecorder()
	s.requireWorkspaceMember(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.RoleWorkspaceEditor, gotRole)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireWorkspaceMemberAPIKeyPrincipal(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery(`SELECT \* FROM workspaces WHERE id = \$1`).
		WithArgs("ws-1").
		WillReturnRows(newWorkspaceRow())

	var gotRole string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, _ := workspaceFromContext(r.Context())
		gotRole = scope.Role
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-1/documents", nil)
	req = withChiParam(req, "ws", "ws-1")
	principal := &authn.Principal{
		Credentials:       authn.CredentialAPIKey,
		APIKeyWorkspaceID: "ws-1",
		APIKeyRole:        models.RoleWorkspaceViewer,
	}
	req = req.WithContext(authn.WithPrincipal(req.Context(), principal))

	rec := httptest.NewRecorder()
	s.requireWorkspaceMember(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.RoleWorkspaceViewer, gotRole)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireWorkspaceMemberGlobalAdminFallback(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery(`SELECT \* FROM workspaces WHERE id = \$1`).
		WithArgs("ws-1").
		WillReturnRows(newWorkspaceRow())
	mock.ExpectQuery(`SELECT \* FROM workspace_memberships WHERE user_id = \$1`).
		WithArgs("user-admin").
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "user_id", "role", "created_at"}))

	var gotRole string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, _ := workspaceFromContext(r.Context())
		gotRole = scope.Role
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-1/documents", nil)
	req = withChiParam(req, "ws", "ws-1")
	principal := &authn.Principal{
		Credentials: authn.CredentialSession,
		User:        &models.User{ID: "user-admin", GlobalRole: sql.NullString{String: authn.GlobalAdminRole, Valid: true}},
	}
	req = req.WithContext(authn.WithPrincipal(req.Context(), principal))

	rec := httptest.NewRecorder()
	s.requireWorkspaceMember(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, authn.RoleWorkspaceAdmin, gotRole)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireWorkspaceMemberDeniedWithNoMembership(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery(`SELECT \* FROM workspaces WHERE id = \$1`).
		WithArgs("ws-1").
		WillReturnRows(newWorkspaceRow())
	mock.ExpectQuery(`SELECT \* FROM workspace_memberships WHERE user_id = \$1`).
		WithArgs("user-2").
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id", "user_id", "role", "created_at"}))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-1/documents", nil)
	req = withChiParam(req, "ws", "ws-1")
	principal := &authn.Principal{Credentials: authn.CredentialSession, User: &models.User{ID: "user-2"}}
	req = req.WithContext(authn.WithPrincipal(req.Context(), principal))

	rec := httptest.NewRecorder()
	s.requireWorkspaceMember(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireWorkspaceMemberUnknownWorkspace(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery(`SELECT \* FROM workspaces WHERE id = \$1`).
		WithArgs("ws-missing").
		WillReturnError(sql.ErrNoRows)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-missing/documents", nil)
	req = withChiParam(req, "ws", "ws-missing")
	req = req.WithContext(authn.WithPrincipal(req.Context(), &authn.Principal{Credentials: authn.CredentialSession, User: &models.User{ID: "user-1"}}))

	rec := httptest.NewRecorder()
	s.requireWorkspaceMember(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequireRoleRejectsInsufficientRole(t *testing.T) {
	s := &Server{log: logging.NewDefault()}
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-1/configurations", nil)
	scope := workspaceScope{Workspace: &models.Workspace{ID: "ws-1"}, Role: authn.RoleWorkspaceViewer}
	req = req.WithContext(withWorkspaceScope(req.Context(), scope))

	rec := httptest.NewRecorder()
	_, ok := s.requireRole(rec, req, authn.RoleWorkspaceEditor)

	require.False(t, ok)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
