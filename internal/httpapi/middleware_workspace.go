package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ade-run/ade/internal/apierr"
	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/models"
	"github.com/ade-run/ade/internal/store"
)

type workspaceScope struct {
	Workspace *models.Workspace
	Role      string
}

type wsContextKey int

const workspaceScopeKey wsContextKey = iota

func withWorkspaceScope(ctx context.Context, scope workspaceScope) context.Context {
	return context.WithValue(ctx, workspaceScopeKey, scope)
}

func workspaceFromContext(ctx context.Context) (workspaceScope, bool) {
	scope, ok := ctx.Value(workspaceScopeKey).(workspaceScope)
	return scope, ok
}

// requireWorkspaceMember resolves the {ws} URL param to a workspace and
// confirms the authenticated principal has some standing in it, deferring
// the specific role tier (viewer vs editor) to each handler via requireRole.
func (s *Server) requireWorkspaceMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsID := chi.URLParam(r, "ws")
		ws, err := s.store.GetWorkspace(r.Context(), wsID)
		if err != nil {
			if err == store.ErrNotFound {
				writeProblem(w, r, s.log, apierr.NotFound("workspace", wsID))
				return
			}
			writeProblem(w, r, s.log, apierr.Internal("load workspace", err))
			return
		}

		p, ok := authn.FromContext(r.Context())
		if !ok {
			writeProblem(w, r, s.log, apierr.Unauthorized("missing credentials"))
			return
		}

		var memberships map[string]string
		if p.Credentials == authn.CredentialSession && p.User != nil {
			memberships, err = s.store.MembershipsForUser(r.Context(), p.User.ID)
			if err != nil {
				writeProblem(w, r, s.log, apierr.Internal("load memberships", err))
				return
			}
		}

		role := p.WorkspaceRole(ws.ID, memberships)
		if p.IsGlobalAdmin() && role == "" {
			role = authn.RoleWorkspaceAdmin
		}
		if role == "" {
			writeProblem(w, r, s.log, apierr.PermissionDenied("no access to this workspace"))
			return
		}

		ctx := withWorkspaceScope(r.Context(), workspaceScope{Workspace: ws, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole fetches the resolved workspace scope and enforces a minimum
// role, writing a Problem Details response and returning false if denied.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, minRole string) (workspaceScope, bool) {
	scope, ok := workspaceFromContext(r.Context())
	if !ok {
		writeProblem(w, r, s.log, apierr.Internal("workspace scope missing from context", nil))
		return workspaceScope{}, false
	}
	if !authn.HasRole(scope.Role, minRole) {
		writeProblem(w, r, s.log, apierr.PermissionDenied("insufficient workspace role"))
		return workspaceScope{}, false
	}
	return scope, true
}
