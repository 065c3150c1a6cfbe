package authn

import (
	"fmt"

	"github.com/ade-run/ade/internal/models"
)

// AccessDeniedError is returned when a principal is authenticated but
// lacks the role required for an operation.
type AccessDeniedError struct {
	WorkspaceID  string
	RequiredRole string
	ActualRole   string
}

func (e *AccessDeniedError) Error() string {
	if e.ActualRole == "" {
		return fmt.Sprintf("authn: no access to workspace %s", e.WorkspaceID)
	}
	return fmt.Sprintf("authn: workspace %s requires role %s, have %s", e.WorkspaceID, e.RequiredRole, e.ActualRole)
}

// RequireWorkspaceRole checks principal's standing in workspaceID against
// required, consulting memberships for session principals (a user may
// belong to many workspaces) and the principal's own scope for API keys
// (which are already bound to one workspace).
func RequireWorkspaceRole(p *Principal, workspaceID, required string, memberships map[string]string) error {
	actual := p.WorkspaceRole(workspaceID, memberships)
	if !HasRole(actual, required) {
		return &AccessDeniedError{WorkspaceID: workspaceID, RequiredRole: required, ActualRole: actual}
	}
	return nil
}

// GlobalAdminRole is the only role value stored on users.global_role that
// grants cross-workspace access (system settings, user management).
const GlobalAdminRole = models.RoleGlobalAdmin

// IsGlobalAdmin reports whether the principal's user carries the platform
// global-admin role. API-key principals are never global admins.
func (p *Principal) IsGlobalAdmin() bool {
	return p.User != nil && p.User.GlobalRole.Valid && p.User.GlobalRole.String == GlobalAdminRole
}
