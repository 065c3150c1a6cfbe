package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ade-run/ade/internal/models"
)

// CreateWorkspace inserts a new workspace.
func (s *Store) CreateWorkspace(ctx context.Context, name, slug string, now time.Time) (*models.Workspace, error) {
	ws := models.Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ws.ID, ws.Name, ws.Slug, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create workspace: %w", err)
	}
	return &ws, nil
}

// GetWorkspace fetches one workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.db.GetContext(ctx, &ws, `SELECT * FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &ws, nil
}

// GetWorkspaceBySlug fetches one workspace by its unique slug.
func (s *Store) GetWorkspaceBySlug(ctx context.Context, slug string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.db.GetContext(ctx, &ws, `SELECT * FROM workspaces WHERE slug = $1`, slug)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &ws, nil
}

// ListWorkspacesForUser returns workspaces the given user has any
// membership role in, ordered by name.
func (s *Store) ListWorkspacesForUser(ctx context.Context, userID string) ([]models.Workspace, error) {
	var rows []models.Workspace
	err := s.db.SelectContext(ctx, &rows, `
		SELECT w.* FROM workspaces w
		JOIN workspace_memberships m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list workspaces for user: %w", err)
	}
	return rows, nil
}

// MembershipsForUser returns a workspace_id -> role map for userID, the
// shape internal/authn.RequireWorkspaceRole consumes directly.
func (s *Store) MembershipsForUser(ctx context.Context, userID string) (map[string]string, error) {
	var rows []models.WorkspaceMembership
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM workspace_memberships WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: load memberships: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, m := range rows {
		out[m.WorkspaceID] = m.Role
	}
	return out, nil
}

// SetMembership upserts userID's role in workspaceID.
func (s *Store) SetMembership(ctx context.Context, workspaceID, userID, role string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, workspaceID, userID, role, now)
	if err != nil {
		return fmt.Errorf("store: set membership: %w", err)
	}
	return nil
}
