package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ade-run/ade/internal/models"
)

// GetSetting fetches one workspace-scoped key/value override.
func (s *Store) GetSetting(ctx context.Context, workspaceID, key string) (*models.SystemSetting, error) {
	var row models.SystemSetting
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM system_settings WHERE workspace_id = $1 AND key = $2
	`, workspaceID, key)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &row, nil
}

// ListSettings returns every override set for a workspace.
func (s *Store) ListSettings(ctx context.Context, workspaceID string) ([]models.SystemSetting, error) {
	var rows []models.SystemSetting
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM system_settings WHERE workspace_id = $1 ORDER BY key
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("store: list settings: %w", err)
	}
	return rows, nil
}

// SetSetting upserts one workspace-scoped key/value override.
func (s *Store) SetSetting(ctx context.Context, workspaceID, key, value string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (workspace_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, workspaceID, key, value, now)
	if err != nil {
		return fmt.Errorf("store: set setting: %w", err)
	}
	return nil
}

// DeleteSetting removes a workspace-scoped override, idempotent if absent.
func (s *Store) DeleteSetting(ctx context.Context, workspaceID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM system_settings WHERE workspace_id = $1 AND key = $2
	`, workspaceID, key)
	if err != nil {
		return fmt.Errorf("store: delete setting: %w", err)
	}
	return nil
}
