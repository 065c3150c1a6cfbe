package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ade-run/ade/internal/models"
)

// CreateAPIKey inserts a new workspace-scoped API key record. The caller
// (internal/authn.GenerateAPIKey) has already generated prefix/secret and
// hashed the secret; this just persists the row.
func (s *Store) CreateAPIKey(ctx context.Context, workspaceID, name, prefix, keyHash, role string, now time.Time) (*models.APIKey, error) {
	k := models.APIKey{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		KeyHash:     keyHash,
		KeyPrefix:   prefix,
		Role:        role,
		CreatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, workspace_id, name, key_hash, key_prefix, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, k.ID, k.WorkspaceID, k.Name, k.KeyHash, k.KeyPrefix, k.Role, k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create api key: %w", err)
	}
	return &k, nil
}

// GetAPIKeyByPrefix looks up an API key by its public prefix. Satisfies
// internal/authn.APIKeyLookup.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	var k models.APIKey
	err := s.db.GetContext(ctx, &k, `SELECT * FROM api_keys WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &k, nil
}

// TouchAPIKey updates an API key's last-used timestamp. Satisfies
// internal/authn.APIKeyLookup.
func (s *Store) TouchAPIKey(ctx context.Context, apiKeyID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = $2 WHERE id = $1
	`, apiKeyID, now)
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}

// ListAPIKeys returns every API key for a workspace, revoked included, so
// the UI can show revocation history.
func (s *Store) ListAPIKeys(ctx context.Context, workspaceID string) ([]models.APIKey, error) {
	var rows []models.APIKey
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM api_keys WHERE workspace_id = $1 ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	return rows, nil
}

// RevokeAPIKey marks a key revoked, idempotent if already revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, apiKeyID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL
	`, apiKeyID, now)
	if err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already revoked or missing; confirm which before reporting not-found.
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM api_keys WHERE id = $1)`, apiKeyID); err != nil {
			return fmt.Errorf("store: revoke api key: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}
