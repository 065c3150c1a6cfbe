package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ade-run/ade/internal/models"
)

// PublishConflictError is returned when publishing a configuration whose
// workspace already has a different active configuration of the same
// name mid-transition (a concurrent publish raced this one).
type PublishConflictError struct {
	WorkspaceID string
	Name        string
}

func (e *PublishConflictError) Error() string {
	return fmt.Sprintf("store: publish conflict: workspace %s already publishing %s", e.WorkspaceID, e.Name)
}

// NotEditableError is returned when a mutation targets a configuration
// that isn't in draft status.
type NotEditableError struct {
	ConfigurationID string
	Status          string
}

func (e *NotEditableError) Error() string {
	return fmt.Sprintf("store: configuration %s not editable (status=%s)", e.ConfigurationID, e.Status)
}

// CreateDraftConfiguration inserts a new draft configuration row. version
// is the caller's responsibility: 1 for a fresh name, or one past the
// highest existing version when cloning.
func (s *Store) CreateDraftConfiguration(ctx context.Context, workspaceID, name string, version int, createdByUserID string, now time.Time) (*models.Configuration, error) {
	cfg := models.Configuration{
		ID:              uuid.NewString(),
		WorkspaceID:     workspaceID,
		Name:            name,
		Version:         version,
		Status:          models.ConfigStatusDraft,
		CreatedByUserID: sql.NullString{String: createdByUserID, Valid: createdByUserID != ""},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO configurations (id, workspace_id, name, version, status, created_by_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cfg.ID, cfg.WorkspaceID, cfg.Name, cfg.Version, cfg.Status, cfg.CreatedByUserID, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create draft configuration: %w", err)
	}
	return &cfg, nil
}

// GetConfiguration fetches one configuration by ID.
func (s *Store) GetConfiguration(ctx context.Context, id string) (*models.Configuration, error) {
	var cfg models.Configuration
	err := s.db.GetContext(ctx, &cfg, `SELECT * FROM configurations WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &cfg, nil
}

// GetActiveConfiguration returns the currently active configuration for
// (workspaceID, name), or ErrNotFound if none is active.
func (s *Store) GetActiveConfiguration(ctx context.Context, workspaceID, name string) (*models.Configuration, error) {
	var cfg models.Configuration
	err := s.db.GetContext(ctx, &cfg, `
		SELECT * FROM configurations
		WHERE workspace_id = $1 AND name = $2 AND status = 'active'
	`, workspaceID, name)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &cfg, nil
}

// ListConfigurations returns every configuration in a workspace, newest
// version first within each name.
func (s *Store) ListConfigurations(ctx context.Context, workspaceID string) ([]models.Configuration, error) {
	var rows []models.Configuration
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM configurations
		WHERE workspace_id = $1
		ORDER BY name, version DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("store: list configurations: %w", err)
	}
	return rows, nil
}

// RecordValidation stores the fileset digest computed for a configuration
// after a successful validation pass, without changing its status.
func (s *Store) RecordValidation(ctx context.Context, configurationID, engineSpec, depsDigest, filesetDigest string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE configurations
		SET engine_spec = $2, deps_digest = $3, fileset_digest = $4, updated_at = $5
		WHERE id = $1
	`, configurationID, engineSpec, depsDigest, filesetDigest, now)
	if err != nil {
		return fmt.Errorf("store: record validation: %w", err)
	}
	return nil
}

// PublishConfiguration atomically archives the current active
// configuration for (workspaceID, name) if any, then activates cfg. The
// whole operation runs in one transaction so readers never observe two
// simultaneously active configurations of the same name.
func (s *Store) PublishConfiguration(ctx context.Context, configurationID string, now time.Time) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var cfg models.Configuration
		if err := tx.GetContext(ctx, &cfg, `SELECT * FROM configurations WHERE id = $1 FOR UPDATE`, configurationID); err != nil {
			return wrapNotFound(err)
		}
		if cfg.Status != models.ConfigStatusDraft {
			return &NotEditableError{ConfigurationID: cfg.ID, Status: cfg.Status}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE configurations
			SET status = 'archived', archived_at = $1, updated_at = $1
			WHERE workspace_id = $2 AND name = $3 AND status = 'active'
		`, now, cfg.WorkspaceID, cfg.Name)
		if err != nil {
			return fmt.Errorf("store: archive prior active: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 1 {
			return &PublishConflictError{WorkspaceID: cfg.WorkspaceID, Name: cfg.Name}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE configurations
			SET status = 'active', activated_at = $1, updated_at = $1
			WHERE id = $2
		`, now, configurationID); err != nil {
			return fmt.Errorf("store: activate configuration: %w", err)
		}
		return nil
	})
}

// UpsertConfigFile writes or replaces one file in a configuration's
// package tree. Callers are responsible for precondition (If-Match ETag)
// checks before calling this.
func (s *Store) UpsertConfigFile(ctx context.Context, configurationID, relPath, contentETag, blobKey string, byteSize int64, now time.Time) (*models.ConfigFile, error) {
	file := models.ConfigFile{
		ID:              uuid.NewString(),
		ConfigurationID: configurationID,
		RelPath:         relPath,
		ContentETag:     contentETag,
		ByteSize:        byteSize,
		BlobKey:         blobKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_files (id, configuration_id, rel_path, content_etag, byte_size, blob_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (configuration_id, rel_path) DO UPDATE SET
			content_etag = EXCLUDED.content_etag,
			byte_size = EXCLUDED.byte_size,
			blob_key = EXCLUDED.blob_key,
			updated_at = EXCLUDED.updated_at
	`, file.ID, file.ConfigurationID, file.RelPath, file.ContentETag, file.ByteSize, file.BlobKey, file.CreatedAt, file.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: upsert config file: %w", err)
	}
	return &file, nil
}

// GetConfigFile fetches one file's metadata by (configurationID, relPath).
func (s *Store) GetConfigFile(ctx context.Context, configurationID, relPath string) (*models.ConfigFile, error) {
	var file models.ConfigFile
	err := s.db.GetContext(ctx, &file, `
		SELECT * FROM config_files WHERE configuration_id = $1 AND rel_path = $2
	`, configurationID, relPath)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &file, nil
}

// DeleteConfigFile removes one file's metadata row after its bytes have
// been deleted from the package tree.
func (s *Store) DeleteConfigFile(ctx context.Context, configurationID, relPath string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM config_files WHERE configuration_id = $1 AND rel_path = $2
	`, configurationID, relPath)
	if err != nil {
		return fmt.Errorf("store: delete config file: %w", err)
	}
	return nil
}

// RenameConfigFile updates a file's metadata row to reflect a completed
// on-disk rename, replacing any row already tracked at the destination
// path.
func (s *Store) RenameConfigFile(ctx context.Context, configurationID, fromPath, toPath, contentETag string, byteSize int64, now time.Time) (*models.ConfigFile, error) {
	file := models.ConfigFile{
		ID:              uuid.NewString(),
		ConfigurationID: configurationID,
		RelPath:         toPath,
		ContentETag:     contentETag,
		ByteSize:        byteSize,
		BlobKey:         toPath,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM config_files WHERE configuration_id = $1 AND rel_path = $2
		`, configurationID, fromPath); err != nil {
			return fmt.Errorf("store: clear source config file: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO config_files (id, configuration_id, rel_path, content_etag, byte_size, blob_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (configuration_id, rel_path) DO UPDATE SET
				content_etag = EXCLUDED.content_etag,
				byte_size = EXCLUDED.byte_size,
				blob_key = EXCLUDED.blob_key,
				updated_at = EXCLUDED.updated_at
		`, file.ID, file.ConfigurationID, file.RelPath, file.ContentETag, file.ByteSize, file.BlobKey, file.CreatedAt, file.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store: insert renamed config file: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// ListConfigFiles returns every file row for a configuration.
func (s *Store) ListConfigFiles(ctx context.Context, configurationID string) ([]models.ConfigFile, error) {
	var rows []models.ConfigFile
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM config_files WHERE configuration_id = $1 ORDER BY rel_path
	`, configurationID)
	if err != nil {
		return nil, fmt.Errorf("store: list config files: %w", err)
	}
	return rows, nil
}
