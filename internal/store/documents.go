package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ade-run/ade/internal/models"
)

// CreateDocument inserts an uploaded document row.
func (s *Store) CreateDocument(ctx context.Context, workspaceID, originalFilename, contentType, storedURI, sha256Hex string, byteSize int64, uploadedByUserID string, now time.Time) (*models.Document, error) {
	doc := models.Document{
		ID:               uuid.NewString(),
		WorkspaceID:      workspaceID,
		OriginalFilename: originalFilename,
		ByteSize:         byteSize,
		Sha256Hex:        sha256Hex,
		StoredURI:        storedURI,
		Status:           models.DocumentStatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if contentType != "" {
		doc.ContentType.String, doc.ContentType.Valid = contentType, true
	}
	if uploadedByUserID != "" {
		doc.UploadedByUserID.String, doc.UploadedByUserID.Valid = uploadedByUserID, true
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, workspace_id, original_filename, content_type, byte_size, sha256_hex, stored_uri, status, uploaded_by_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, doc.ID, doc.WorkspaceID, doc.OriginalFilename, doc.ContentType, doc.ByteSize, doc.Sha256Hex, doc.StoredURI, doc.Status, doc.UploadedByUserID, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create document: %w", err)
	}
	return &doc, nil
}

// GetDocument fetches one document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := s.db.GetContext(ctx, &doc, `SELECT * FROM documents WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &doc, nil
}

// ListDocuments returns a workspace's documents, most recent first.
func (s *Store) ListDocuments(ctx context.Context, workspaceID string, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Document
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM documents WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	return rows, nil
}
