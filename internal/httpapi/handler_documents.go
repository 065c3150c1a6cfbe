package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ade-run/ade/internal/apierr"
	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/models"
)

func documentResponse(doc *models.Document) map[string]any {
	out := map[string]any{
		"id":                doc.ID,
		"workspace_id":      doc.WorkspaceID,
		"original_filename": doc.OriginalFilename,
		"byte_size":         doc.ByteSize,
		"sha256_hex":        doc.Sha256Hex,
		"status":            doc.Status,
		"created_at":        doc.CreatedAt,
		"updated_at":        doc.UpdatedAt,
	}
	if doc.ContentType.Valid {
		out["content_type"] = doc.ContentType.String
	}
	if doc.LastRunAt.Valid {
		out["last_run_at"] = doc.LastRunAt.Time
	}
	return out
}

// handleUploadDocument stores an uploaded input file's bytes via the
// configured blob backend and records its metadata.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeProblem(w, r, s.log, apierr.FileTooLarge(s.maxUploadBytes))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeInvalidArchive, "missing file field", http.StatusBadRequest))
		return
	}
	defer file.Close()
	if header.Size > s.maxUploadBytes {
		writeProblem(w, r, s.log, apierr.FileTooLarge(s.maxUploadBytes))
		return
	}

	key := uuid.NewString() + "/" + filepath.Base(header.Filename)

	hasher := sha256.New()
	if err := s.blobs.Put(r.Context(), scope.Workspace.ID+"/documents/"+key, io.TeeReader(file, hasher), header.Size); err != nil {
		writeProblem(w, r, s.log, apierr.Internal("store uploaded document", err))
		return
	}

	contentType := header.Header.Get("Content-Type")
	now := time.Now().UTC()
	doc, err := s.store.CreateDocument(r.Context(), scope.Workspace.ID, header.Filename, contentType,
		"file:"+key, hex.EncodeToString(hasher.Sum(nil)), header.Size, s.principalUserID(r), now)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("record document", err))
		return
	}

	writeJSON(w, http.StatusCreated, documentResponse(doc))
}

// handleListDocuments lists a workspace's uploaded documents, most recent
// first.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	rows, err := s.store.ListDocuments(r.Context(), scope.Workspace.ID, 0)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("list documents", err))
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		out = append(out, documentResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// handleGetDocument returns one document's metadata.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil || doc.WorkspaceID != scope.Workspace.ID {
		writeProblem(w, r, s.log, apierr.NotFound("document", id))
		return
	}
	writeJSON(w, http.StatusOK, documentResponse(doc))
}
