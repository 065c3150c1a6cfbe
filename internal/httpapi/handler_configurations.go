package httpapi

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ade-run/ade/internal/apierr"
	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/configstore"
	"github.com/ade-run/ade/internal/configtemplate"
	"github.com/ade-run/ade/internal/models"
	"github.com/ade-run/ade/internal/store"
)

const maxUncompressedImportBytes = 200 << 20 // total uncompressed cap for a zip import
const maxImportEntries = 5000

var excludedTreeNames = map[string]bool{
	".git":         true,
	".idea":        true,
	".vscode":      true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"env":          true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
}

func pathExcluded(relPath string) bool {
	clean := path.Clean(filepathToSlash(relPath))
	base := path.Base(clean)
	if base == ".DS_Store" || strings.HasSuffix(base, ".pyc") {
		return true
	}
	for _, seg := range strings.Split(clean, "/") {
		if excludedTreeNames[seg] {
			return true
		}
	}
	return false
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

type configSourceRequest struct {
	Type            string `json:"type"`
	ConfigurationID string `json:"configuration_id"`
}

type createConfigurationRequest struct {
	DisplayName string              `json:"display_name"`
	Source      configSourceRequest `json:"source"`
	Notes       string              `json:"notes"`
}

func configurationResponse(cfg *models.Configuration) map[string]any {
	out := map[string]any{
		"id":           cfg.ID,
		"workspace_id": cfg.WorkspaceID,
		"name":         cfg.Name,
		"version":      cfg.Version,
		"status":       cfg.Status,
		"created_at":   cfg.CreatedAt,
		"updated_at":   cfg.UpdatedAt,
	}
	if cfg.EngineSpec.Valid {
		out["engine_spec"] = cfg.EngineSpec.String
	}
	if cfg.DepsDigest.Valid {
		out["deps_digest"] = cfg.DepsDigest.String
	}
	if cfg.FilesetDigest.Valid {
		out["fileset_digest"] = cfg.FilesetDigest.String
	}
	if cfg.ActivatedAt.Valid {
		out["activated_at"] = cfg.ActivatedAt.Time
	}
	if cfg.ArchivedAt.Valid {
		out["archived_at"] = cfg.ArchivedAt.Time
	}
	return out
}

func (s *Server) principalUserID(r *http.Request) string {
	p, ok := authn.FromContext(r.Context())
	if !ok || p.User == nil {
		return ""
	}
	return p.User.ID
}

func (s *Server) nextConfigurationVersion(r *http.Request, workspaceID, name string) (int, error) {
	existing, err := s.store.ListConfigurations(r.Context(), workspaceID)
	if err != nil {
		return 0, err
	}
	version := 1
	for _, cfg := range existing {
		if cfg.Name == name && cfg.Version >= version {
			version = cfg.Version + 1
		}
	}
	return version, nil
}

// handleCreateConfiguration scaffolds a draft configuration from the
// engine's built-in template or by cloning an existing one, then
// materializes and validates the result before persisting it.
func (s *Server) handleCreateConfiguration(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}

	var req createConfigurationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeInvalidArchive, "invalid request body", http.StatusBadRequest))
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeInvalidSourceShape, "display_name is required", http.StatusUnprocessableEntity))
		return
	}

	version, err := s.nextConfigurationVersion(r, scope.Workspace.ID, name)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("resolve configuration version", err))
		return
	}
	now := time.Now().UTC()
	cfg, err := s.store.CreateDraftConfiguration(r.Context(), scope.Workspace.ID, name, version, s.principalUserID(r), now)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("create draft configuration", err))
		return
	}

	var result configstore.ValidationResult
	switch req.Source.Type {
	case "template":
		dir, cleanup, err := configtemplate.Extract()
		if err != nil {
			writeProblem(w, r, s.log, apierr.Internal("extract built-in template", err))
			return
		}
		result, err = s.configs.MaterializeFromTemplate(scope.Workspace.ID, cfg.ID, dir)
		cleanup()
		if err != nil {
			writeProblem(w, r, s.log, mapMaterializeError(err))
			return
		}
	case "clone":
		if req.Source.ConfigurationID == "" {
			writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeInvalidSourceShape, "source.configuration_id is required for a clone", http.StatusUnprocessableEntity))
			return
		}
		source, err := s.store.GetConfiguration(r.Context(), req.Source.ConfigurationID)
		if err != nil || source.WorkspaceID != scope.Workspace.ID {
			writeProblem(w, r, s.log, apierr.NotFound("configuration", req.Source.ConfigurationID))
			return
		}
		result, err = s.configs.MaterializeFromClone(scope.Workspace.ID, source.ID, cfg.ID)
		if err != nil {
			writeProblem(w, r, s.log, mapMaterializeError(err))
			return
		}
	default:
		writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeInvalidSourceShape, "source.type must be \"template\" or \"clone\"", http.StatusUnprocessableEntity))
		return
	}

	if !result.Valid() {
		writeProblem(w, r, s.log, apierr.InvalidSourceShape(result.Issues))
		return
	}
	if err := s.store.RecordValidation(r.Context(), cfg.ID, s.engineSpec, result.DepsDigest, result.Digest, now); err != nil {
		writeProblem(w, r, s.log, apierr.Internal("record validation", err))
		return
	}
	cfg.EngineSpec.String, cfg.EngineSpec.Valid = s.engineSpec, true
	cfg.DepsDigest.String, cfg.DepsDigest.Valid = result.DepsDigest, true
	cfg.FilesetDigest.String, cfg.FilesetDigest.Valid = result.Digest, true

	writeJSON(w, http.StatusCreated, configurationResponse(cfg))
}

func mapMaterializeError(err error) error {
	var conflict *configstore.PublishConflictError
	if errors.As(err, &conflict) {
		return apierr.Wrap(apierr.ErrCodePublishConflict, "a concurrent publish raced this one", http.StatusConflict, err)
	}
	var notFound *configstore.NotFoundError
	if errors.As(err, &notFound) {
		return apierr.NotFound("configuration source", notFound.Path)
	}
	return apierr.Internal("materialize configuration", err)
}

// handleImportConfiguration creates a draft configuration from an
// uploaded zip archive, subject to extractZip's safety contract.
func (s *Server) handleImportConfiguration(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxImportBytes+(1<<20))
	if err := r.ParseMultipartForm(s.maxImportBytes); err != nil {
		writeProblem(w, r, s.log, apierr.ArchiveTooLarge(s.maxImportBytes))
		return
	}
	name := strings.TrimSpace(r.FormValue("display_name"))
	if name == "" {
		writeProblem(w, r, s.log, apierr.New(apierr.ErrCodeInvalidSourceShape, "display_name is required", http.StatusUnprocessableEntity))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeProblem(w, r, s.log, apierr.InvalidArchive("missing file field"))
		return
	}
	defer file.Close()
	if header.Size > s.maxImportBytes {
		writeProblem(w, r, s.log, apierr.ArchiveTooLarge(s.maxImportBytes))
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		writeProblem(w, r, s.log, apierr.InvalidArchive("failed reading upload"))
		return
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		writeProblem(w, r, s.log, apierr.InvalidArchive("not a valid zip archive"))
		return
	}
	if len(zr.File) > maxImportEntries {
		writeProblem(w, r, s.log, apierr.TooManyEntries(maxImportEntries))
		return
	}

	stagingDir, cleanup, err := newExtractionStagingDir()
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("prepare staging directory", err))
		return
	}
	defer cleanup()

	if err := extractZip(zr, stagingDir, s.maxImportBytes, maxUncompressedImportBytes); err != nil {
		writeProblem(w, r, s.log, err)
		return
	}

	version, err := s.nextConfigurationVersion(r, scope.Workspace.ID, name)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("resolve configuration version", err))
		return
	}
	now := time.Now().UTC()
	cfg, err := s.store.CreateDraftConfiguration(r.Context(), scope.Workspace.ID, name, version, s.principalUserID(r), now)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("create draft configuration", err))
		return
	}

	result, err := s.configs.MaterializeFromTemplate(scope.Workspace.ID, cfg.ID, stagingDir)
	if err != nil {
		writeProblem(w, r, s.log, mapMaterializeError(err))
		return
	}
	if !result.Valid() {
		writeProblem(w, r, s.log, apierr.InvalidSourceShape(result.Issues))
		return
	}
	if err := s.store.RecordValidation(r.Context(), cfg.ID, s.engineSpec, result.DepsDigest, result.Digest, now); err != nil {
		writeProblem(w, r, s.log, apierr.Internal("record validation", err))
		return
	}

	writeJSON(w, http.StatusCreated, configurationResponse(cfg))
}

// handleValidateConfiguration re-validates a configuration's on-disk
// package tree without changing its status.
func (s *Server) handleValidateConfiguration(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}
	cfg, ok := s.loadConfiguration(w, r, scope)
	if !ok {
		return
	}

	result, err := s.configs.Validate(scope.Workspace.ID, cfg.ID)
	if err != nil {
		writeProblem(w, r, s.log, apierr.NotFound("configuration", cfg.ID))
		return
	}
	if result.Valid() {
		now := time.Now().UTC()
		if err := s.store.RecordValidation(r.Context(), cfg.ID, s.engineSpec, result.DepsDigest, result.Digest, now); err != nil {
			writeProblem(w, r, s.log, apierr.Internal("record validation", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"issues":      result.Issues,
		"digest":      result.Digest,
		"deps_digest": result.DepsDigest,
	})
}

// handlePublishConfiguration validates, then atomically activates a draft
// configuration, archiving any prior active configuration of the same
// name.
func (s *Server) handlePublishConfiguration(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}
	cfg, ok := s.loadConfiguration(w, r, scope)
	if !ok {
		return
	}

	result, err := s.configs.Validate(scope.Workspace.ID, cfg.ID)
	if err != nil {
		writeProblem(w, r, s.log, apierr.NotFound("configuration", cfg.ID))
		return
	}
	if !result.Valid() {
		writeProblem(w, r, s.log, apierr.InvalidSourceShape(result.Issues))
		return
	}

	now := time.Now().UTC()
	if err := s.store.PublishConfiguration(r.Context(), cfg.ID, now); err != nil {
		writeProblem(w, r, s.log, mapPublishError(err))
		return
	}

	published, err := s.store.GetConfiguration(r.Context(), cfg.ID)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("reload configuration", err))
		return
	}
	writeJSON(w, http.StatusOK, configurationResponse(published))
}

func mapPublishError(err error) error {
	var conflict *store.PublishConflictError
	if errors.As(err, &conflict) {
		return apierr.PublishConflict(conflict.WorkspaceID, conflict.Name)
	}
	var notEditable *store.NotEditableError
	if errors.As(err, &notEditable) {
		return apierr.ConfigurationNotEditable(notEditable.ConfigurationID, notEditable.Status)
	}
	if errors.Is(err, store.ErrNotFound) {
		return apierr.NotFound("configuration", "")
	}
	return apierr.Internal("publish configuration", err)
}

// handleGetConfiguration returns one configuration's metadata.
func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	cfg, ok := s.loadConfiguration(w, r, scope)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, configurationResponse(cfg))
}

// handleListConfigurations lists every configuration in the workspace.
func (s *Server) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	rows, err := s.store.ListConfigurations(r.Context(), scope.Workspace.ID)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("list configurations", err))
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		out = append(out, configurationResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// loadConfiguration fetches the {id} path param's configuration and
// verifies it belongs to the request's workspace.
func (s *Server) loadConfiguration(w http.ResponseWriter, r *http.Request, scope workspaceScope) (*models.Configuration, bool) {
	id := chi.URLParam(r, "id")
	cfg, err := s.store.GetConfiguration(r.Context(), id)
	if err != nil || cfg.WorkspaceID != scope.Workspace.ID {
		writeProblem(w, r, s.log, apierr.NotFound("configuration", id))
		return nil, false
	}
	return cfg, true
}

const (
	maxConfigFileBytes = 512 << 10
	maxConfigAssetBytes = 5 << 20
)

// handlePutConfigFile creates or replaces one file in a draft
// configuration's package tree, enforcing If-Match ETag preconditions.
func (s *Server) handlePutConfigFile(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}
	cfg, ok := s.loadConfiguration(w, r, scope)
	if !ok {
		return
	}
	if cfg.Status != models.ConfigStatusDraft {
		writeProblem(w, r, s.log, apierr.ConfigurationNotEditable(cfg.ID, cfg.Status))
		return
	}

	relPath := chi.URLParam(r, "*")
	if pathExcluded(relPath) {
		writeProblem(w, r, s.log, apierr.PathNotAllowed(relPath))
		return
	}

	limit := int64(maxConfigFileBytes)
	if strings.HasPrefix(filepathToSlash(relPath), "assets/") {
		limit = maxConfigAssetBytes
	}

	currentETag, err := s.configs.CurrentETag(scope.Workspace.ID, cfg.ID, relPath)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("read current etag", err))
		return
	}
	ifMatch := r.Header.Get("If-Match")
	ifNoneMatch := r.Header.Get("If-None-Match")
	if currentETag != "" {
		if ifMatch == "" {
			writeProblem(w, r, s.log, apierr.PreconditionRequired("If-Match is required to replace an existing file"))
			return
		}
		if ifMatch != currentETag {
			writeProblem(w, r, s.log, apierr.PreconditionFailed(currentETag))
			return
		}
	} else {
		if ifNoneMatch != "*" {
			writeProblem(w, r, s.log, apierr.PreconditionRequired("If-None-Match: * is required to create a new file"))
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit+1))
	if err != nil {
		writeProblem(w, r, s.log, apierr.FileTooLarge(limit))
		return
	}
	if int64(len(body)) > limit {
		writeProblem(w, r, s.log, apierr.FileTooLarge(limit))
		return
	}

	newETag, err := s.configs.WriteFile(scope.Workspace.ID, cfg.ID, relPath, body)
	if err != nil {
		var notAllowed *configstore.PathNotAllowedError
		if errors.As(err, &notAllowed) {
			writeProblem(w, r, s.log, apierr.PathNotAllowed(relPath))
			return
		}
		writeProblem(w, r, s.log, apierr.Internal("write config file", err))
		return
	}

	now := time.Now().UTC()
	if _, err := s.store.UpsertConfigFile(r.Context(), cfg.ID, relPath, newETag, relPath, int64(len(body)), now); err != nil {
		writeProblem(w, r, s.log, apierr.Internal("record config file", err))
		return
	}

	w.Header().Set("ETag", newETag)
	writeJSON(w, http.StatusOK, map[string]any{"path": relPath, "etag": newETag})
}

// handleGetConfigFile streams one file from a configuration's package
// tree, honoring If-None-Match for conditional GETs.
func (s *Server) handleGetConfigFile(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	cfg, ok := s.loadConfiguration(w, r, scope)
	if !ok {
		return
	}
	relPath := chi.URLParam(r, "*")

	content, etag, err := s.configs.ReadFile(scope.Workspace.ID, cfg.ID, relPath)
	if err != nil {
		writeProblem(w, r, s.log, apierr.NotFound("file", relPath))
		return
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(relPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// mapConfigstoreError translates the configstore package's sentinel error
// types into the Problem-Details taxonomy shared by the rest of the
// config-editing surface.
func mapConfigstoreError(err error) error {
	var notFound *configstore.NotFoundError
	if errors.As(err, &notFound) {
		return apierr.NotFound("file", notFound.Path)
	}
	var notAllowed *configstore.PathNotAllowedError
	if errors.As(err, &notAllowed) {
		return apierr.PathNotAllowed(notAllowed.RelPath)
	}
	var precondRequired *configstore.PreconditionRequiredError
	if errors.As(err, &precondRequired) {
		return apierr.PreconditionRequired("If-Match is required for this operation")
	}
	var precondFailed *configstore.PreconditionFailedError
	if errors.As(err, &precondFailed) {
		return apierr.PreconditionFailed(precondFailed.CurrentETag)
	}
	var destExists *configstore.DestinationExistsError
	if errors.As(err, &destExists) {
		return apierr.DestinationExists(destExists.RelPath)
	}
	var samePath *configstore.SamePathError
	if errors.As(err, &samePath) {
		return apierr.InvalidQuery("source and destination are the same path")
	}
	var invalidDepth *configstore.InvalidDepthError
	if errors.As(err, &invalidDepth) {
		return apierr.InvalidQuery("depth must be \"0\", \"1\", or \"infinity\"")
	}
	var invalidToken *configstore.InvalidPageTokenError
	if errors.As(err, &invalidToken) {
		return apierr.InvalidQuery("invalid page token")
	}
	return apierr.Internal("config file operation", err)
}

// requireDraftConfiguration loads the {id} path param's configuration and
// fails with configuration_not_editable unless it's a draft.
func (s *Server) requireDraftConfiguration(w http.ResponseWriter, r *http.Request, scope workspaceScope) (*models.Configuration, bool) {
	cfg, ok := s.loadConfiguration(w, r, scope)
	if !ok {
		return nil, false
	}
	if cfg.Status != models.ConfigStatusDraft {
		writeProblem(w, r, s.log, apierr.ConfigurationNotEditable(cfg.ID, cfg.Status))
		return nil, false
	}
	return cfg, true
}

// handleDeleteConfigFile removes one file from a draft configuration's
// package tree, requiring an If-Match precondition.
func (s *Server) handleDeleteConfigFile(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}
	cfg, ok := s.requireDraftConfiguration(w, r, scope)
	if !ok {
		return
	}
	relPath := chi.URLParam(r, "*")
	if pathExcluded(relPath) {
		writeProblem(w, r, s.log, apierr.PathNotAllowed(relPath))
		return
	}

	ifMatch := r.Header.Get("If-Match")
	if err := s.configs.DeleteFile(scope.Workspace.ID, cfg.ID, relPath, ifMatch); err != nil {
		writeProblem(w, r, s.log, mapConfigstoreError(err))
		return
	}
	if err := s.store.DeleteConfigFile(r.Context(), cfg.ID, relPath); err != nil {
		writeProblem(w, r, s.log, apierr.Internal("record config file deletion", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateConfigDirectory creates a directory inside a draft
// configuration's package tree.
func (s *Server) handleCreateConfigDirectory(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}
	cfg, ok := s.requireDraftConfiguration(w, r, scope)
	if !ok {
		return
	}
	relPath := chi.URLParam(r, "*")
	if pathExcluded(relPath) {
		writeProblem(w, r, s.log, apierr.PathNotAllowed(relPath))
		return
	}

	created, err := s.configs.CreateDirectory(scope.Workspace.ID, cfg.ID, relPath)
	if err != nil {
		writeProblem(w, r, s.log, mapConfigstoreError(err))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"path": relPath, "created": created})
}

// handleDeleteConfigDirectory removes a directory from a draft
// configuration's package tree. ?recursive=true removes non-empty
// directories.
func (s *Server) handleDeleteConfigDirectory(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}
	cfg, ok := s.requireDraftConfiguration(w, r, scope)
	if !ok {
		return
	}
	relPath := chi.URLParam(r, "*")
	if pathExcluded(relPath) {
		writeProblem(w, r, s.log, apierr.PathNotAllowed(relPath))
		return
	}
	recursive := r.URL.Query().Get("recursive") == "true"

	if err := s.configs.DeleteDirectory(scope.Workspace.ID, cfg.ID, relPath, recursive); err != nil {
		writeProblem(w, r, s.log, mapConfigstoreError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameConfigFileRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Overwrite   bool   `json:"overwrite"`
	DestIfMatch string `json:"dest_if_match"`
}

// handleRenameConfigFile renames or moves a file or directory within a
// draft configuration's package tree.
func (s *Server) handleRenameConfigFile(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceEditor)
	if !ok {
		return
	}
	cfg, ok := s.requireDraftConfiguration(w, r, scope)
	if !ok {
		return
	}

	var req renameConfigFileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeProblem(w, r, s.log, apierr.InvalidQuery("invalid request body"))
		return
	}
	if req.From == "" || req.To == "" {
		writeProblem(w, r, s.log, apierr.InvalidQuery("from and to are required"))
		return
	}
	if pathExcluded(req.From) || pathExcluded(req.To) {
		writeProblem(w, r, s.log, apierr.PathNotAllowed(req.To))
		return
	}

	result, err := s.configs.Rename(scope.Workspace.ID, cfg.ID, req.From, req.To, req.Overwrite, req.DestIfMatch)
	if err != nil {
		writeProblem(w, r, s.log, mapConfigstoreError(err))
		return
	}
	if !result.IsDir {
		if _, err := s.store.RenameConfigFile(r.Context(), cfg.ID, req.From, req.To, result.ETag, result.Size, time.Now().UTC()); err != nil {
			writeProblem(w, r, s.log, apierr.Internal("record config file rename", err))
			return
		}
	}

	out := map[string]any{
		"from":  result.From,
		"to":    result.To,
		"size":  result.Size,
		"mtime": result.MTime,
	}
	if result.ETag != "" {
		out["etag"] = result.ETag
		w.Header().Set("ETag", result.ETag)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListConfigFiles returns a flat, paginated listing of a
// configuration's editable file tree, with a weak fileset_hash ETag
// enabling a conditional 304 when nothing in scope has changed.
func (s *Server) handleListConfigFiles(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	cfg, ok := s.loadConfiguration(w, r, scope)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := configstore.ListFilesOptions{
		Prefix:    q.Get("prefix"),
		Depth:     q.Get("depth"),
		PageToken: q.Get("cursor"),
		Sort:      q.Get("sort"),
		Order:     q.Get("order"),
	}
	if v := q.Get("include"); v != "" {
		opts.Include = strings.Split(v, ",")
	}
	if v := q.Get("exclude"); v != "" {
		opts.Exclude = strings.Split(v, ",")
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 5000 {
			writeProblem(w, r, s.log, apierr.InvalidQuery("limit must be between 1 and 5000"))
			return
		}
		opts.Limit = limit
	}

	result, err := s.configs.ListFiles(scope.Workspace.ID, cfg.ID, opts)
	if err != nil {
		writeProblem(w, r, s.log, mapConfigstoreError(err))
		return
	}

	weakETag := `W/"` + result.FilesetHash + `"`
	w.Header().Set("ETag", weakETag)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == weakETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	entries := make([]map[string]any, 0, len(result.Entries))
	for _, e := range result.Entries {
		entry := map[string]any{
			"path":         e.Path,
			"name":         e.Name,
			"parent":       e.Parent,
			"kind":         e.Kind,
			"depth":        e.Depth,
			"mtime":        e.MTime,
			"etag":         e.ETag,
			"content_type": e.ContentType,
			"has_children": e.HasChildren,
		}
		if e.Size != nil {
			entry["size"] = *e.Size
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":      entries,
		"count":        len(entries),
		"next_token":   result.NextToken,
		"fileset_hash": result.FilesetHash,
		"summary":      map[string]any{"files": result.TotalFiles, "directories": result.TotalDirs},
	})
}

// handleExportConfiguration returns a zip archive of every editable file
// in a configuration's package tree.
func (s *Server) handleExportConfiguration(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	cfg, ok := s.loadConfiguration(w, r, scope)
	if !ok {
		return
	}

	data, err := s.configs.Export(scope.Workspace.ID, cfg.ID)
	if err != nil {
		writeProblem(w, r, s.log, mapConfigstoreError(err))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+cfg.Name+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
