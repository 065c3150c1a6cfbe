package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/blob"
	"github.com/ade-run/ade/internal/models"
)

func newTestServerWithBlobs(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	s, mock := newTestServer(t)
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	s.blobs = store
	s.maxUploadBytes = 1 << 20
	return s, mock
}

func multipartUpload(t *testing.T, fieldName, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(fieldName, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHandleUploadDocumentStoresBlobAndRecord(t *testing.T) {
	s, mock := newTestServerWithBlobs(t)

	mock.ExpectExec(`INSERT INTO documents`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, contentType := multipartUpload(t, "file", "input.xlsx", []byte("workbook-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-1/documents", body)
	req.Header.Set("Content-Type", contentType)
	req = requestWithScope(req, runTestScope())

	rec := httptest.NewRecorder()
	s.handleUploadDocument(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Equal(t, "input.xlsx", out["original_filename"])
	require.Equal(t, models.DocumentStatusUploaded, out["status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleUploadDocumentRejectsOversizedFile(t *testing.T) {
	s, mock := newTestServerWithBlobs(t)
	s.maxUploadBytes = 4

	body, contentType := multipartUpload(t, "file", "big.xlsx", []byte("0123456789"))
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-1/documents", body)
	req.Header.Set("Content-Type", contentType)
	req = requestWithScope(req, runTestScope())

	rec := httptest.NewRecorder()
	s.handleUploadDocument(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleGetDocumentNotInWorkspace(t *testing.T) {
	s, mock := newTestServerWithBlobs(t)

	mock.ExpectQuery(`SELECT \* FROM documents WHERE id = \$1`).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id"}).AddRow("doc-1", "ws-other"))

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws-1/documents/doc-1", nil)
	req = requestWithScope(req, workspaceScope{Workspace: &models.Workspace{ID: "ws-1"}, Role: authn.RoleWorkspaceViewer})
	req = withChiParam(req, "id", "doc-1")

	rec := httptest.NewRecorder()
	s.handleGetDocument(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
