package configstore

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ade-run/ade/internal/pathsafe"
)

func writeTemplate(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "ade_config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\nname = \"t\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "ade_config", "manifest.json"), []byte(`{"sheets":[]}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "__pycache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "__pycache__", "junk.pyc"), []byte("x"), 0o644))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return New(pathsafe.New(filepath.Join(root, "data"), filepath.Join(root, "venvs")))
}

func TestMaterializeFromTemplatePublishesAndValidates(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)

	result, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.NotEmpty(t, result.Digest)

	dir, err := store.EnsurePath("ws1", "cfg1")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "pyproject.toml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "__pycache__"))
	assert.True(t, os.IsNotExist(err))
}

func TestMaterializeFromTemplateRejectsMissingManifest(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "pyproject.toml"), []byte("[project]"), 0o644))

	result, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)
	assert.False(t, result.Valid())
	assert.Len(t, result.Issues, 1)
}

func TestMaterializeFromTemplateConflictsOnExistingDestination(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)

	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	_, err = store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.Error(t, err)
	var conflict *PublishConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestDigestStableAcrossIdenticalContent(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)

	r1, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	r2, err := store.MaterializeFromClone("ws1", "cfg1", "cfg2")
	require.NoError(t, err)
	assert.Equal(t, r1.Digest, r2.Digest)
}

func TestWriteFileThenReadFileRoundTrips(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	etag, err := store.WriteFile("ws1", "cfg1", "src/ade_config/extra.py", []byte("VALUE = 1\n"))
	require.NoError(t, err)
	assert.Equal(t, ETag([]byte("VALUE = 1\n")), etag)

	content, readETag, err := store.ReadFile("ws1", "cfg1", "src/ade_config/extra.py")
	require.NoError(t, err)
	assert.Equal(t, []byte("VALUE = 1\n"), content)
	assert.Equal(t, etag, readETag)
}

func TestWriteFileRejectsTraversal(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	_, err = store.WriteFile("ws1", "cfg1", "../../../etc/passwd", []byte("x"))
	require.Error(t, err)
	var notAllowed *PathNotAllowedError
	assert.ErrorAs(t, err, &notAllowed)
}

func TestCurrentETagEmptyWhenFileMissing(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	etag, err := store.CurrentETag("ws1", "cfg1", "src/ade_config/missing.py")
	require.NoError(t, err)
	assert.Empty(t, etag)
}

func TestDeleteRemovesPackageDirectory(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)

	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	require.NoError(t, store.Delete("ws1", "cfg1"))
	_, err = store.EnsurePath("ws1", "cfg1")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDependencyDigestIgnoresSourceEdits(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)

	r1, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)
	assert.NotEmpty(t, r1.DepsDigest)

	_, err = store.WriteFile("ws1", "cfg1", "src/ade_config/extra.py", []byte("VALUE = 1\n"))
	require.NoError(t, err)

	r2, err := store.Validate("ws1", "cfg1")
	require.NoError(t, err)
	assert.Equal(t, r1.DepsDigest, r2.DepsDigest, "editing a source file must not change the dependency digest")
	assert.NotEqual(t, r1.Digest, r2.Digest, "editing a source file must change the content digest")
}

func TestDependencyDigestChangesWhenManifestChanges(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)

	r1, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	_, err = store.WriteFile("ws1", "cfg1", "pyproject.toml", []byte("[project]\nname = \"t\"\ndependencies = [\"requests\"]\n"))
	require.NoError(t, err)

	r2, err := store.Validate("ws1", "cfg1")
	require.NoError(t, err)
	assert.NotEqual(t, r1.DepsDigest, r2.DepsDigest)
}

func TestListFilesReturnsFlatSortedTree(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	_, err = store.WriteFile("ws1", "cfg1", "assets/logo.png", []byte("binary"))
	require.NoError(t, err)

	result, err := store.ListFiles("ws1", "cfg1", ListFilesOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Entries)
	assert.NotEmpty(t, result.FilesetHash)

	var sawAssets bool
	for i := 1; i < len(result.Entries); i++ {
		assert.LessOrEqual(t, result.Entries[i-1].Path, result.Entries[i].Path)
	}
	for _, e := range result.Entries {
		if e.Path == "assets/logo.png" {
			sawAssets = true
			require.NotNil(t, e.Size)
			assert.Equal(t, int64(len("binary")), *e.Size)
		}
	}
	assert.True(t, sawAssets)
}

func TestListFilesPrefixAndDepthScopeResults(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	result, err := store.ListFiles("ws1", "cfg1", ListFilesOptions{Prefix: "src", Depth: "1"})
	require.NoError(t, err)
	for _, e := range result.Entries {
		assert.True(t, e.Path == "src" || strings.HasPrefix(e.Path, "src/"))
	}
}

func TestListFilesRejectsInvalidDepth(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	_, err = store.ListFiles("ws1", "cfg1", ListFilesOptions{Depth: "7"})
	require.Error(t, err)
	var invalid *InvalidDepthError
	assert.ErrorAs(t, err, &invalid)
}

func TestExportProducesZipOfEveryFile(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	data, err := store.Export("ws1", "cfg1")
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["pyproject.toml"])
	assert.True(t, names["src/ade_config/manifest.json"])
}

func TestImportExportRoundTripPreservesContentDigest(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	r1, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	data, err := store.Export("ws1", "cfg1")
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	reimportDir := t.TempDir()
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		dest := filepath.Join(reimportDir, filepath.FromSlash(f.Name))
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		require.NoError(t, os.WriteFile(dest, content, 0o644))
	}

	r2, err := store.MaterializeFromTemplate("ws1", "cfg2", reimportDir)
	require.NoError(t, err)
	assert.Equal(t, r1.Digest, r2.Digest)
}

func TestRenameMovesFile(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	result, err := store.Rename("ws1", "cfg1", "pyproject.toml", "renamed.toml", false, "")
	require.NoError(t, err)
	assert.Equal(t, "renamed.toml", result.To)

	_, _, err = store.ReadFile("ws1", "cfg1", "pyproject.toml")
	require.Error(t, err)
	_, _, err = store.ReadFile("ws1", "cfg1", "renamed.toml")
	require.NoError(t, err)
}

func TestRenameRejectsExistingDestinationWithoutOverwrite(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)
	_, err = store.WriteFile("ws1", "cfg1", "other.toml", []byte("x"))
	require.NoError(t, err)

	_, err = store.Rename("ws1", "cfg1", "pyproject.toml", "other.toml", false, "")
	require.Error(t, err)
	var exists *DestinationExistsError
	assert.ErrorAs(t, err, &exists)
}

func TestRenameOverwritesWithMatchingETag(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)
	destETag, err := store.WriteFile("ws1", "cfg1", "other.toml", []byte("x"))
	require.NoError(t, err)

	result, err := store.Rename("ws1", "cfg1", "pyproject.toml", "other.toml", true, destETag)
	require.NoError(t, err)
	assert.Equal(t, "other.toml", result.To)
}

func TestDeleteFileRequiresIfMatch(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	err = store.DeleteFile("ws1", "cfg1", "pyproject.toml", "")
	require.Error(t, err)
	var required *PreconditionRequiredError
	assert.ErrorAs(t, err, &required)

	etag, err := store.CurrentETag("ws1", "cfg1", "pyproject.toml")
	require.NoError(t, err)
	require.NoError(t, store.DeleteFile("ws1", "cfg1", "pyproject.toml", etag))

	_, _, err = store.ReadFile("ws1", "cfg1", "pyproject.toml")
	require.Error(t, err)
}

func TestCreateAndDeleteDirectory(t *testing.T) {
	store := newTestStore(t)
	templateDir := t.TempDir()
	writeTemplate(t, templateDir)
	_, err := store.MaterializeFromTemplate("ws1", "cfg1", templateDir)
	require.NoError(t, err)

	created, err := store.CreateDirectory("ws1", "cfg1", "assets")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateDirectory("ws1", "cfg1", "assets")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, store.DeleteDirectory("ws1", "cfg1", "assets", false))

	root, err := store.EnsurePath("ws1", "cfg1")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "assets"))
	assert.True(t, os.IsNotExist(err))
}

