// Package pathsafe computes on-disk paths for workspace state and
// guarantees every computed path stays inside its configured root,
// rejecting traversal regardless of what a caller passes in as an ID or
// stored URI.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// UnsafePathError is returned when a computed path would escape its root.
type UnsafePathError struct {
	Candidate string
	Root      string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("pathsafe: unsafe path join: %s is outside %s", e.Candidate, e.Root)
}

func safeJoin(root string, parts ...string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("pathsafe: resolve root: %w", err)
	}
	all := append([]string{rootAbs}, parts...)
	candidate := filepath.Clean(filepath.Join(all...))
	rel, err := filepath.Rel(rootAbs, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &UnsafePathError{Candidate: candidate, Root: rootAbs}
	}
	return candidate, nil
}

// Manager computes the on-disk layout:
//
//	<dataDir>/workspaces/<workspace_id>/documents/<stored_uri>
//	<dataDir>/workspaces/<workspace_id>/config_packages/<configuration_id>
//	<dataDir>/workspaces/<workspace_id>/runs/<run_id>
//	<venvsDir>/<workspace_id>/<configuration_id>/<deps_digest>/<environment_id>/.venv
type Manager struct {
	DataDir  string
	VenvsDir string
}

// New builds a Manager rooted at dataDir, with venvs kept under a
// separate root (they're typically on a different, disposable volume).
func New(dataDir, venvsDir string) *Manager {
	return &Manager{DataDir: dataDir, VenvsDir: venvsDir}
}

func (m *Manager) workspacesRoot() (string, error) {
	return safeJoin(m.DataDir, "workspaces")
}

// DocumentsRoot returns the documents root for a workspace.
func (m *Manager) DocumentsRoot(workspaceID string) (string, error) {
	root, err := m.workspacesRoot()
	if err != nil {
		return "", err
	}
	return safeJoin(root, workspaceID, "documents")
}

// ConfigsRoot returns the config-packages root for a workspace.
func (m *Manager) ConfigsRoot(workspaceID string) (string, error) {
	root, err := m.workspacesRoot()
	if err != nil {
		return "", err
	}
	return safeJoin(root, workspaceID, "config_packages")
}

// RunsRoot returns the runs root for a workspace.
func (m *Manager) RunsRoot(workspaceID string) (string, error) {
	root, err := m.workspacesRoot()
	if err != nil {
		return "", err
	}
	return safeJoin(root, workspaceID, "runs")
}

func (m *Manager) environmentsRoot(workspaceID string) (string, error) {
	return safeJoin(m.VenvsDir, workspaceID)
}

// PipCacheDir returns the shared pip/uv package cache directory.
func (m *Manager) PipCacheDir() (string, error) {
	return safeJoin(m.DataDir, "cache", "pip")
}

// ConfigPackageDir returns the directory a configuration's files are
// materialized into before being installed as an editable package.
func (m *Manager) ConfigPackageDir(workspaceID, configurationID string) (string, error) {
	root, err := m.ConfigsRoot(workspaceID)
	if err != nil {
		return "", err
	}
	return safeJoin(root, configurationID)
}

// EnvironmentRoot returns the directory an environment's venv and event
// log live under.
func (m *Manager) EnvironmentRoot(workspaceID, configurationID, depsDigest, environmentID string) (string, error) {
	root, err := m.environmentsRoot(workspaceID)
	if err != nil {
		return "", err
	}
	return safeJoin(root, configurationID, depsDigest, environmentID)
}

// EnvironmentVenvDir returns the venv directory inside an environment's root.
func (m *Manager) EnvironmentVenvDir(workspaceID, configurationID, depsDigest, environmentID string) (string, error) {
	root, err := m.EnvironmentRoot(workspaceID, configurationID, depsDigest, environmentID)
	if err != nil {
		return "", err
	}
	return safeJoin(root, ".venv")
}

// EnvironmentEventLogPath returns the NDJSON event log path for an
// environment build.
func (m *Manager) EnvironmentEventLogPath(workspaceID, configurationID, depsDigest, environmentID string) (string, error) {
	root, err := m.EnvironmentRoot(workspaceID, configurationID, depsDigest, environmentID)
	if err != nil {
		return "", err
	}
	return safeJoin(root, "logs", "events.ndjson")
}

// RunDir returns the root directory for one run's staged input/output.
func (m *Manager) RunDir(workspaceID, runID string) (string, error) {
	root, err := m.RunsRoot(workspaceID)
	if err != nil {
		return "", err
	}
	return safeJoin(root, runID)
}

// RunInputDir returns the staged-input directory for a run.
func (m *Manager) RunInputDir(workspaceID, runID string) (string, error) {
	dir, err := m.RunDir(workspaceID, runID)
	if err != nil {
		return "", err
	}
	return safeJoin(dir, "input")
}

// RunOutputDir returns the output directory for a run.
func (m *Manager) RunOutputDir(workspaceID, runID string) (string, error) {
	dir, err := m.RunDir(workspaceID, runID)
	if err != nil {
		return "", err
	}
	return safeJoin(dir, "output")
}

// RunEventLogPath returns the NDJSON event log path for a run.
func (m *Manager) RunEventLogPath(workspaceID, runID string) (string, error) {
	dir, err := m.RunDir(workspaceID, runID)
	if err != nil {
		return "", err
	}
	return safeJoin(dir, "logs", "events.ndjson")
}

// DocumentStoragePath resolves a document's stored_uri (a blob key,
// always relative to the documents root) to an absolute path.
func (m *Manager) DocumentStoragePath(workspaceID, storedURI string) (string, error) {
	uri := strings.TrimSpace(storedURI)
	if uri == "" {
		return "", fmt.Errorf("pathsafe: stored_uri is empty")
	}
	if strings.HasPrefix(uri, "file:") {
		stripped, err := stripFileURI(uri)
		if err != nil {
			return "", err
		}
		uri = stripped
	}
	uri = strings.TrimLeft(uri, "/")
	root, err := m.DocumentsRoot(workspaceID)
	if err != nil {
		return "", err
	}
	return safeJoin(root, filepath.FromSlash(uri))
}

func stripFileURI(uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file:")
	if strings.HasPrefix(path, "//") && !strings.HasPrefix(path, "///") {
		return "", fmt.Errorf("pathsafe: unsupported file URI: %q", uri)
	}
	if strings.HasPrefix(path, "///") {
		path = path[2:]
	}
	return path, nil
}

// PythonInVenv returns the interpreter path inside a venv directory.
func PythonInVenv(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}
