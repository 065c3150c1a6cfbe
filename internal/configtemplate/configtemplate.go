// Package configtemplate embeds the engine's built-in scaffold: the
// pyproject.toml and manifest.json skeleton configstore.MaterializeFromTemplate
// copies when a configuration is created with source.type == "template".
package configtemplate

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed template
var files embed.FS

const root = "template"

// Extract writes the embedded template tree into a fresh temp directory
// and returns its path plus a cleanup function the caller must run once
// configstore has copied it into place (or failed to).
func Extract() (string, func(), error) {
	dir, err := os.MkdirTemp("", "ade-config-template-*")
	if err != nil {
		return "", nil, fmt.Errorf("configtemplate: create staging dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	err = fs.WalkDir(files, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dest := filepath.Join(dir, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		content, err := files.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dest, content, 0o644)
	})
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("configtemplate: extract: %w", err)
	}
	return dir, cleanup, nil
}
