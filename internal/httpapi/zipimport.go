package httpapi

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ade-run/ade/internal/apierr"
)

func newExtractionStagingDir() (string, func(), error) {
	dir, err := os.MkdirTemp("", "ade-import-*")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// commonTopLevelDir returns the single top-level directory shared by every
// entry in names, or "" if the archive has more than one top-level entry.
func commonTopLevelDir(names []string) string {
	top := ""
	for _, name := range names {
		clean := strings.TrimPrefix(path.Clean(filepathToSlash(name)), "/")
		parts := strings.SplitN(clean, "/", 2)
		if len(parts) != 2 {
			return ""
		}
		if top == "" {
			top = parts[0]
		} else if top != parts[0] {
			return ""
		}
	}
	return top
}

// extractZip stream-extracts zr into destDir, enforcing path-safety
// and size limits: no traversal, no excluded names, no absolute
// segments, a per-file cap of maxFileBytes and a cumulative uncompressed
// cap of maxTotalBytes. A redundant single top-level wrapper folder (as
// GitHub and most zip tools produce) is stripped.
func extractZip(zr *zip.Reader, destDir string, maxFileBytes, maxTotalBytes int64) error {
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	strip := commonTopLevelDir(names)

	var totalBytes int64
	for _, f := range zr.File {
		rel := filepathToSlash(f.Name)
		if strip != "" {
			rel = strings.TrimPrefix(rel, strip+"/")
			if rel == "" || rel == strip {
				continue
			}
		}
		clean := path.Clean(rel)
		if clean == "." {
			continue
		}
		if strings.HasPrefix(clean, "..") || path.IsAbs(f.Name) || filepath.IsAbs(f.Name) {
			return apierr.PathNotAllowed(f.Name)
		}
		if pathExcluded(clean) {
			continue
		}

		destPath := filepath.Join(destDir, filepath.FromSlash(clean))
		if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(filepath.Separator)) {
			return apierr.PathNotAllowed(f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return apierr.Internal("create directory", err)
			}
			continue
		}

		if int64(f.UncompressedSize64) > maxFileBytes {
			return apierr.FileTooLarge(maxFileBytes)
		}
		totalBytes += int64(f.UncompressedSize64)
		if totalBytes > maxTotalBytes {
			return apierr.ArchiveTooLarge(maxTotalBytes)
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return apierr.Internal("create directory", err)
		}
		if err := extractZipEntry(f, destPath, maxFileBytes); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, destPath string, maxFileBytes int64) error {
	rc, err := f.Open()
	if err != nil {
		return apierr.InvalidArchive("corrupt archive entry: " + f.Name)
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return apierr.Internal("create extracted file", err)
	}
	defer out.Close()

	// LimitReader+1 so an entry whose declared size lies still trips the
	// per-file cap instead of silently truncating.
	n, err := io.Copy(out, io.LimitReader(rc, maxFileBytes+1))
	if err != nil {
		return apierr.InvalidArchive("failed extracting: " + f.Name)
	}
	if n > maxFileBytes {
		return apierr.FileTooLarge(maxFileBytes)
	}
	return nil
}
