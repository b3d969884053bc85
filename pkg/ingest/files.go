package ingest

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CanonicalFileName normalizes a client-supplied name: forward slashes,
// base name only, trimmed.
func CanonicalFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = name[strings.LastIndex(name, "/")+1:]
	return strings.TrimSpace(name)
}

// layout resolves the on-disk paths for document bytes and version
// snapshots under the configured storage root.
type layout struct {
	root string
}

// documentPath is storage/<user>/<doc_id>_<name>.
func (l layout) documentPath(userID, docID, fileName string) string {
	return filepath.Join(l.root, userID, docID+"_"+fileName)
}

// versionPath is storage/<user>/versions/<doc_id>/v<n>_<name>.
func (l layout) versionPath(userID, docID string, version int, fileName string) string {
	return filepath.Join(l.root, userID, "versions", docID,
		fmt.Sprintf("v%d_%s", version, fileName))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// contentHash is the md5 hex digest of file bytes, compared against
// Document.ContentHash to detect no-op updates.
func contentHash(data []byte) string {
	return fmt.Sprintf("%x", md5.Sum(data))
}
