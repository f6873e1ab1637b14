package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFileBytes creates the target path with exact contents, making parent
// directories as needed.
func WriteFileBytes(t testing.TB, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
