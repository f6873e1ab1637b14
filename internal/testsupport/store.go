package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"cratedig/internal/jobstore"
)

// NewSourceRoot creates a temp directory usable as a sample source root.
func NewSourceRoot(t testing.TB) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "samples")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir source root: %v", err)
	}
	return root
}

// MustOpenStore opens a jobstore.Store for a source root and registers
// cleanup.
func MustOpenStore(t testing.TB, root string) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(root)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}
