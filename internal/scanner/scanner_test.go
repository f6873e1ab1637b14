package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cratedig/internal/config"
	"cratedig/internal/fingerprint"
	"cratedig/internal/library"
	"cratedig/internal/testsupport"
)

func newTestScanner(t *testing.T) *Scanner {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return New(cfg.Scanner, nil)
}

func scanCfg(t *testing.T) config.Scanner {
	t.Helper()
	return testsupport.NewConfig(t).Scanner
}

func TestScanSourceCatalogsAndEnqueues(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)

	testsupport.WriteWAV(t, filepath.Join(root, "kicks", "one.wav"), 8000, 0.1, 100)
	testsupport.WriteWAV(t, filepath.Join(root, "kicks", "two.WAV"), 8000, 0.1, 200)
	testsupport.WriteFileBytes(t, filepath.Join(root, "notes.txt"), []byte("not audio"))
	testsupport.WriteFileBytes(t, filepath.Join(root, ".cratedig", "scratch"), []byte("internal"))

	source := library.Source{ID: "crate", Root: root}
	result, err := newTestScanner(t).ScanSource(t.Context(), store, source)
	if err != nil {
		t.Fatalf("ScanSource() error = %v", err)
	}
	if result.ScanID == "" {
		t.Fatal("scan id not assigned")
	}
	if result.Seen != 2 {
		t.Fatalf("seen = %d, want 2 (extension filter, data dir excluded)", result.Seen)
	}
	if result.Enqueued != 2 {
		t.Fatalf("enqueued = %d, want 2", result.Enqueued)
	}

	sample, err := store.GetSample(t.Context(), fingerprint.SampleID("crate", "kicks/one.wav"))
	if err != nil || sample == nil {
		t.Fatalf("cataloged sample missing: %v", err)
	}
	if !fingerprint.IsFast(sample.ContentHash) {
		t.Fatalf("scan should use fast fingerprints, got %q", sample.ContentHash)
	}

	p, err := store.CurrentProgress(t.Context())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Pending != 2 {
		t.Fatalf("pending jobs = %d, want 2", p.Pending)
	}
}

func TestRescanDoesNotDuplicateJobs(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)
	testsupport.WriteWAV(t, filepath.Join(root, "snare.wav"), 8000, 0.1, 300)

	source := library.Source{ID: "crate", Root: root}
	sc := newTestScanner(t)
	if _, err := sc.ScanSource(t.Context(), store, source); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if _, err := sc.ScanSource(t.Context(), store, source); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	p, err := store.CurrentProgress(t.Context())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total() != 1 {
		t.Fatalf("total jobs = %d, want 1 after rescan", p.Total())
	}
}

func TestScanPrunesDeletedFiles(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)
	keep := filepath.Join(root, "keep.wav")
	gone := filepath.Join(root, "gone.wav")
	testsupport.WriteWAV(t, keep, 8000, 0.1, 300)
	testsupport.WriteWAV(t, gone, 8000, 0.1, 400)

	source := library.Source{ID: "crate", Root: root}
	sc := newTestScanner(t)
	if _, err := sc.ScanSource(t.Context(), store, source); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	if err := os.Remove(gone); err != nil {
		t.Fatalf("remove: %v", err)
	}
	result, err := sc.ScanSource(t.Context(), store, source)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if result.Pruned != 1 {
		t.Fatalf("pruned = %d, want 1", result.Pruned)
	}
	sample, err := store.GetSample(t.Context(), fingerprint.SampleID("crate", "gone.wav"))
	if err != nil {
		t.Fatalf("get sample: %v", err)
	}
	if sample != nil {
		t.Fatal("deleted file still cataloged")
	}
}

func TestWatchTriggersRescanAfterDebounce(t *testing.T) {
	root := testsupport.NewSourceRoot(t)

	cfg := scanCfg(t)
	cfg.WatchDebounceMS = 50
	sc := New(cfg, nil)

	rescans := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- sc.Watch(ctx, root, func() {
			select {
			case rescans <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before generating events.
	time.Sleep(100 * time.Millisecond)
	testsupport.WriteWAV(t, filepath.Join(root, "new.wav"), 8000, 0.1, 500)

	select {
	case <-rescans:
	case <-time.After(5 * time.Second):
		t.Fatal("no rescan after file creation")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Watch() returned %v, want context.Canceled", err)
	}
}
