package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"cratedig/internal/logging"
)

// Watch observes a source root for file changes and calls rescan after a
// debounce window, so a burst of copies triggers one scan instead of
// hundreds. It blocks until ctx is canceled.
func (s *Scanner) Watch(ctx context.Context, root string, rescan func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, root); err != nil {
		return err
	}

	debounce := time.Duration(s.cfg.WatchDebounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	// The timer stays parked until the first relevant event.
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	logger := s.logger.With(logging.String("root", root))
	logger.Info("watching source for changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !s.relevant(event) {
				continue
			}
			// New directories need their own watch before files land in
			// them.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(watcher, event.Name); err != nil {
						logger.Warn("watching new directory failed",
							logging.String("path", event.Name), logging.Error(err))
					}
				}
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", logging.Error(err))

		case <-timer.C:
			rescan()
		}
	}
}

// relevant filters events down to catalog-affecting changes: audio files
// appearing, changing, or disappearing, plus directory creation.
func (s *Scanner) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if base == ".cratedig" {
		return false
	}
	if s.wants(base) {
		return true
	}
	// Directory events carry no extension; creation and removal of
	// directories can both change the catalog.
	return filepath.Ext(base) == ""
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".cratedig" {
			return fs.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
