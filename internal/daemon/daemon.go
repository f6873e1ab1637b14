// Package daemon composes the long-running cratedig process: the job
// scheduler, the library scanners and watchers, and a lock that enforces a
// single instance per machine.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"cratedig/internal/config"
	"cratedig/internal/jobstore"
	"cratedig/internal/library"
	"cratedig/internal/logging"
	"cratedig/internal/scanner"
	"cratedig/internal/scheduler"
)

// Daemon owns the pipeline processes for one cratedig instance.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	scanner *scanner.Scanner
	sched   *scheduler.Scheduler
	lock    *flock.Flock

	mu       sync.Mutex
	sources  []library.Source
	watchers map[string]context.CancelFunc
}

// New wires a daemon from a validated config.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		scanner:  scanner.New(cfg.Scanner, logger),
		lock:     flock.New(filepath.Join(cfg.Paths.LogDir, "cratedig.lock")),
		watchers: make(map[string]context.CancelFunc),
	}

	sched, err := scheduler.New(scheduler.Options{
		Settings: scheduler.FromConfig(cfg),
		Logger:   logger,
		Sources:  scheduler.SourceProviderFunc(d.currentSources),
	})
	if err != nil {
		return nil, err
	}
	d.sched = sched
	return d, nil
}

// Scheduler exposes the underlying scheduler, mainly for progress events.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.sched
}

// Run acquires the instance lock and drives the pipeline until ctx is
// canceled.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return errors.New("another cratedig daemon is already running")
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("releasing daemon lock failed", logging.Error(err))
		}
	}()

	d.logger.Info("daemon starting",
		logging.String("sources_file", d.cfg.Paths.SourcesPath),
		logging.Bool("watch", d.cfg.Scanner.Watch))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.sched.Run(ctx) })
	group.Go(func() error { return d.libraryLoop(ctx) })
	group.Go(func() error { return d.drainEvents(ctx) })

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("daemon stopped")
	return err
}

// currentSources reloads the registry on every call so edits through the
// CLI take effect without a restart. A read failure keeps the last good
// set rather than detaching everything.
func (d *Daemon) currentSources() []library.Source {
	registry, err := library.Load(d.cfg.Paths.SourcesPath)
	if err != nil {
		d.logger.Warn("loading sources registry failed", logging.Error(err))
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.sources
	}
	sources := registry.Sources()
	d.mu.Lock()
	d.sources = sources
	d.mu.Unlock()
	return sources
}

// libraryLoop scans newly registered sources and keeps a filesystem
// watcher running per source while watching is enabled.
func (d *Daemon) libraryLoop(ctx context.Context) error {
	refresh := time.Duration(d.cfg.Daemon.SourceRefreshInterval) * time.Second
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	scanned := make(map[string]bool)
	for {
		sources := d.currentSources()
		seen := make(map[string]struct{}, len(sources))
		for _, source := range sources {
			seen[source.ID] = struct{}{}
			if !scanned[source.ID] {
				scanned[source.ID] = true
				if err := d.scanSource(ctx, source); err != nil && ctx.Err() == nil {
					d.logger.Warn("initial scan failed",
						logging.String("source", source.ID), logging.Error(err))
				}
			}
			if d.cfg.Scanner.Watch {
				d.ensureWatcher(ctx, source)
			}
		}

		d.mu.Lock()
		for id, cancel := range d.watchers {
			if _, ok := seen[id]; !ok {
				cancel()
				delete(d.watchers, id)
			}
		}
		d.mu.Unlock()
		for id := range scanned {
			if _, ok := seen[id]; !ok {
				delete(scanned, id)
			}
		}

		select {
		case <-ctx.Done():
			d.stopWatchers()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Daemon) ensureWatcher(ctx context.Context, source library.Source) {
	d.mu.Lock()
	if _, running := d.watchers[source.ID]; running {
		d.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	d.watchers[source.ID] = cancel
	d.mu.Unlock()

	go func() {
		err := d.scanner.Watch(watchCtx, source.Root, func() {
			if err := d.scanSource(watchCtx, source); err != nil && watchCtx.Err() == nil {
				d.logger.Warn("rescan failed",
					logging.String("source", source.ID), logging.Error(err))
			}
		})
		if err != nil && watchCtx.Err() == nil {
			d.logger.Warn("watcher stopped",
				logging.String("source", source.ID), logging.Error(err))
		}
		cancel()
		// Drop the map entry so the next refresh can restart the watcher
		// after a transient failure.
		d.mu.Lock()
		delete(d.watchers, source.ID)
		d.mu.Unlock()
	}()
}

func (d *Daemon) stopWatchers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, cancel := range d.watchers {
		cancel()
		delete(d.watchers, id)
	}
}

func (d *Daemon) scanSource(ctx context.Context, source library.Source) error {
	store, err := jobstore.OpenWithRetry(source.Root)
	if err != nil {
		return err
	}
	defer store.Close()
	_, err = d.scanner.ScanSource(ctx, store, source)
	return err
}

// drainEvents keeps the scheduler's event channel moving and surfaces
// progress at debug level.
func (d *Daemon) drainEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-d.sched.Events():
			d.logger.Debug("progress",
				logging.String("source", event.SourceID),
				logging.Int("pending", event.Progress.Pending),
				logging.Int("running", event.Progress.Running),
				logging.Int("done", event.Progress.Done),
				logging.Int("failed", event.Progress.Failed))
		}
	}
}
