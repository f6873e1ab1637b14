// Package scanner catalogs audio files under source roots and enqueues
// analysis work for anything new or modified.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cratedig/internal/analysis"
	"cratedig/internal/config"
	"cratedig/internal/fingerprint"
	"cratedig/internal/jobstore"
	"cratedig/internal/library"
	"cratedig/internal/logging"
)

// Scanner walks source roots, fingerprints files, and syncs the catalog.
type Scanner struct {
	cfg    config.Scanner
	logger *slog.Logger
	exts   map[string]struct{}
}

// Result summarizes one scan of one source.
type Result struct {
	ScanID   string
	Seen     int
	Enqueued int
	Pruned   int
}

// New builds a scanner from the scanner config section.
func New(cfg config.Scanner, logger *slog.Logger) *Scanner {
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = struct{}{}
	}
	return &Scanner{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "scanner"),
		exts:   exts,
	}
}

// wants reports whether a file name has a configured audio extension.
func (s *Scanner) wants(name string) bool {
	_, ok := s.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ScanSource walks one source root, upserts every matching file with its
// fast fingerprint, prunes rows for deleted files, and enqueues analysis
// jobs for samples whose artifacts are missing or stale.
func (s *Scanner) ScanSource(ctx context.Context, store *jobstore.Store, source library.Source) (Result, error) {
	result := Result{ScanID: uuid.NewString()}
	logger := s.logger.With(
		logging.String("scan_id", result.ScanID),
		logging.String("source", source.ID))

	var relPaths []string
	err := filepath.WalkDir(source.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("walk error, skipping entry",
				logging.String("path", path), logging.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// The per-source data directory holds our own database.
			if d.Name() == ".cratedig" {
				return fs.SkipDir
			}
			return nil
		}
		if !s.wants(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(source.Root, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, filepath.ToSlash(rel))
		return ctx.Err()
	})
	if err != nil {
		return result, fmt.Errorf("walk source %s: %w", source.ID, err)
	}
	sort.Strings(relPaths)
	result.Seen = len(relPaths)

	upserts, err := s.fingerprintAll(ctx, source, relPaths)
	if err != nil {
		return result, err
	}
	if err := store.UpsertSamples(ctx, upserts); err != nil {
		return result, fmt.Errorf("upsert samples: %w", err)
	}

	pruned, err := store.PruneMissingSamples(ctx, source.ID)
	if err != nil {
		return result, fmt.Errorf("prune missing samples: %w", err)
	}
	result.Pruned = pruned

	stale, err := store.SamplesNeedingAnalysis(ctx, analysis.Version)
	if err != nil {
		return result, fmt.Errorf("find stale samples: %w", err)
	}
	specs := make([]jobstore.JobSpec, 0, len(stale))
	for _, sample := range stale {
		owner, _, ok := fingerprint.SplitSampleID(sample.SampleID)
		if !ok || owner != source.ID {
			continue
		}
		specs = append(specs, jobstore.JobSpec{
			SampleID:    sample.SampleID,
			JobType:     jobstore.JobTypeAnalyzeSample,
			ContentHash: sample.ContentHash,
		})
	}
	inserted, err := store.EnqueueJobs(ctx, specs)
	if err != nil {
		return result, fmt.Errorf("enqueue jobs: %w", err)
	}
	result.Enqueued = int(inserted)

	logger.Info("scan finished",
		logging.Int("seen", result.Seen),
		logging.Int("enqueued", result.Enqueued),
		logging.Int("pruned", result.Pruned))
	return result, nil
}

// fingerprintAll stats files concurrently and builds catalog upserts with
// fast fingerprints. Change detection deliberately trusts size and mtime;
// byte hashing every sample on every scan would dominate scan time.
func (s *Scanner) fingerprintAll(ctx context.Context, source library.Source, relPaths []string) ([]jobstore.SampleUpsert, error) {
	concurrency := s.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var mu sync.Mutex
	upserts := make([]jobstore.SampleUpsert, 0, len(relPaths))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, relPath := range relPaths {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(source.Root, filepath.FromSlash(relPath))
			info, err := os.Stat(path)
			if err != nil {
				// Deleted between walk and stat; the prune pass handles it.
				s.logger.Debug("stat failed during scan",
					logging.String("path", path), logging.Error(err))
				return nil
			}
			fp := fingerprint.FromFileInfo(info)
			mu.Lock()
			upserts = append(upserts, jobstore.SampleUpsert{
				SampleID:    fingerprint.SampleID(source.ID, relPath),
				ContentHash: fp.Hash(),
				Size:        fp.Size,
				MTimeNS:     fp.MTimeNS,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(upserts, func(i, j int) bool { return upserts[i].SampleID < upserts[j].SampleID })
	return upserts, nil
}
