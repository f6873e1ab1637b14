package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"cratedig/internal/analysis"
	"cratedig/internal/decodequeue"
	"cratedig/internal/dedup"
	"cratedig/internal/jobstore"
	"cratedig/internal/library"
	"cratedig/internal/logging"
	"cratedig/internal/progress"
)

// SourceProvider supplies the current source set. The scheduler re-reads
// it on every refresh so newly added sources pick up work without a
// restart.
type SourceProvider interface {
	Sources() []library.Source
}

// SourceProviderFunc adapts a function to SourceProvider.
type SourceProviderFunc func() []library.Source

func (f SourceProviderFunc) Sources() []library.Source { return f() }

// Event is one progress update pushed to the UI layer.
type Event struct {
	SourceID string
	Progress jobstore.Progress
}

const eventBuffer = 64

// Scheduler owns the pipeline state: per-source stores, the dedup
// tracker, the decoded queue, and both worker pools. All cross-goroutine
// communication happens through the queue and channels; nothing here is
// global.
type Scheduler struct {
	settings  Settings
	logger    *slog.Logger
	sources   SourceProvider
	decoder   analysis.Decoder
	extractor analysis.Extractor
	embedder  analysis.Embedder

	tracker  *dedup.Tracker
	queue    *decodequeue.Queue
	progress *progress.Cache
	claims   chan claimedJob
	events   chan Event

	mu       sync.Mutex
	stores   map[string]*jobstore.Store
	prepared map[string]bool
	// retired holds stores for detached sources until shutdown, since
	// in-flight items may still finalize against them.
	retired []*jobstore.Store
}

// claimedJob is one claimed row routed to the decode pool with its source
// context attached.
type claimedJob struct {
	job      *jobstore.Job
	sourceID string
	root     string
	store    *jobstore.Store
}

// Options carries the scheduler's collaborators. Nil Decoder, Extractor,
// and Embedder fall back to the built-in WAV/DSP chain.
type Options struct {
	Settings  Settings
	Logger    *slog.Logger
	Sources   SourceProvider
	Decoder   analysis.Decoder
	Extractor analysis.Extractor
	Embedder  analysis.Embedder
	Progress  *progress.Cache
}

// New builds a scheduler. It opens no databases until Run.
func New(opts Options) (*Scheduler, error) {
	if opts.Sources == nil {
		return nil, fmt.Errorf("scheduler requires a source provider")
	}
	if opts.Decoder == nil {
		opts.Decoder = analysis.NewWAVDecoder()
	}
	if opts.Extractor == nil {
		opts.Extractor = analysis.NewFeatureExtractor()
	}
	if opts.Embedder == nil {
		opts.Embedder = analysis.NewProjectionEmbedder()
	}
	if opts.Progress == nil {
		opts.Progress = progress.NewCache()
	}

	tracker := dedup.NewTracker()
	return &Scheduler{
		settings:  opts.Settings,
		logger:    logging.NewComponentLogger(opts.Logger, "scheduler"),
		sources:   opts.Sources,
		decoder:   opts.Decoder,
		extractor: opts.Extractor,
		embedder:  opts.Embedder,
		tracker:   tracker,
		queue:     decodequeue.New(opts.Settings.DecodeQueueTarget, tracker),
		progress:  opts.Progress,
		claims:    make(chan claimedJob),
		events:    make(chan Event, eventBuffer),
		stores:    make(map[string]*jobstore.Store),
		prepared:  make(map[string]bool),
	}, nil
}

// Events returns the progress update stream. Updates are dropped rather
// than blocking the pipeline when no one reads them.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Progress returns the shared progress cache.
func (s *Scheduler) Progress() *progress.Cache {
	return s.progress
}

// Run drives the pipeline until ctx is canceled. It returns nil on clean
// shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return s.claimLoop(ctx) })
	for i := 0; i < s.settings.DecodeWorkers; i++ {
		group.Go(func() error { return s.decodeWorker(ctx) })
	}
	for i := 0; i < s.settings.Workers; i++ {
		group.Go(func() error { return s.analysisWorker(ctx) })
	}
	group.Go(func() error { return s.progressLoop(ctx) })

	err := group.Wait()
	s.closeStores()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunCycle processes work until every known source is idle, then returns.
// It exists for one-shot runs such as `cratedig scan --wait`.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, cycleCtx := errgroup.WithContext(cycleCtx)
	group.Go(func() error { return s.claimLoop(cycleCtx) })
	for i := 0; i < s.settings.DecodeWorkers; i++ {
		group.Go(func() error { return s.decodeWorker(cycleCtx) })
	}
	for i := 0; i < s.settings.Workers; i++ {
		group.Go(func() error { return s.analysisWorker(cycleCtx) })
	}
	group.Go(func() error {
		defer cancel()
		return s.waitIdle(cycleCtx)
	})

	err := group.Wait()
	s.closeStores()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) storeFor(sourceID string) *jobstore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores[sourceID]
}

func (s *Scheduler) snapshotStores() map[string]*jobstore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*jobstore.Store, len(s.stores))
	for id, store := range s.stores {
		out[id] = store
	}
	return out
}

func (s *Scheduler) closeStores() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, store := range s.stores {
		if err := store.Close(); err != nil {
			s.logger.Warn("closing source database failed",
				logging.String("source", id), logging.Error(err))
		}
		delete(s.stores, id)
	}
	for _, store := range s.retired {
		if err := store.Close(); err != nil {
			s.logger.Warn("closing retired source database failed", logging.Error(err))
		}
	}
	s.retired = nil
}

// emit pushes a progress event without ever blocking pipeline goroutines.
func (s *Scheduler) emit(sourceID string, p jobstore.Progress) {
	s.progress.Set(sourceID, p)
	select {
	case s.events <- Event{SourceID: sourceID, Progress: p}:
	default:
	}
}

// refreshProgress reads fresh counts for one source and publishes them.
func (s *Scheduler) refreshProgress(ctx context.Context, sourceID string, store *jobstore.Store) {
	p, err := store.CurrentProgress(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("reading progress failed",
				logging.String("source", sourceID), logging.Error(err))
		}
		return
	}
	s.emit(sourceID, p)
}
