package scheduler

import (
	"context"
	"sort"
	"time"

	"cratedig/internal/jobstore"
	"cratedig/internal/logging"
)

const (
	// claimIdleWait is the pause between claim attempts when every source
	// came back empty.
	claimIdleWait = 50 * time.Millisecond
	// queueFullBackoff is the pause when the decoded queue is at its
	// target and claiming more would only pile up memory.
	queueFullBackoff = 10 * time.Millisecond
	// idleSettleChecks is how many consecutive idle observations waitIdle
	// needs before declaring the pipeline drained.
	idleSettleChecks = 3
)

// claimLoop refreshes the source set, reclaims stale jobs, and feeds
// claimed rows to the decode pool, respecting the queue target.
func (s *Scheduler) claimLoop(ctx context.Context) error {
	defer close(s.claims)
	defer s.queue.Close()

	var lastRefresh time.Time
	var rotation int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Since(lastRefresh) >= s.settings.SourceRefresh || lastRefresh.IsZero() {
			s.refreshSources(ctx)
			s.reclaimStale(ctx)
			lastRefresh = time.Now()
		}

		budget := s.settings.DecodeQueueTarget - s.queue.Len() - s.tracker.InflightLen()
		if budget <= 0 {
			if err := sleepCtx(ctx, queueFullBackoff); err != nil {
				return err
			}
			continue
		}
		if budget > s.settings.ClaimBatch {
			budget = s.settings.ClaimBatch
		}

		claimed, err := s.claimRound(ctx, budget, &rotation)
		if err != nil {
			return err
		}
		if claimed == 0 {
			if err := sleepCtx(ctx, claimIdleWait); err != nil {
				return err
			}
		}
	}
}

// claimRound claims up to budget jobs, rotating which source goes first so
// one busy source cannot starve the rest.
func (s *Scheduler) claimRound(ctx context.Context, budget int, rotation *int) (int, error) {
	stores := s.snapshotStores()
	if len(stores) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(stores))
	for id := range stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	*rotation = (*rotation + 1) % len(ids)

	// A job id already inflight can reappear as pending when a re-enqueue
	// resets its row mid-run. Excluding those ids keeps the row pending
	// until the stale run finalizes and releases the id.
	inflight := s.tracker.InflightIDs()

	var claimed int
	for i := 0; i < len(ids) && budget > 0; i++ {
		sourceID := ids[(*rotation+i)%len(ids)]
		store := stores[sourceID]

		jobs, err := store.ClaimPending(ctx, budget, inflight...)
		if err != nil {
			if ctx.Err() != nil {
				return claimed, ctx.Err()
			}
			s.logger.Warn("claiming jobs failed",
				logging.String("source", sourceID), logging.Error(err))
			continue
		}
		for _, job := range jobs {
			if !s.tracker.TryMarkInflight(job.ID) {
				// The exclusion snapshot should make this unreachable;
				// skip and let a later round claim the row.
				continue
			}
			cj := claimedJob{job: job, sourceID: sourceID, root: store.Root(), store: store}
			select {
			case <-ctx.Done():
				s.tracker.ClearInflight(job.ID)
				return claimed, ctx.Err()
			case s.claims <- cj:
				claimed++
				budget--
			}
		}
	}
	return claimed, nil
}

// refreshSources opens stores for newly registered sources and runs the
// one-time attach maintenance: requeue rows left running by a previous
// process and drop samples whose files vanished.
func (s *Scheduler) refreshSources(ctx context.Context) {
	sources := s.sources.Sources()
	keep := make(map[string]struct{}, len(sources))

	for _, source := range sources {
		keep[source.ID] = struct{}{}
		if s.storeFor(source.ID) != nil {
			continue
		}

		store, err := jobstore.OpenWithRetry(source.Root)
		if err != nil {
			s.logger.Warn("opening source database failed",
				logging.String("source", source.ID), logging.Error(err))
			continue
		}

		if !s.markPrepared(source.ID) {
			if reset, err := store.ResetRunning(ctx); err != nil {
				s.logger.Warn("resetting running jobs failed",
					logging.String("source", source.ID), logging.Error(err))
			} else if reset > 0 {
				s.logger.Info("requeued jobs from previous run",
					logging.String("source", source.ID), logging.Int64("jobs", reset))
			}
			if pruned, err := store.PruneMissingSamples(ctx, source.ID); err != nil {
				s.logger.Warn("pruning missing samples failed",
					logging.String("source", source.ID), logging.Error(err))
			} else if pruned > 0 {
				s.logger.Info("pruned samples for deleted files",
					logging.String("source", source.ID), logging.Int("samples", pruned))
			}
		}

		s.mu.Lock()
		s.stores[source.ID] = store
		s.mu.Unlock()
		s.logger.Info("source attached",
			logging.String("source", source.ID), logging.String("root", source.Root))
	}

	// Detach sources removed from the registry. The store stays open
	// until shutdown because in-flight items still finalize against it.
	s.mu.Lock()
	for id, store := range s.stores {
		if _, ok := keep[id]; ok {
			continue
		}
		s.retired = append(s.retired, store)
		delete(s.stores, id)
		s.logger.Info("source detached", logging.String("source", id))
	}
	s.mu.Unlock()
	s.progress.Forget(keep)
}

func (s *Scheduler) markPrepared(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.prepared[sourceID]
	s.prepared[sourceID] = true
	return was
}

// reclaimStale requeues running jobs whose heartbeat went quiet for longer
// than the timeout, covering workers that died without finalizing.
func (s *Scheduler) reclaimStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.settings.HeartbeatTimeout)
	for sourceID, store := range s.snapshotStores() {
		reclaimed, err := store.ReclaimStale(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("reclaiming stale jobs failed",
					logging.String("source", sourceID), logging.Error(err))
			}
			continue
		}
		if reclaimed > 0 {
			s.logger.Warn("reclaimed stale jobs",
				logging.String("source", sourceID), logging.Int64("jobs", reclaimed))
		}
	}
}

// waitIdle polls until every attached source reports no pending or running
// jobs for a few consecutive checks, then returns.
func (s *Scheduler) waitIdle(ctx context.Context) error {
	settled := 0
	for {
		if err := sleepCtx(ctx, claimIdleWait); err != nil {
			return err
		}

		stores := s.snapshotStores()
		idle := s.queue.Len() == 0 && s.tracker.InflightLen() == 0
		if len(stores) == 0 && len(s.sources.Sources()) > 0 {
			// Sources are registered but not attached yet.
			idle = false
		}
		if idle {
			for sourceID, store := range stores {
				p, err := store.CurrentProgress(ctx)
				if err != nil {
					idle = false
					break
				}
				s.emit(sourceID, p)
				if p.Active() {
					idle = false
					break
				}
			}
		}

		if !idle {
			settled = 0
			continue
		}
		settled++
		if settled >= idleSettleChecks {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
