package scheduler

import (
	"context"
	"time"
)

// progressLoop polls job counts for every attached source, speeding up
// while work is active and backing off when idle. It also prunes cache
// entries for sources that went away.
func (s *Scheduler) progressLoop(ctx context.Context) error {
	lastPrune := time.Now()
	for {
		interval := s.settings.ProgressIdle
		if s.progress.Active() {
			interval = s.settings.ProgressActive
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}

		stores := s.snapshotStores()
		for sourceID, store := range stores {
			s.refreshProgress(ctx, sourceID, store)
		}

		if time.Since(lastPrune) >= s.settings.ProgressPrune {
			keep := make(map[string]struct{}, len(stores))
			for id := range stores {
				keep[id] = struct{}{}
			}
			s.progress.Forget(keep)
			lastPrune = time.Now()
		}
	}
}
