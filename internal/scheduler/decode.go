package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"cratedig/internal/analysis"
	"cratedig/internal/backfill"
	"cratedig/internal/decodequeue"
	"cratedig/internal/fingerprint"
	"cratedig/internal/jobstore"
	"cratedig/internal/logging"
)

// decodeWorker consumes claimed jobs and pushes their decode outcome into
// the queue. The inflight mark taken at claim time is released only if the
// push itself fails; otherwise it stays until the analysis stage finalizes
// the job.
func (s *Scheduler) decodeWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cj, ok := <-s.claims:
			if !ok {
				return nil
			}
			s.decodeOne(ctx, cj)
		}
	}
}

func (s *Scheduler) decodeOne(ctx context.Context, cj claimedJob) {
	var item decodequeue.Item
	switch cj.job.JobType {
	case jobstore.JobTypeEmbeddingBackfill:
		item = s.decodeBackfill(ctx, cj)
	default:
		item = s.decodeSample(ctx, cj)
	}

	if err := s.queue.Push(ctx, item); err != nil {
		s.tracker.ClearInflight(cj.job.ID)
		switch {
		case errors.Is(err, decodequeue.ErrDuplicatePending):
			s.logger.Warn("dropping duplicate decode result",
				logging.Int64("job", cj.job.ID))
		case ctx.Err() == nil:
			s.logger.Warn("queueing decode result failed",
				logging.Int64("job", cj.job.ID), logging.Error(err))
		}
	}
}

// decodeSample runs the analyze-sample decode path: cache check, probe,
// then full decode under a heartbeat.
func (s *Scheduler) decodeSample(ctx context.Context, cj claimedJob) decodequeue.Item {
	item := decodequeue.Item{Job: cj.job, Store: cj.store, SourceID: cj.sourceID, Root: cj.root}

	_, relPath, ok := fingerprint.SplitSampleID(cj.job.SampleID)
	if !ok {
		item.Kind = decodequeue.KindFailed
		item.Err = fmt.Errorf("malformed sample id %q", cj.job.SampleID)
		return item
	}
	path := filepath.Join(cj.root, filepath.FromSlash(relPath))

	// Content-addressed cache check before touching the file: a hit means
	// identical bytes were analyzed before and decode is unnecessary.
	if hash := cj.job.ContentHash; hash != "" {
		key := fingerprint.ContentKey{Hash: hash, AnalysisVersion: analysis.Version}
		feats, err := cj.store.GetCachedFeatures(ctx, key, analysis.FeatVersion)
		if err == nil && feats != nil {
			emb, err := cj.store.GetCachedEmbedding(ctx, key, analysis.ModelID)
			if err == nil && emb != nil {
				item.Kind = decodequeue.KindNotNeeded
				item.CachedFeatures = feats
				item.CachedEmbedding = emb
				return item
			}
		}
	}

	probe, err := s.decoder.Probe(path)
	if err != nil {
		item.Kind = decodequeue.KindFailed
		item.Err = fmt.Errorf("probe %s: %w", relPath, err)
		return item
	}
	item.DurationSeconds = probe.DurationSeconds

	if limit := s.settings.MaxDuration; limit > 0 && probe.DurationSeconds > limit.Seconds() {
		item.Kind = decodequeue.KindSkipped
		item.Skip = fmt.Sprintf("duration %.1fs exceeds limit %s", probe.DurationSeconds, limit)
		return item
	}

	stop := s.startHeartbeat(ctx, cj.store, cj.job.ID)
	audio, err := s.decoder.Decode(path, s.settings.SampleRate)
	stop()
	if err != nil {
		item.Kind = decodequeue.KindFailed
		item.Err = fmt.Errorf("decode %s: %w", relPath, err)
		return item
	}

	item.Kind = decodequeue.KindDecoded
	item.Audio = audio
	item.DurationSeconds = audio.DurationSeconds
	item.SRUsed = audio.SampleRate
	return item
}

// decodeBackfill plans a backfill job's members against the embedding
// cache and decodes one representative file per remaining content hash.
func (s *Scheduler) decodeBackfill(ctx context.Context, cj claimedJob) decodequeue.Item {
	item := decodequeue.Item{Job: cj.job, Store: cj.store, SourceID: cj.sourceID, Root: cj.root}

	members, err := backfill.DecodePayload(cj.job.ContentHash)
	if err != nil {
		item.Kind = decodequeue.KindFailed
		item.Err = err
		return item
	}

	plan, err := backfill.Build(ctx, cj.store, members, analysis.Version, analysis.ModelID)
	if err != nil {
		item.Kind = decodequeue.KindFailed
		item.Err = err
		return item
	}

	decoded := backfill.Decoded{Ready: plan.Ready, Missing: plan.Missing}
	if len(plan.Work) > 0 {
		stop := s.startHeartbeat(ctx, cj.store, cj.job.ID)
		defer stop()
	}
	for _, group := range plan.Work {
		audio, err := s.decodeGroup(cj.root, group)
		if err != nil {
			if decoded.Undecodable == nil {
				decoded.Undecodable = make(map[string]error)
			}
			decoded.Undecodable[group.ContentHash] = err
			continue
		}
		decoded.Groups = append(decoded.Groups, backfill.DecodedGroup{Group: group, Audio: audio})
	}

	if decoded.Empty() && len(decoded.Undecodable) > 0 {
		item.Kind = decodequeue.KindFailed
		item.Err = fmt.Errorf("no backfill member decodable across %d groups", len(decoded.Undecodable))
		return item
	}

	if len(decoded.Groups) > 0 {
		item.Kind = decodequeue.KindDecoded
	} else {
		item.Kind = decodequeue.KindNotNeeded
	}
	item.Backfill = &decoded
	return item
}

// decodeGroup tries the group's members in order until one decodes. All
// members share bytes, so any one of them stands for the hash.
func (s *Scheduler) decodeGroup(root string, group backfill.Group) (*analysis.DecodedAudio, error) {
	var lastErr error
	for _, sampleID := range group.SampleIDs {
		_, relPath, ok := fingerprint.SplitSampleID(sampleID)
		if !ok {
			lastErr = fmt.Errorf("malformed sample id %q", sampleID)
			continue
		}
		audio, err := s.decoder.Decode(filepath.Join(root, filepath.FromSlash(relPath)), s.settings.SampleRate)
		if err != nil {
			lastErr = err
			continue
		}
		return audio, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("group %s has no members", group.ContentHash)
	}
	return nil, lastErr
}

// startHeartbeat touches the job's running_at on a fixed cadence so the
// stale reaper can tell a slow decode from a dead worker. The returned
// stop function blocks until the heartbeat goroutine exits.
func (s *Scheduler) startHeartbeat(ctx context.Context, store *jobstore.Store, id int64) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.settings.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := store.TouchJobs(hbCtx, id); err != nil && hbCtx.Err() == nil {
					s.logger.Debug("heartbeat touch failed",
						logging.Int64("job", id), logging.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
