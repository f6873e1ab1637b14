package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cratedig/internal/analysis"
	"cratedig/internal/decodequeue"
	"cratedig/internal/jobstore"
	"cratedig/internal/logging"
)

// analysisWorker pulls decode outcomes in batches, computes artifacts, and
// finalizes job status. Per-item failures are recorded on the job and never
// abort the rest of the batch.
func (s *Scheduler) analysisWorker(ctx context.Context) error {
	for {
		batch, err := s.queue.PopBatch(ctx, s.settings.BatchMax)
		if err != nil {
			if errors.Is(err, decodequeue.ErrQueueClosed) {
				return nil
			}
			return err
		}
		if len(batch) == 0 {
			continue
		}
		s.processBatch(ctx, batch)
	}
}

func (s *Scheduler) processBatch(ctx context.Context, batch []decodequeue.Item) {
	// One heartbeat touch per store for the whole batch, so slow DSP math
	// on a large batch does not trip the stale reaper.
	touched := make(map[*jobstore.Store][]int64)
	for _, item := range batch {
		if item.Store == nil || item.Job == nil {
			continue
		}
		touched[item.Store] = append(touched[item.Store], item.Job.ID)
	}
	for store, ids := range touched {
		if err := store.TouchJobs(ctx, ids...); err != nil && ctx.Err() == nil {
			s.logger.Debug("batch heartbeat failed", logging.Error(err))
		}
	}

	sources := make(map[string]*jobstore.Store)
	for _, item := range batch {
		s.finalizeItem(ctx, item)
		if item.Store != nil {
			sources[item.SourceID] = item.Store
		}
	}

	for sourceID, store := range sources {
		s.refreshProgress(ctx, sourceID, store)
	}
}

func (s *Scheduler) finalizeItem(ctx context.Context, item decodequeue.Item) {
	if item.Job == nil {
		return
	}
	defer s.tracker.ClearInflight(item.Job.ID)

	if item.Store == nil {
		s.logger.Warn("decode result has no store, dropping",
			logging.Int64("job", item.Job.ID))
		return
	}

	// A scan may have re-enqueued this sample with different content while
	// we held the claim. The newer enqueue owns the row now; this run
	// completes quietly without touching sample or artifact state.
	if item.Backfill == nil && item.Kind != decodequeue.KindFailed {
		stale, err := s.superseded(ctx, item)
		if err != nil {
			s.markFailed(ctx, item.Store, item.Job, err)
			return
		}
		if stale {
			s.logger.Info("job superseded by newer enqueue, skipping writes",
				logging.Int64("job", item.Job.ID),
				logging.String("sample", item.Job.SampleID))
			if err := item.Store.MarkDone(ctx, item.Job.ID); err != nil && ctx.Err() == nil {
				s.logger.Warn("marking superseded job done failed",
					logging.Int64("job", item.Job.ID), logging.Error(err))
			}
			return
		}
	}

	var err error
	switch {
	case item.Backfill != nil:
		err = s.finalizeBackfill(ctx, item)
	case item.Kind == decodequeue.KindFailed:
		s.markFailed(ctx, item.Store, item.Job, item.Err)
		return
	case item.Kind == decodequeue.KindSkipped:
		err = s.finalizeSkipped(ctx, item)
	case item.Kind == decodequeue.KindNotNeeded:
		err = s.finalizeCached(ctx, item)
	case item.Kind == decodequeue.KindDecoded:
		err = s.finalizeDecoded(ctx, item)
	default:
		err = fmt.Errorf("unknown decode outcome %q", item.Kind)
	}
	if err != nil {
		s.markFailed(ctx, item.Store, item.Job, err)
		return
	}

	if err := item.Store.MarkDone(ctx, item.Job.ID); err != nil && ctx.Err() == nil {
		s.logger.Warn("marking job done failed",
			logging.Int64("job", item.Job.ID), logging.Error(err))
	}
}

// superseded reports whether the sample row moved to different content
// while the job ran. Jobs without a content hash never count as stale;
// a pruned sample does.
func (s *Scheduler) superseded(ctx context.Context, item decodequeue.Item) (bool, error) {
	hash := item.Job.ContentHash
	if hash == "" {
		return false, nil
	}
	sample, err := item.Store.GetSample(ctx, item.Job.SampleID)
	if err != nil {
		return false, fmt.Errorf("revalidate content hash: %w", err)
	}
	if sample == nil {
		return true, nil
	}
	return sample.ContentHash != hash, nil
}

// finalizeSkipped records the analysis version without artifacts so the
// sample is not re-enqueued on the next scan.
func (s *Scheduler) finalizeSkipped(ctx context.Context, item decodequeue.Item) error {
	s.logger.Info("sample skipped",
		logging.String("sample", item.Job.SampleID), logging.String("reason", item.Skip))
	var duration *float64
	if item.DurationSeconds > 0 {
		d := item.DurationSeconds
		duration = &d
	}
	return item.Store.UpdateAnalysisMetadata(ctx, item.Job.SampleID, duration, nil, analysis.Version)
}

// finalizeCached writes per-sample rows straight from the content cache.
func (s *Scheduler) finalizeCached(ctx context.Context, item decodequeue.Item) error {
	feats := item.CachedFeatures
	emb := item.CachedEmbedding
	if feats == nil || emb == nil {
		return fmt.Errorf("cache outcome missing artifacts for job %d", item.Job.ID)
	}
	now := time.Now().UTC()

	if err := item.Store.SaveFeatures(ctx, jobstore.FeatureRow{
		SampleID:    item.Job.SampleID,
		FeatVersion: feats.FeatVersion,
		Vec:         feats.Vec,
		ComputedAt:  now,
	}); err != nil {
		return err
	}
	if err := item.Store.SaveEmbedding(ctx, jobstore.EmbeddingRow{
		SampleID:  item.Job.SampleID,
		ModelID:   emb.ModelID,
		Dim:       emb.Dim,
		Dtype:     emb.Dtype,
		L2Normed:  emb.L2Normed,
		Vec:       emb.Vec,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := item.Store.UpsertIndexEntry(ctx, item.Job.SampleID, emb.Dim, emb.Vec); err != nil {
		return err
	}
	return item.Store.UpdateAnalysisMetadata(ctx, item.Job.SampleID,
		feats.DurationSeconds, feats.SRUsed, analysis.Version)
}

// finalizeDecoded computes features and an embedding, persists them, and
// populates the content cache for future identical bytes.
func (s *Scheduler) finalizeDecoded(ctx context.Context, item decodequeue.Item) error {
	features, err := s.extractor.Extract(item.Audio)
	if err != nil {
		return fmt.Errorf("extract features: %w", err)
	}
	embedding, err := s.embedder.Embed(features)
	if err != nil {
		return fmt.Errorf("embed features: %w", err)
	}

	featVec := analysis.EncodeF32(features)
	embVec := analysis.EncodeF32(embedding)
	now := time.Now().UTC()

	if err := item.Store.SaveFeatures(ctx, jobstore.FeatureRow{
		SampleID:    item.Job.SampleID,
		FeatVersion: analysis.FeatVersion,
		Vec:         featVec,
		ComputedAt:  now,
	}); err != nil {
		return err
	}
	if err := item.Store.SaveEmbedding(ctx, jobstore.EmbeddingRow{
		SampleID:  item.Job.SampleID,
		ModelID:   analysis.ModelID,
		Dim:       len(embedding),
		Dtype:     analysis.DtypeF32,
		L2Normed:  true,
		Vec:       embVec,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := item.Store.UpsertIndexEntry(ctx, item.Job.SampleID, len(embedding), embVec); err != nil {
		return err
	}

	if hash := item.Job.ContentHash; hash != "" {
		duration := item.DurationSeconds
		srUsed := item.SRUsed
		if err := item.Store.PutCachedFeatures(ctx, jobstore.CachedFeatures{
			ContentHash:     hash,
			AnalysisVersion: analysis.Version,
			FeatVersion:     analysis.FeatVersion,
			Vec:             featVec,
			ComputedAt:      now,
			DurationSeconds: &duration,
			SRUsed:          &srUsed,
		}); err != nil {
			return err
		}
		if err := item.Store.PutCachedEmbedding(ctx, jobstore.CachedEmbedding{
			ContentHash:     hash,
			AnalysisVersion: analysis.Version,
			ModelID:         analysis.ModelID,
			Dim:             len(embedding),
			Dtype:           analysis.DtypeF32,
			L2Normed:        true,
			Vec:             embVec,
			CreatedAt:       now,
		}); err != nil {
			return err
		}
	}

	duration := item.DurationSeconds
	srUsed := item.SRUsed
	return item.Store.UpdateAnalysisMetadata(ctx, item.Job.SampleID, &duration, &srUsed, analysis.Version)
}

// finalizeBackfill embeds each decoded group once, applies cache hits, and
// writes every member's embedding in one chunked batch.
func (s *Scheduler) finalizeBackfill(ctx context.Context, item decodequeue.Item) error {
	d := item.Backfill
	now := time.Now().UTC()
	var rows []jobstore.EmbeddingRow

	for _, ready := range d.Ready {
		for _, sampleID := range ready.SampleIDs {
			rows = append(rows, jobstore.EmbeddingRow{
				SampleID:  sampleID,
				ModelID:   ready.Cached.ModelID,
				Dim:       ready.Cached.Dim,
				Dtype:     ready.Cached.Dtype,
				L2Normed:  ready.Cached.L2Normed,
				Vec:       ready.Cached.Vec,
				CreatedAt: now,
			})
		}
	}

	for _, group := range d.Groups {
		features, err := s.extractor.Extract(group.Audio)
		if err != nil {
			return fmt.Errorf("extract group %s: %w", group.Group.ContentHash, err)
		}
		embedding, err := s.embedder.Embed(features)
		if err != nil {
			return fmt.Errorf("embed group %s: %w", group.Group.ContentHash, err)
		}
		embVec := analysis.EncodeF32(embedding)

		if err := item.Store.PutCachedEmbedding(ctx, jobstore.CachedEmbedding{
			ContentHash:     group.Group.ContentHash,
			AnalysisVersion: analysis.Version,
			ModelID:         analysis.ModelID,
			Dim:             len(embedding),
			Dtype:           analysis.DtypeF32,
			L2Normed:        true,
			Vec:             embVec,
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		for _, sampleID := range group.Group.SampleIDs {
			rows = append(rows, jobstore.EmbeddingRow{
				SampleID:  sampleID,
				ModelID:   analysis.ModelID,
				Dim:       len(embedding),
				Dtype:     analysis.DtypeF32,
				L2Normed:  true,
				Vec:       embVec,
				CreatedAt: now,
			})
		}
	}

	for hash, err := range d.Undecodable {
		s.logger.Warn("backfill group not decodable",
			logging.String("content_hash", hash), logging.Error(err))
	}
	if len(d.Missing) > 0 {
		s.logger.Warn("backfill members missing from catalog",
			logging.Int("members", len(d.Missing)))
	}

	if len(rows) == 0 {
		return nil
	}
	return item.Store.WriteEmbeddingBatch(ctx, rows)
}

// markFailed increments attempts and either requeues or permanently fails
// the job depending on the attempt budget.
func (s *Scheduler) markFailed(ctx context.Context, store *jobstore.Store, job *jobstore.Job, cause error) {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	final, err := store.MarkFailed(ctx, job.ID, reason, s.settings.MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("marking job failed errored",
				logging.Int64("job", job.ID), logging.Error(err))
		}
		return
	}
	if final {
		s.logger.Warn("job failed permanently",
			logging.Int64("job", job.ID),
			logging.String("sample", job.SampleID),
			logging.String("reason", reason))
	} else {
		s.logger.Info("job failed, will retry",
			logging.Int64("job", job.ID),
			logging.String("sample", job.SampleID),
			logging.String("reason", reason))
	}
}
