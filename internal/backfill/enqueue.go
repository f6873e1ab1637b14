package backfill

import (
	"context"
	"fmt"

	"cratedig/internal/jobstore"
)

// enqueueBatchSize caps how many members ride in one backfill job.
const enqueueBatchSize = 32

type enqueueStore interface {
	ActiveJobCount(ctx context.Context, jobType jobstore.JobType) (int, error)
	SamplesNeedingEmbedding(ctx context.Context, modelID string) ([]string, error)
	EnqueueJobs(ctx context.Context, specs []jobstore.JobSpec) (int64, error)
}

// EnqueueMissing batches every sample lacking an embedding for modelID into
// backfill jobs and enqueues them. While backfill jobs are already pending
// or running it enqueues nothing, so repeated invocations don't pile up
// overlapping member lists. Returns the number of job rows written.
func EnqueueMissing(ctx context.Context, store enqueueStore, sourceID, modelID string) (int64, error) {
	active, err := store.ActiveJobCount(ctx, jobstore.JobTypeEmbeddingBackfill)
	if err != nil {
		return 0, err
	}
	if active > 0 {
		return 0, nil
	}

	sampleIDs, err := store.SamplesNeedingEmbedding(ctx, modelID)
	if err != nil {
		return 0, err
	}
	if len(sampleIDs) == 0 {
		return 0, nil
	}

	var specs []jobstore.JobSpec
	for start := 0; start < len(sampleIDs); start += enqueueBatchSize {
		end := start + enqueueBatchSize
		if end > len(sampleIDs) {
			end = len(sampleIDs)
		}
		payload, err := EncodePayload(sampleIDs[start:end])
		if err != nil {
			return 0, err
		}
		specs = append(specs, jobstore.JobSpec{
			SampleID:    fmt.Sprintf("backfill::%s::%d", sourceID, start/enqueueBatchSize),
			JobType:     jobstore.JobTypeEmbeddingBackfill,
			ContentHash: payload,
		})
	}
	return store.EnqueueJobs(ctx, specs)
}
