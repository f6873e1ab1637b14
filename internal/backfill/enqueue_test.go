package backfill

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"cratedig/internal/jobstore"
)

type fakeEnqueueStore struct {
	active   int
	needing  []string
	enqueued []jobstore.JobSpec
}

func (f *fakeEnqueueStore) ActiveJobCount(_ context.Context, _ jobstore.JobType) (int, error) {
	return f.active, nil
}

func (f *fakeEnqueueStore) SamplesNeedingEmbedding(_ context.Context, _ string) ([]string, error) {
	return f.needing, nil
}

func (f *fakeEnqueueStore) EnqueueJobs(_ context.Context, specs []jobstore.JobSpec) (int64, error) {
	f.enqueued = append(f.enqueued, specs...)
	return int64(len(specs)), nil
}

func TestEnqueueMissingBatchesMembers(t *testing.T) {
	needing := make([]string, 0, enqueueBatchSize+3)
	for i := 0; i < enqueueBatchSize+3; i++ {
		needing = append(needing, fmt.Sprintf("src::%03d.wav", i))
	}
	store := &fakeEnqueueStore{needing: needing}

	written, err := EnqueueMissing(t.Context(), store, "src", "m1")
	if err != nil {
		t.Fatalf("EnqueueMissing() error = %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2 jobs", written)
	}
	if len(store.enqueued) != 2 {
		t.Fatalf("enqueued %d specs, want 2", len(store.enqueued))
	}

	for i, spec := range store.enqueued {
		if spec.JobType != jobstore.JobTypeEmbeddingBackfill {
			t.Fatalf("spec %d job type = %s", i, spec.JobType)
		}
		want := fmt.Sprintf("backfill::src::%d", i)
		if spec.SampleID != want {
			t.Fatalf("spec %d id = %q, want %q", i, spec.SampleID, want)
		}
	}

	first, err := DecodePayload(store.enqueued[0].ContentHash)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !reflect.DeepEqual(first, needing[:enqueueBatchSize]) {
		t.Fatalf("first batch = %v", first)
	}
	rest, err := DecodePayload(store.enqueued[1].ContentHash)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !reflect.DeepEqual(rest, needing[enqueueBatchSize:]) {
		t.Fatalf("second batch = %v", rest)
	}
}

func TestEnqueueMissingSkipsWhileBackfillActive(t *testing.T) {
	store := &fakeEnqueueStore{active: 1, needing: []string{"src::a.wav"}}
	written, err := EnqueueMissing(t.Context(), store, "src", "m1")
	if err != nil {
		t.Fatalf("EnqueueMissing() error = %v", err)
	}
	if written != 0 || len(store.enqueued) != 0 {
		t.Fatalf("enqueued while backfill active: written=%d specs=%d", written, len(store.enqueued))
	}
}

func TestEnqueueMissingNoWork(t *testing.T) {
	store := &fakeEnqueueStore{}
	written, err := EnqueueMissing(t.Context(), store, "src", "m1")
	if err != nil {
		t.Fatalf("EnqueueMissing() error = %v", err)
	}
	if written != 0 || len(store.enqueued) != 0 {
		t.Fatalf("enqueued with nothing missing: written=%d specs=%d", written, len(store.enqueued))
	}
}
