package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"cratedig/internal/analysis"
	"cratedig/internal/backfill"
	"cratedig/internal/fingerprint"
	"cratedig/internal/jobstore"
	"cratedig/internal/library"
	"cratedig/internal/testsupport"
)

func testSettings() Settings {
	return Settings{
		Workers:           2,
		DecodeWorkers:     2,
		ClaimBatch:        8,
		BatchMax:          4,
		DecodeQueueTarget: 8,
		MaxAttempts:       3,
		MaxDuration:       900 * time.Second,
		SampleRate:        22050,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  30 * time.Second,
		SourceRefresh:     time.Second,
		ProgressActive:    50 * time.Millisecond,
		ProgressIdle:      100 * time.Millisecond,
		ProgressPrune:     time.Second,
	}
}

func staticSource(id, root string) SourceProvider {
	return SourceProviderFunc(func() []library.Source {
		return []library.Source{{ID: id, Root: root}}
	})
}

type countingDecoder struct {
	inner   analysis.Decoder
	probes  atomic.Int64
	decodes atomic.Int64
}

func (d *countingDecoder) Probe(path string) (analysis.Probe, error) {
	d.probes.Add(1)
	return d.inner.Probe(path)
}

func (d *countingDecoder) Decode(path string, targetRate int) (*analysis.DecodedAudio, error) {
	d.decodes.Add(1)
	return d.inner.Decode(path, targetRate)
}

type countingExtractor struct {
	inner analysis.Extractor
	calls atomic.Int64
}

func (e *countingExtractor) Extract(audio *analysis.DecodedAudio) ([]float32, error) {
	e.calls.Add(1)
	return e.inner.Extract(audio)
}

type countingEmbedder struct {
	inner analysis.Embedder
	calls atomic.Int64
}

func (e *countingEmbedder) Embed(features []float32) ([]float32, error) {
	e.calls.Add(1)
	return e.inner.Embed(features)
}

// rewritingDecoder runs a hook after the first full decode, before the
// result reaches the analysis stage.
type rewritingDecoder struct {
	inner   analysis.Decoder
	decodes atomic.Int64
	onFirst func()
}

func (d *rewritingDecoder) Probe(path string) (analysis.Probe, error) {
	return d.inner.Probe(path)
}

func (d *rewritingDecoder) Decode(path string, targetRate int) (*analysis.DecodedAudio, error) {
	audio, err := d.inner.Decode(path, targetRate)
	if d.decodes.Add(1) == 1 && d.onFirst != nil {
		d.onFirst()
	}
	return audio, err
}

// seedSample writes a WAV, catalogs it, and returns its id and hash.
func seedSample(t *testing.T, store *jobstore.Store, root, sourceID, relPath string, freq float64) (string, string) {
	t.Helper()
	path := filepath.Join(root, relPath)
	testsupport.WriteWAV(t, path, 22050, 1.0, freq)
	hash, err := fingerprint.ContentHash(path)
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	sampleID := fingerprint.SampleID(sourceID, relPath)
	err = store.UpsertSamples(t.Context(), []jobstore.SampleUpsert{{
		SampleID:    sampleID,
		ContentHash: hash,
		Size:        1,
		MTimeNS:     1,
	}})
	if err != nil {
		t.Fatalf("upsert sample: %v", err)
	}
	return sampleID, hash
}

func runCycle(t *testing.T, sched *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("RunCycle() hit the test timeout")
	}
}

func TestRunCycleAnalyzesAllPendingJobs(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)

	var specs []jobstore.JobSpec
	var sampleIDs []string
	for i := 0; i < 10; i++ {
		relPath := fmt.Sprintf("kit/%02d.wav", i)
		sampleID, hash := seedSample(t, store, root, "crate", relPath, 200+20*float64(i))
		specs = append(specs, jobstore.JobSpec{
			SampleID:    sampleID,
			JobType:     jobstore.JobTypeAnalyzeSample,
			ContentHash: hash,
		})
		sampleIDs = append(sampleIDs, sampleID)
	}
	if _, err := store.EnqueueJobs(t.Context(), specs); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sched, err := New(Options{
		Settings: testSettings(),
		Sources:  staticSource("crate", root),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runCycle(t, sched)

	p, err := store.CurrentProgress(t.Context())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Done != 10 || p.Pending != 0 || p.Running != 0 || p.Failed != 0 {
		t.Fatalf("progress = %+v, want done=10 and everything else zero", p)
	}

	for _, sampleID := range sampleIDs {
		feats, err := store.GetFeatures(t.Context(), sampleID)
		if err != nil {
			t.Fatalf("features for %s: %v", sampleID, err)
		}
		if feats == nil {
			t.Fatalf("no features for %s", sampleID)
		}
		vec, err := analysis.DecodeF32(feats.Vec)
		if err != nil {
			t.Fatalf("feature blob for %s: %v", sampleID, err)
		}
		if len(vec) != analysis.FeatureDim {
			t.Fatalf("feature dim = %d, want %d", len(vec), analysis.FeatureDim)
		}

		sample, err := store.GetSample(t.Context(), sampleID)
		if err != nil || sample == nil {
			t.Fatalf("sample row for %s: %v", sampleID, err)
		}
		if sample.AnalysisVersion != analysis.Version {
			t.Fatalf("analysis version = %q, want %q", sample.AnalysisVersion, analysis.Version)
		}
	}

	count, err := store.IndexEntryCount(t.Context())
	if err != nil {
		t.Fatalf("index count: %v", err)
	}
	if count != 10 {
		t.Fatalf("index entries = %d, want 10", count)
	}
}

func TestIdenticalContentSkipsDecodeViaCache(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)

	first, hashA := seedSample(t, store, root, "crate", "a/kick.wav", 330)
	second, hashB := seedSample(t, store, root, "crate", "b/kick-copy.wav", 330)
	if hashA != hashB {
		t.Fatalf("fixture hashes differ: %s vs %s", hashA, hashB)
	}

	enqueue := func(sampleID string) {
		t.Helper()
		_, err := store.EnqueueJobs(t.Context(), []jobstore.JobSpec{{
			SampleID:    sampleID,
			JobType:     jobstore.JobTypeAnalyzeSample,
			ContentHash: hashA,
		}})
		if err != nil {
			t.Fatalf("enqueue %s: %v", sampleID, err)
		}
	}

	enqueue(first)
	warm, err := New(Options{
		Settings: testSettings(),
		Sources:  staticSource("crate", root),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runCycle(t, warm)

	key := fingerprint.ContentKey{Hash: hashA, AnalysisVersion: analysis.Version}
	if cached, err := store.GetCachedFeatures(t.Context(), key, analysis.FeatVersion); err != nil || cached == nil {
		t.Fatalf("feature cache not populated: %v %v", cached, err)
	}

	decoder := &countingDecoder{inner: analysis.NewWAVDecoder()}
	extractor := &countingExtractor{inner: analysis.NewFeatureExtractor()}
	embedder := &countingEmbedder{inner: analysis.NewProjectionEmbedder()}

	enqueue(second)
	cold, err := New(Options{
		Settings:  testSettings(),
		Sources:   staticSource("crate", root),
		Decoder:   decoder,
		Extractor: extractor,
		Embedder:  embedder,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runCycle(t, cold)

	if n := decoder.probes.Load() + decoder.decodes.Load(); n != 0 {
		t.Fatalf("decoder touched the file %d times on a cache hit", n)
	}
	if n := extractor.calls.Load() + embedder.calls.Load(); n != 0 {
		t.Fatalf("compute ran %d times on a cache hit", n)
	}

	feats, err := store.GetFeatures(t.Context(), second)
	if err != nil || feats == nil {
		t.Fatalf("second sample has no features: %v", err)
	}
	emb, err := store.GetEmbedding(t.Context(), second)
	if err != nil || emb == nil {
		t.Fatalf("second sample has no embedding: %v", err)
	}
	if emb.Dim != analysis.EmbeddingDim {
		t.Fatalf("embedding dim = %d, want %d", emb.Dim, analysis.EmbeddingDim)
	}
}

func TestOverLongSampleIsSkippedNotFailed(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)

	sampleID, hash := seedSample(t, store, root, "crate", "pads/drone.wav", 55)
	_, err := store.EnqueueJobs(t.Context(), []jobstore.JobSpec{{
		SampleID:    sampleID,
		JobType:     jobstore.JobTypeAnalyzeSample,
		ContentHash: hash,
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	settings := testSettings()
	settings.MaxDuration = 500 * time.Millisecond // fixture is one second

	sched, err := New(Options{Settings: settings, Sources: staticSource("crate", root)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runCycle(t, sched)

	p, err := store.CurrentProgress(t.Context())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Done != 1 || p.Failed != 0 {
		t.Fatalf("progress = %+v, want the skipped job counted done", p)
	}
	feats, err := store.GetFeatures(t.Context(), sampleID)
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if feats != nil {
		t.Fatal("skipped sample should have no features")
	}
	sample, err := store.GetSample(t.Context(), sampleID)
	if err != nil || sample == nil {
		t.Fatalf("sample row: %v", err)
	}
	if sample.AnalysisVersion != analysis.Version {
		t.Fatal("skipped sample should still record the analysis version")
	}
}

func TestUndecodableSampleFailsAfterMaxAttempts(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)

	relPath := "junk/noise.wav"
	testsupport.WriteFileBytes(t, filepath.Join(root, relPath), []byte("not a wav at all"))
	sampleID := fingerprint.SampleID("crate", relPath)
	err := store.UpsertSamples(t.Context(), []jobstore.SampleUpsert{{
		SampleID:    sampleID,
		ContentHash: "sha256-junk",
		Size:        16,
		MTimeNS:     1,
	}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, err = store.EnqueueJobs(t.Context(), []jobstore.JobSpec{{
		SampleID:    sampleID,
		JobType:     jobstore.JobTypeAnalyzeSample,
		ContentHash: "sha256-junk",
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	settings := testSettings()
	settings.MaxAttempts = 2

	sched, err := New(Options{Settings: settings, Sources: staticSource("crate", root)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runCycle(t, sched)

	p, err := store.CurrentProgress(t.Context())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Failed != 1 || p.Pending != 0 || p.Done != 0 {
		t.Fatalf("progress = %+v, want failed=1 after retries", p)
	}
}

func TestContentChangeDuringAnalysisDiscardsStaleRun(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)

	relPath := "loops/bass.wav"
	sampleID, oldHash := seedSample(t, store, root, "crate", relPath, 110)
	if _, err := store.EnqueueJobs(t.Context(), []jobstore.JobSpec{{
		SampleID:    sampleID,
		JobType:     jobstore.JobTypeAnalyzeSample,
		ContentHash: oldHash,
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// While the first decode is in flight, the file changes and a rescan
	// re-catalogs and re-enqueues it. The first run must finish without
	// stamping the sample or writing artifacts for the old bytes.
	var newHash string
	decoder := &rewritingDecoder{inner: analysis.NewWAVDecoder()}
	decoder.onFirst = func() {
		path := filepath.Join(root, relPath)
		testsupport.WriteWAV(t, path, 22050, 1.0, 220)
		h, err := fingerprint.ContentHash(path)
		if err != nil {
			t.Errorf("content hash: %v", err)
			return
		}
		newHash = h
		err = store.UpsertSamples(t.Context(), []jobstore.SampleUpsert{{
			SampleID:    sampleID,
			ContentHash: h,
			Size:        2,
			MTimeNS:     2,
		}})
		if err != nil {
			t.Errorf("upsert rewritten sample: %v", err)
			return
		}
		if _, err := store.EnqueueJobs(t.Context(), []jobstore.JobSpec{{
			SampleID:    sampleID,
			JobType:     jobstore.JobTypeAnalyzeSample,
			ContentHash: h,
		}}); err != nil {
			t.Errorf("re-enqueue rewritten sample: %v", err)
		}
	}

	settings := testSettings()
	settings.Workers = 1
	settings.DecodeWorkers = 1

	sched, err := New(Options{
		Settings: settings,
		Sources:  staticSource("crate", root),
		Decoder:  decoder,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runCycle(t, sched)

	if n := decoder.decodes.Load(); n != 2 {
		t.Fatalf("decodes = %d, want 2 (stale run plus re-analysis)", n)
	}
	p, err := store.CurrentProgress(t.Context())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Done != 1 || p.Failed != 0 || p.Pending != 0 {
		t.Fatalf("progress = %+v, want the job done once", p)
	}

	staleKey := fingerprint.ContentKey{Hash: oldHash, AnalysisVersion: analysis.Version}
	if cached, err := store.GetCachedFeatures(t.Context(), staleKey, analysis.FeatVersion); err != nil || cached != nil {
		t.Fatalf("stale content left artifacts: %+v %v", cached, err)
	}
	freshKey := fingerprint.ContentKey{Hash: newHash, AnalysisVersion: analysis.Version}
	if cached, err := store.GetCachedFeatures(t.Context(), freshKey, analysis.FeatVersion); err != nil || cached == nil {
		t.Fatalf("rewritten content has no cached features: %v", err)
	}

	sample, err := store.GetSample(t.Context(), sampleID)
	if err != nil || sample == nil {
		t.Fatalf("sample row: %v", err)
	}
	if sample.ContentHash != newHash {
		t.Fatalf("sample hash = %q, want the rewritten hash", sample.ContentHash)
	}
	if sample.AnalysisVersion != analysis.Version {
		t.Fatalf("analysis version = %q, want %q", sample.AnalysisVersion, analysis.Version)
	}
	if emb, err := store.GetEmbedding(t.Context(), sampleID); err != nil || emb == nil {
		t.Fatalf("rewritten sample has no embedding: %v", err)
	}
}

func TestBackfillJobDecodesOncePerHash(t *testing.T) {
	root := testsupport.NewSourceRoot(t)
	store := testsupport.MustOpenStore(t, root)

	dupA, _ := seedSample(t, store, root, "crate", "hats/open.wav", 880)
	dupB, _ := seedSample(t, store, root, "crate", "hats/open-copy.wav", 880)
	solo, _ := seedSample(t, store, root, "crate", "hats/closed.wav", 1200)

	payload, err := backfill.EncodePayload([]string{dupA, dupB, solo})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	_, err = store.EnqueueJobs(t.Context(), []jobstore.JobSpec{{
		SampleID:    "backfill::hats-1",
		JobType:     jobstore.JobTypeEmbeddingBackfill,
		ContentHash: payload,
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	decoder := &countingDecoder{inner: analysis.NewWAVDecoder()}
	sched, err := New(Options{
		Settings: testSettings(),
		Sources:  staticSource("crate", root),
		Decoder:  decoder,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runCycle(t, sched)

	if n := decoder.decodes.Load(); n != 2 {
		t.Fatalf("decodes = %d, want 2 (one per distinct hash)", n)
	}

	embeddings, err := store.EmbeddingsForSamples(t.Context(), []string{dupA, dupB, solo})
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if len(embeddings) != 3 {
		t.Fatalf("embeddings written = %d, want 3", len(embeddings))
	}
	if string(embeddings[dupA].Vec) != string(embeddings[dupB].Vec) {
		t.Fatal("duplicate-content samples should share one embedding")
	}

	count, err := store.IndexEntryCount(t.Context())
	if err != nil {
		t.Fatalf("index count: %v", err)
	}
	if count != 3 {
		t.Fatalf("index entries = %d, want 3", count)
	}

	p, err := store.CurrentProgress(t.Context())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Done != 1 || p.Failed != 0 {
		t.Fatalf("progress = %+v, want the backfill job done", p)
	}
}
