package jobstore

import "time"

// JobType enumerates the closed set of work the pipeline performs.
type JobType string

const (
	// JobTypeAnalyzeSample decodes one sample and computes its features
	// and embedding.
	JobTypeAnalyzeSample JobType = "analyze_sample"
	// JobTypeEmbeddingBackfill writes already-computed embeddings for a
	// group of samples into the similarity index.
	JobTypeEmbeddingBackfill JobType = "embedding_backfill"
)

// KnownJobType reports whether value names a job type this build handles.
func KnownJobType(value JobType) bool {
	switch value {
	case JobTypeAnalyzeSample, JobTypeEmbeddingBackfill:
		return true
	default:
		return false
	}
}

// Status represents the lifecycle of an analysis job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is a queue row as stored.
type Job struct {
	ID          int64
	SampleID    string
	JobType     JobType
	ContentHash string
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	RunningAt   *time.Time
	LastError   string
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	SampleID    string
	JobType     JobType
	ContentHash string
}

// Sample is a catalog row for one audio file.
type Sample struct {
	SampleID        string
	ContentHash     string
	Size            int64
	MTimeNS         int64
	DurationSeconds *float64
	SRUsed          *int
	AnalysisVersion string
}

// SampleUpsert carries scan results into the catalog.
type SampleUpsert struct {
	SampleID    string
	ContentHash string
	Size        int64
	MTimeNS     int64
}

// FeatureRow is a computed feature vector for a sample.
type FeatureRow struct {
	SampleID    string
	FeatVersion int
	Vec         []byte
	ComputedAt  time.Time
}

// EmbeddingRow is a computed embedding for a sample.
type EmbeddingRow struct {
	SampleID  string
	ModelID   string
	Dim       int
	Dtype     string
	L2Normed  bool
	Vec       []byte
	CreatedAt time.Time
}

// CachedFeatures is an artifact-cache hit keyed by content.
type CachedFeatures struct {
	ContentHash     string
	AnalysisVersion string
	FeatVersion     int
	Vec             []byte
	ComputedAt      time.Time
	DurationSeconds *float64
	SRUsed          *int
}

// CachedEmbedding is an embedding-cache hit keyed by content.
type CachedEmbedding struct {
	ContentHash     string
	AnalysisVersion string
	ModelID         string
	Dim             int
	Dtype           string
	L2Normed        bool
	Vec             []byte
	CreatedAt       time.Time
}

// Progress aggregates job and sample counts for one source database.
// SamplesActive counts distinct samples that still have a pending or
// running job.
type Progress struct {
	Pending       int
	Running       int
	Done          int
	Failed        int
	Samples       int
	SamplesActive int
}

// Active reports whether any work remains in flight or waiting.
func (p Progress) Active() bool {
	return p.Pending > 0 || p.Running > 0
}

// Total returns the number of jobs across every status.
func (p Progress) Total() int {
	return p.Pending + p.Running + p.Done + p.Failed
}

// RunningJob describes an in-flight row for diagnostics.
type RunningJob struct {
	ID        int64
	SampleID  string
	JobType   JobType
	Attempts  int
	RunningAt time.Time
}
