// Package decodequeue buffers decode results between the decode and
// analysis worker pools.
package decodequeue

import (
	"context"
	"errors"
	"sync"
	"time"

	"cratedig/internal/analysis"
	"cratedig/internal/backfill"
	"cratedig/internal/dedup"
	"cratedig/internal/jobstore"
)

var (
	// ErrQueueClosed reports use after Close once the queue drained.
	ErrQueueClosed = errors.New("decode queue closed")
	// ErrDuplicatePending reports a push for a job whose earlier result is
	// still waiting in the queue.
	ErrDuplicatePending = errors.New("job already pending in decode queue")
)

// popWait bounds how long PopBatch blocks for a first item before giving
// up with an empty batch. Analysis workers use the empty result to run
// their housekeeping loop instead of parking indefinitely.
const popWait = 50 * time.Millisecond

// Kind classifies a decode outcome.
type Kind string

const (
	// KindDecoded carries audio ready for feature extraction.
	KindDecoded Kind = "decoded"
	// KindSkipped marks a sample that probe rejected, such as exceeding
	// the duration limit. The job still finishes as done.
	KindSkipped Kind = "skipped"
	// KindNotNeeded marks a job whose artifacts already exist, either a
	// content-hash cache hit or a backfill job that bypassed decoding.
	KindNotNeeded Kind = "not_needed"
	// KindFailed carries a decode error for retry accounting.
	KindFailed Kind = "decode_failed"
)

// Item is one decode outcome moving between the pools. It carries the
// store it was claimed from so finalization still works if the source is
// detached mid-flight.
type Item struct {
	Job      *jobstore.Job
	Store    *jobstore.Store
	SourceID string
	Root     string
	Kind     Kind

	// Audio is set for KindDecoded.
	Audio *analysis.DecodedAudio
	// DurationSeconds and SRUsed are set whenever probe or decode ran.
	DurationSeconds float64
	SRUsed          int
	// Err is set for KindFailed.
	Err error
	// CachedFeatures and CachedEmbedding are set for cache-hit
	// KindNotNeeded items so the analysis stage can apply them without
	// recomputation.
	CachedFeatures  *jobstore.CachedFeatures
	CachedEmbedding *jobstore.CachedEmbedding
	// Skip describes why a KindSkipped sample was rejected.
	Skip string
	// Backfill is set for embedding backfill jobs: the planned groups
	// with their decoded audio, for the analysis stage to embed and
	// batch-write.
	Backfill *backfill.Decoded
}

// dedupes reports whether this item participates in pending
// deduplication. Only analyze jobs do; backfill and bookkeeping outcomes
// are exempt because one job never produces two of them.
func (i Item) dedupes() bool {
	return i.Job != nil && i.Job.JobType == jobstore.JobTypeAnalyzeSample
}

// Queue is a bounded FIFO of decode outcomes with dedup-aware admission.
// Push blocks while the queue is full; PopBatch waits briefly for work and
// returns what accumulated.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	closed   bool
	tracker  *dedup.Tracker

	notEmpty chan struct{}
	notFull  chan struct{}
}

// New builds a queue with the given capacity, registering pending items
// with tracker.
func New(capacity int, tracker *dedup.Tracker) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if tracker == nil {
		tracker = dedup.NewTracker()
	}
	return &Queue{
		capacity: capacity,
		tracker:  tracker,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Push appends an outcome, blocking while the queue is full. Analyze items
// whose job is already pending are rejected with ErrDuplicatePending.
func (q *Queue) Push(ctx context.Context, item Item) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			if item.dedupes() && !q.tracker.MarkPending(item.Job.ID) {
				q.mu.Unlock()
				return ErrDuplicatePending
			}
			q.items = append(q.items, item)
			q.broadcast(&q.notEmpty)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// PopBatch removes and returns up to max items, waiting briefly when the
// queue is empty. An empty batch with a nil error means the wait timed
// out. Once the queue is closed and drained, PopBatch returns
// ErrQueueClosed.
func (q *Queue) PopBatch(ctx context.Context, max int) ([]Item, error) {
	if max < 1 {
		max = 1
	}

	q.mu.Lock()
	if len(q.items) == 0 {
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wait := q.notEmpty
		q.mu.Unlock()

		timer := time.NewTimer(popWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
		q.mu.Lock()
	}

	if len(q.items) == 0 {
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}
		return nil, nil
	}

	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]Item, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	for _, item := range batch {
		if item.dedupes() {
			q.tracker.ClearPending(item.Job.ID)
		}
	}
	q.broadcast(&q.notFull)
	q.mu.Unlock()
	return batch, nil
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops admissions. Buffered items stay poppable; once drained,
// PopBatch reports ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast(&q.notEmpty)
	q.broadcast(&q.notFull)
}

// broadcast wakes every waiter on a condition channel by closing it and
// installing a fresh one. Callers must hold q.mu.
func (q *Queue) broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
