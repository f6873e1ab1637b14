// Package dedup tracks which jobs are already moving through the decode
// pipeline so concurrent workers never process the same job twice.
package dedup

import "sync"

// Tracker guards two sets of job IDs: inflight (a decode worker owns the
// job right now) and pending (the decoded result waits in the queue for an
// analysis worker). A job passes TryMarkInflight exactly once until its
// inflight mark is cleared, and MarkPending rejects duplicates the same
// way.
type Tracker struct {
	mu       sync.Mutex
	inflight map[int64]struct{}
	pending  map[int64]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		inflight: make(map[int64]struct{}),
		pending:  make(map[int64]struct{}),
	}
}

// TryMarkInflight claims a job for decoding. Returns false when some other
// worker already holds it.
func (t *Tracker) TryMarkInflight(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.inflight[id]; exists {
		return false
	}
	t.inflight[id] = struct{}{}
	return true
}

// ClearInflight releases a decode claim.
func (t *Tracker) ClearInflight(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
}

// MarkPending records that a job's decoded result entered the queue.
// Returns false when the job is already pending.
func (t *Tracker) MarkPending(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return false
	}
	t.pending[id] = struct{}{}
	return true
}

// ClearPending releases a pending mark once the result leaves the queue.
func (t *Tracker) ClearPending(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// InflightIDs snapshots the ids currently held by decode workers.
func (t *Tracker) InflightIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.inflight))
	for id := range t.inflight {
		ids = append(ids, id)
	}
	return ids
}

// InflightLen returns how many jobs are being decoded.
func (t *Tracker) InflightLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// PendingLen returns how many decoded results await analysis.
func (t *Tracker) PendingLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
