// Package progress keeps the latest job-queue counts per source so status
// surfaces read a cheap in-memory snapshot instead of hitting SQLite on
// every refresh.
package progress

import (
	"sort"
	"sync"
	"time"

	"cratedig/internal/jobstore"
)

// Entry is one source's most recent counts plus when they were observed.
type Entry struct {
	SourceID  string
	Progress  jobstore.Progress
	UpdatedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Set records the latest counts for a source.
func (c *Cache) Set(sourceID string, p jobstore.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sourceID] = Entry{SourceID: sourceID, Progress: p, UpdatedAt: time.Now()}
}

// Get returns the cached counts for a source.
func (c *Cache) Get(sourceID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sourceID]
	return entry, ok
}

// Snapshot returns all entries ordered by source ID.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Active reports whether any cached source still has pending or running
// jobs. Pollers use it to pick their refresh interval.
func (c *Cache) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Progress.Active() {
			return true
		}
	}
	return false
}

// Forget drops sources not present in keep, so removed sources stop
// appearing in status output.
func (c *Cache) Forget(keep map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		if _, ok := keep[id]; !ok {
			delete(c.entries, id)
		}
	}
}
