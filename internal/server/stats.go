package server

import (
	"errors"
	"sync"
	"time"

	"ravensearch/internal/search"
)

// maxStatsEntries bounds the rolling indexing-batch stats kept per index so
// memory use doesn't grow without limit on a long-running, frequently
// committing index.
const maxStatsEntries = 25

// Retry policy for stats writes against the external transactional store:
// its optimistic concurrency control surfaces conflicts as
// search.ErrConcurrencyConflict, retried a bounded number of times with a
// short sleep; if every attempt fails, the last error is logged and dropped.
const (
	statsRetryAttempts = 10
	statsRetryBackoff  = 11 * time.Millisecond
)

// BatchStats records one indexing batch's outcome.
type BatchStats struct {
	DocsIndexed int
	DocsDeleted int
	DocsFailed  int
	DurationMS  int64
	Generation  uint64
}

// StatsSink receives each batch's stats, typically forwarding them to the
// host's transactional store. It may return search.ErrConcurrencyConflict
// to request a retry.
type StatsSink func(BatchStats) error

// StatsRing is a fixed-capacity ring buffer of the most recent batch stats.
type StatsRing struct {
	mu      sync.Mutex
	entries []BatchStats
	next    int
	full    bool
}

// NewStatsRing creates an empty ring with the standard bound.
func NewStatsRing() *StatsRing {
	return &StatsRing{entries: make([]BatchStats, maxStatsEntries)}
}

// Push records a new batch, evicting the oldest entry once full.
func (r *StatsRing) Push(s BatchStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = s
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// pushStats records batch stats in the in-memory ring and, when a
// StatsSink is wired, forwards them with the bounded
// concurrency-conflict retry. The ring always gets the entry; only the
// sink is retried, and a sink that keeps conflicting is logged and
// dropped rather than failing the commit that produced the stats.
func (inst *IndexInstance) pushStats(s BatchStats) {
	inst.Stats.Push(s)

	if inst.StatsSink == nil {
		return
	}

	var err error
	for attempt := 0; attempt < statsRetryAttempts; attempt++ {
		err = inst.StatsSink(s)
		if err == nil {
			return
		}
		if !errors.Is(err, search.ErrConcurrencyConflict) {
			break
		}
		time.Sleep(statsRetryBackoff)
	}
	inst.logger.Warn("stats update failed", "generation", s.Generation, "error", err)
}

// Recent returns the stored batches, most recent last.
func (r *StatsRing) Recent() []BatchStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]BatchStats, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]BatchStats, len(r.entries))
	copy(out, r.entries[r.next:])
	copy(out[len(r.entries)-r.next:], r.entries[:r.next])
	return out
}
