package server

import (
	"errors"
	"log/slog"
	"testing"

	"ravensearch/internal/search"
)

func TestStatsRing_BoundedAt25(t *testing.T) {
	r := NewStatsRing()
	for i := 0; i < 40; i++ {
		r.Push(BatchStats{Generation: uint64(i + 1)})
	}

	recent := r.Recent()
	if len(recent) != maxStatsEntries {
		t.Fatalf("Recent() length = %d, want %d", len(recent), maxStatsEntries)
	}
	// Oldest surviving entry is generation 16, newest is 40, in order.
	if recent[0].Generation != 16 {
		t.Errorf("oldest retained generation = %d, want 16", recent[0].Generation)
	}
	if recent[len(recent)-1].Generation != 40 {
		t.Errorf("newest retained generation = %d, want 40", recent[len(recent)-1].Generation)
	}
}

func TestPushStats_RetriesConcurrencyConflicts(t *testing.T) {
	inst := &IndexInstance{Stats: NewStatsRing(), logger: slog.Default()}

	attempts := 0
	inst.StatsSink = func(s BatchStats) error {
		attempts++
		if attempts < 4 {
			return search.ErrConcurrencyConflict
		}
		return nil
	}

	inst.pushStats(BatchStats{Generation: 1})

	if attempts != 4 {
		t.Fatalf("sink attempts = %d, want 4 (3 conflicts then success)", attempts)
	}
	if len(inst.Stats.Recent()) != 1 {
		t.Fatal("ring should record the entry regardless of sink retries")
	}
}

func TestPushStats_NonConflictErrorNotRetried(t *testing.T) {
	inst := &IndexInstance{Stats: NewStatsRing(), logger: slog.Default()}

	attempts := 0
	inst.StatsSink = func(s BatchStats) error {
		attempts++
		return errors.New("store offline")
	}

	inst.pushStats(BatchStats{Generation: 1})

	if attempts != 1 {
		t.Fatalf("sink attempts = %d, want 1 (non-conflict errors are not retried)", attempts)
	}
}

func TestPushStats_GivesUpAfterBoundedConflicts(t *testing.T) {
	inst := &IndexInstance{Stats: NewStatsRing(), logger: slog.Default()}

	attempts := 0
	inst.StatsSink = func(s BatchStats) error {
		attempts++
		return search.ErrConcurrencyConflict
	}

	inst.pushStats(BatchStats{Generation: 1})

	if attempts != statsRetryAttempts {
		t.Fatalf("sink attempts = %d, want %d", attempts, statsRetryAttempts)
	}
}
