package snapshot

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ravensearch/internal/indexing"
)

// ShutdownDrainTimeout bounds how long Holder.Shutdown waits for the last
// reader of the published state to let go before giving up with a warning.
const ShutdownDrainTimeout = 5 * time.Second

// SearcherState is one published, read-only view of the index: the
// committed inverted-index buffer a reader searches, the materialized
// per-document stored fields for fast projection, and the generation the
// view was built from.
//
// Lifetime is refcounted. A state is born with one reference — the
// publication pin held by the Holder while the state is current — so its
// count never drops below 1 while published. Acquire adds a reference per
// reader; the state's drained channel closes when the count reaches zero,
// which can only happen after the Holder has replaced it AND every reader
// has released.
type SearcherState struct {
	Generation uint64

	// Buffer is the committed index view. Readers must treat it as
	// immutable; it is rebuilt from segment files on every publication and
	// never mutated afterwards.
	Buffer *indexing.WriteBuffer

	// Stored maps internal doc ID → stored fields, materialized once at
	// publication so projection never re-reads segment files per hit.
	Stored map[uint32]map[string][]byte

	refs    atomic.Int64
	drained chan struct{}
	once    sync.Once
}

// NewSearcherState creates a state holding one publication reference.
func NewSearcherState(generation uint64, buffer *indexing.WriteBuffer, stored map[uint32]map[string][]byte) *SearcherState {
	s := &SearcherState{
		Generation: generation,
		Buffer:     buffer,
		Stored:     stored,
		drained:    make(chan struct{}),
	}
	s.refs.Store(1)
	return s
}

// RefCount returns the current strong-reference count.
func (s *SearcherState) RefCount() int64 {
	return s.refs.Load()
}

// tryAcquire increments the refcount unless the state has already drained
// to zero (it raced with its final release), in which case it reports false
// and the caller must re-read the holder's current pointer.
func (s *SearcherState) tryAcquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops one reference. The last release closes drained exactly once.
func (s *SearcherState) release() {
	if n := s.refs.Add(-1); n == 0 {
		s.once.Do(func() { close(s.drained) })
	} else if n < 0 {
		panic("snapshot: searcher state refcount went negative")
	}
}

// Drained reports whether every reference, including the publication pin,
// has been released.
func (s *SearcherState) Drained() bool {
	select {
	case <-s.drained:
		return true
	default:
		return false
	}
}

// ReleaseWaiter lets a publisher wait for the previously-current state to
// be released by its last reader. A nil ReleaseWaiter waits for nothing.
type ReleaseWaiter struct {
	drained <-chan struct{}
}

// Wait blocks until the previous state drains or timeout elapses. It
// returns true when the drain completed in time.
func (w *ReleaseWaiter) Wait(timeout time.Duration) bool {
	if w == nil || w.drained == nil {
		return true
	}
	select {
	case <-w.drained:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Holder publishes at most one current SearcherState while keeping any
// number of older states alive for readers that acquired them before the
// swap. Publication is a lock-free atomic pointer swap; readers never
// block writers and writers never block readers.
type Holder struct {
	current atomic.Pointer[SearcherState]
	logger  *slog.Logger
}

// NewHolder creates an empty Holder (no published state; Acquire reports
// no view until the first SetCurrent).
func NewHolder(logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{logger: logger}
}

// SetCurrent atomically replaces the published state with next (which may
// be nil at shutdown). The previous state is not destroyed — its
// publication pin is dropped, and it drains whenever its last reader
// releases. When wait is true the returned ReleaseWaiter tracks that
// drain; otherwise the return value is nil and the previous state is left
// to drain in the background.
func (h *Holder) SetCurrent(next *SearcherState, wait bool) *ReleaseWaiter {
	prev := h.current.Swap(next)
	if next != nil {
		h.logger.Debug("searcher published", "generation", next.Generation)
	}
	if prev == nil {
		return nil
	}

	var waiter *ReleaseWaiter
	if wait {
		waiter = &ReleaseWaiter{drained: prev.drained}
	}
	prev.release()
	return waiter
}

// Acquire pins and returns the current state. The release guard MUST be
// called on every exit path; calling it more than once is safe. ok is
// false when no state has been published yet.
func (h *Holder) Acquire() (state *SearcherState, release func(), ok bool) {
	for {
		cur := h.current.Load()
		if cur == nil {
			return nil, func() {}, false
		}
		if cur.tryAcquire() {
			var once sync.Once
			return cur, func() { once.Do(cur.release) }, true
		}
		// Lost a race with the state's final release; the holder has
		// already moved on, re-read it.
	}
}

// AcquireWithStoredFields is Acquire plus the precomputed stored-fields
// array, for projection paths that would otherwise reopen each document.
func (h *Holder) AcquireWithStoredFields() (state *SearcherState, stored map[uint32]map[string][]byte, release func(), ok bool) {
	st, rel, ok := h.Acquire()
	if !ok {
		return nil, nil, rel, false
	}
	return st, st.Stored, rel, true
}

// Generation returns the published state's generation, or 0 when nothing
// has been published.
func (h *Holder) Generation() uint64 {
	if cur := h.current.Load(); cur != nil {
		return cur.Generation
	}
	return 0
}

// Shutdown unpublishes the current state and waits, bounded, for its
// readers to drain. A timeout is logged as a warning, not an error — the
// process is exiting either way and segment files are immutable, so a
// straggling reader can only observe a consistent, stale view.
func (h *Holder) Shutdown() {
	waiter := h.SetCurrent(nil, true)
	if waiter == nil {
		return
	}
	if !waiter.Wait(ShutdownDrainTimeout) {
		h.logger.Warn("searcher holder shutdown: readers still holding state after drain timeout",
			"timeout", ShutdownDrainTimeout)
	}
}
