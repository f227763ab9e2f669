package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ravensearch/internal/analysis"
	"ravensearch/internal/backup"
	"ravensearch/internal/commit"
	"ravensearch/internal/config"
	"ravensearch/internal/index"
	"ravensearch/internal/indexing"
	"ravensearch/internal/recovery"
	"ravensearch/internal/snapshot"
	"ravensearch/internal/storage"
)

var (
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrWriterBusy    = errors.New("writer is held by another operation")
	ErrIndexEmpty    = errors.New("no documents to commit")
	ErrIndexDisabled = errors.New("index priority forbids this operation")

	// ErrIndexWriteFailed wraps any writer-level failure inside a commit or
	// merge; each occurrence also counts against the write-error threshold.
	ErrIndexWriteFailed = errors.New("index write failed")
)

// writeErrorThreshold is the number of per-document write errors an index
// tolerates before its priority is forced to Error. This is a one-way
// transition: nothing resets it automatically, an operator must act.
const writeErrorThreshold = 10

// maxWriteErrorLog bounds the in-memory per-document error log so a
// pathological batch can't grow it unboundedly.
const maxWriteErrorLog = 100

// WriteError is one failed document write, kept for operator diagnosis.
type WriteError struct {
	DocID   string
	Message string
	At      time.Time
}

// AlertFunc is invoked when an index crosses into Priority Error. The host
// process wires this to its own alerting; a nil AlertFunc is a no-op.
type AlertFunc func(indexName string, errCount int64)

// IndexInstance holds all runtime state for a single index.
type IndexInstance struct {
	Name     string
	Dir      *index.IndexDir
	Schema   *index.Schema
	Registry *analysis.Registry

	// Writer state (single-writer model).
	writerMu sync.Mutex
	writer   *indexing.Writer

	// Snapshot manager for reader isolation.
	Snapshots *snapshot.Manager

	// Holder publishes the committed read view queries search against.
	Holder *snapshot.Holder

	// Committer for the 7-phase commit protocol.
	Committer *commit.Committer

	// memDir is non-nil while the index is memory-backed (created under
	// run_in_memory and not yet materialized); materializeLocked clears it
	// once the directory is durable on disk.
	memDir atomic.Pointer[index.MemDir]

	// Current manifest (nil for empty index).
	manifestMu      sync.RWMutex
	currentManifest *index.Manifest

	// priority is accessed atomically so query and indexing threads can
	// read it without contending on any other lock.
	priority atomic.Int32

	// LastIndexTime and LastQueryTime are unix-nano timestamps, updated on
	// every indexing batch and every completed query, respectively.
	LastIndexTime atomic.Int64
	LastQueryTime atomic.Int64

	// HighestEtag is the last etag successfully committed, used to resume
	// change-tracking after a restart.
	highestEtag atomic.Value // string

	errorCount atomic.Int64
	errorLog   struct {
		mu      sync.Mutex
		entries []WriteError
	}
	Stats *StatsRing

	// StatsSink, when set, receives every batch's stats (see pushStats for
	// the conflict-retry policy).
	StatsSink StatsSink

	// Extensions is this index's ordered extension registry, populated by
	// the host at construction.
	Extensions Extensions

	Alert AlertFunc

	// commitCount tracks how many commits this instance has done since it
	// was opened, so cfg.MaxIndexWritesBeforeRecreate can trigger an
	// automatic MergeSegments without the caller tracking it separately.
	commitCount atomic.Int64
	cfg         config.Config

	metrics *Metrics

	logger *slog.Logger
}

// maxOutputsPerDocument resolves the pagination fan-out cap for this index:
// a positive Schema.MaxIndexOutputsPerDocument override always wins,
// otherwise the config-level default applies (MapReduce vs Simple
// depending on Schema.IsMapReduce).
func (inst *IndexInstance) maxOutputsPerDocument() int {
	if inst.Schema.MaxIndexOutputsPerDocument > 0 {
		return inst.Schema.MaxIndexOutputsPerDocument
	}
	if inst.Schema.IsMapReduce {
		return inst.cfg.MaxMapReduceIndexOutputsPerDocument
	}
	return inst.cfg.MaxSimpleIndexOutputsPerDocument
}

// Priority returns the index's current indexing priority.
func (inst *IndexInstance) Priority() Priority {
	return Priority(inst.priority.Load())
}

// setPriority stores a new priority. Error is a one-way transition: once
// set it is never overwritten by this method.
func (inst *IndexInstance) setPriority(p Priority) {
	if Priority(inst.priority.Load()) == PriorityError {
		return
	}
	inst.priority.Store(int32(p))
}

// SetPriority is the operator-facing entry point (e.g. from an admin
// handler) and is allowed to move an index out of every state except
// Error, which is permanent until the index is recreated.
func (inst *IndexInstance) SetPriority(p Priority) error {
	if Priority(inst.priority.Load()) == PriorityError {
		return fmt.Errorf("index %s is in Error priority and cannot be changed", inst.Name)
	}
	inst.priority.Store(int32(p))
	return nil
}

// recordWriteError appends to the bounded error log and, on crossing
// writeErrorThreshold, forces the index into Priority Error and fires the
// alert hook exactly once (the one-way Store in setPriority/the Error
// check above ensures later crossings are silent).
func (inst *IndexInstance) recordWriteError(docID string, err error) {
	inst.errorLog.mu.Lock()
	if len(inst.errorLog.entries) >= maxWriteErrorLog {
		inst.errorLog.entries = inst.errorLog.entries[1:]
	}
	inst.errorLog.entries = append(inst.errorLog.entries, WriteError{
		DocID: docID, Message: err.Error(), At: time.Now().UTC(),
	})
	inst.errorLog.mu.Unlock()

	inst.metrics.incWriteErrors(inst.Name)
	n := inst.errorCount.Add(1)
	if n == writeErrorThreshold {
		wasError := Priority(inst.priority.Load()) == PriorityError
		inst.priority.Store(int32(PriorityError))
		if !wasError {
			inst.logger.Error("index forced into Error priority", "write_errors", n)
			if inst.Alert != nil {
				inst.Alert(inst.Name, n)
			}
		}
	}
}

// WriteErrors returns a copy of the recorded per-document write errors.
func (inst *IndexInstance) WriteErrors() []WriteError {
	inst.errorLog.mu.Lock()
	defer inst.errorLog.mu.Unlock()
	out := make([]WriteError, len(inst.errorLog.entries))
	copy(out, inst.errorLog.entries)
	return out
}

// IndexManager manages multiple indexes within a single process.
type IndexManager struct {
	rootDir  *index.RootDir
	logger   *slog.Logger
	registry *analysis.Registry
	metrics  *Metrics
	cfg      config.Config

	mu      sync.RWMutex
	indexes map[string]*IndexInstance
}

// NewIndexManager creates a new IndexManager rooted at the given data directory.
// metrics may be nil, in which case metrics collection is a no-op. cfg is
// applied to every index opened or created through this manager; the zero
// Config leaves every knob at zero rather than its config.Default() value
// (so MaxIndexWritesBeforeRecreate is 0 and auto-optimize is disabled);
// tests that don't care about the knobs can pass the zero value.
func NewIndexManager(dataDir string, logger *slog.Logger, metrics *Metrics, cfg config.Config) (*IndexManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rootDir := index.NewRootDir(dataDir)
	if err := rootDir.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure root directories: %w", err)
	}

	mgr := &IndexManager{
		rootDir:  rootDir,
		logger:   logger,
		registry: analysis.NewRegistry(),
		metrics:  metrics,
		cfg:      cfg,
		indexes:  make(map[string]*IndexInstance),
	}

	// Load existing indexes from disk.
	if err := mgr.loadExistingIndexes(); err != nil {
		return nil, fmt.Errorf("load existing indexes: %w", err)
	}

	return mgr, nil
}

// loadExistingIndexes discovers and opens all indexes on disk.
func (m *IndexManager) loadExistingIndexes() error {
	names, err := m.rootDir.ListIndexes()
	if err != nil {
		return err
	}

	for _, name := range names {
		m.logger.Info("loading index", "name", name)
		inst, err := m.openIndex(name)
		if err != nil {
			m.logger.Error("failed to load index", "name", name, "error", err)
			continue // Skip corrupt indexes, log error.
		}
		m.indexes[name] = inst
		m.logger.Info("index loaded",
			"name", name,
			"generation", inst.Snapshots.CurrentGeneration(),
		)
	}
	return nil
}

// openIndex opens an existing index from disk, running recovery.
func (m *IndexManager) openIndex(name string) (*IndexInstance, error) {
	idxDir := m.rootDir.IndexDir(name)

	// Load schema.
	schema, err := index.LoadSchema(idxDir)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	// A crashed writer can leave the advisory lock file behind; nothing
	// else can hold it while the index is being opened.
	if err := storage.RemoveStaleLockFile(idxDir.WriteLockPath()); err != nil {
		return nil, err
	}

	// Run crash recovery.
	recoveryOpts := recovery.DefaultOptions()
	recoveryOpts.Logger = m.logger.With("index", name, "phase", "recovery")
	result, err := recovery.Recover(idxDir, recoveryOpts)
	if err != nil {
		return nil, fmt.Errorf("recovery: %w", err)
	}

	// Extract segment IDs from recovered manifest.
	var segmentIDs []string
	if result.Manifest != nil {
		segmentIDs = make([]string, len(result.Manifest.Segments))
		for i, seg := range result.Manifest.Segments {
			segmentIDs[i] = seg.ID
		}
	}

	// Initialize snapshot manager.
	snapLogger := m.logger.With("index", name, "component", "snapshot")
	snapMgr := snapshot.NewManager(result.Generation, segmentIDs, snapLogger)

	// Initialize committer.
	commitOpts := commit.Options{
		SchemaVersion: schema.Version,
		Logger:        m.logger.With("index", name, "component", "commit"),
	}
	committer := commit.NewCommitter(idxDir, commitOpts)

	inst := &IndexInstance{
		Name:            name,
		Dir:             idxDir,
		Schema:          schema,
		Registry:        m.registry,
		Snapshots:       snapMgr,
		Holder:          snapshot.NewHolder(m.logger.With("index", name, "component", "searcher")),
		Committer:       committer,
		currentManifest: result.Manifest,
		Stats:           NewStatsRing(),
		cfg:             m.cfg,
		metrics:         m.metrics,
		logger:          m.logger.With("index", name),
	}
	inst.priority.Store(int32(PriorityNormal))
	if result.Manifest != nil {
		inst.highestEtag.Store(result.Manifest.CommitUserData["highest_etag"])
	} else {
		inst.highestEtag.Store("")
	}

	// Publish the recovered generation's read view so queries are served
	// from committed state immediately after open.
	if err := inst.refreshSearcher(); err != nil {
		return nil, err
	}
	return inst, nil
}

// CreateIndex creates a new index with the given schema.
func (m *IndexManager) CreateIndex(name string, schema *index.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[name]; exists {
		return ErrIndexExists
	}

	// Validate schema.
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	schema.CreatedAt = time.Now().UTC()
	if schema.Version == 0 {
		schema.Version = 1
	}

	// A memory-backed index creates nothing on disk until it materializes:
	// the IndexDir records where it will land, the MemDir holds everything
	// until then.
	idxDir := m.rootDir.IndexDir(name)
	if !m.cfg.RunInMemory {
		if err := idxDir.EnsureDirectories(); err != nil {
			return fmt.Errorf("create index directories: %w", err)
		}
		if err := index.WriteSchema(idxDir, schema); err != nil {
			// Clean up on failure.
			_ = os.RemoveAll(idxDir.Root)
			return fmt.Errorf("write schema: %w", err)
		}
	}

	// Initialize runtime state.
	snapLogger := m.logger.With("index", name, "component", "snapshot")
	snapMgr := snapshot.NewManager(0, nil, snapLogger)

	commitOpts := commit.Options{
		SchemaVersion: schema.Version,
		Logger:        m.logger.With("index", name, "component", "commit"),
	}
	committer := commit.NewCommitter(idxDir, commitOpts)

	inst := &IndexInstance{
		Name:      name,
		Dir:       idxDir,
		Schema:    schema,
		Registry:  m.registry,
		Snapshots: snapMgr,
		Holder:    snapshot.NewHolder(m.logger.With("index", name, "component", "searcher")),
		Committer: committer,
		Stats:     NewStatsRing(),
		cfg:       m.cfg,
		metrics:   m.metrics,
		logger:    m.logger.With("index", name),
	}
	inst.priority.Store(int32(PriorityNormal))
	inst.highestEtag.Store("")
	if m.cfg.RunInMemory {
		inst.memDir.Store(index.NewMemDir())
	}

	m.indexes[name] = inst
	m.logger.Info("index created", "name", name)
	return nil
}

// DeleteIndex removes an index and all its data.
func (m *IndexManager) DeleteIndex(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, exists := m.indexes[name]
	if !exists {
		return ErrIndexNotFound
	}

	// Check for active snapshots.
	if inst.Snapshots.ActiveSnapshotCount() > 0 {
		return fmt.Errorf("cannot delete index with %d active readers", inst.Snapshots.ActiveSnapshotCount())
	}

	inst.Dispose()

	// Remove from disk.
	if err := os.RemoveAll(inst.Dir.Root); err != nil {
		return fmt.Errorf("remove index directory: %w", err)
	}

	delete(m.indexes, name)
	m.logger.Info("index deleted", "name", name)
	return nil
}

// GetIndex returns the IndexInstance for the given name.
func (m *IndexManager) GetIndex(name string) (*IndexInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, exists := m.indexes[name]
	if !exists {
		return nil, ErrIndexNotFound
	}
	return inst, nil
}

// ListIndexes returns the names of all loaded indexes.
func (m *IndexManager) ListIndexes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.indexes))
	for name := range m.indexes {
		names = append(names, name)
	}
	return names
}

// writeLockTimeout is how long a single TryLock attempt waits before giving
// up and logging a diagnostic wait_reason, matching the bounded-wait style
// the commit protocol uses elsewhere rather than blocking indefinitely.
const writeLockTimeout = 100 * time.Millisecond

// AcquireWriter returns an exclusive writer for the index.
// The caller must call ReleaseWriter when done.
func (inst *IndexInstance) AcquireWriter() (*indexing.Writer, error) {
	if inst.Priority() == PriorityDisabled || inst.Priority() == PriorityError {
		return nil, ErrIndexDisabled
	}

	start := time.Now()
	acquired := inst.writerMu.TryLock()
	if !acquired {
		inst.logger.Warn("write lock contended", "wait_reason", "writer already held")
		deadline := time.Now().Add(writeLockTimeout)
		for time.Now().Before(deadline) && !acquired {
			time.Sleep(time.Millisecond)
			acquired = inst.writerMu.TryLock()
		}
	}
	if !acquired {
		return nil, ErrWriterBusy
	}
	inst.metrics.observeWriteLockWait(time.Since(start).Seconds())

	if inst.writer != nil {
		inst.writerMu.Unlock()
		return nil, ErrWriterBusy
	}
	w := indexing.NewWriterWithGenerators(inst.Schema, inst.Registry, inst.Extensions.AnalyzerGenerators)
	inst.writer = w
	inst.writerMu.Unlock()
	return w, nil
}

// CurrentBuffer returns the active writer's in-memory buffer, if any. It is
// the narrow seam internal/search uses to read index state without the
// server package importing search (which calls back into it from the HTTP
// handlers, so the dependency can only run one way).
func (inst *IndexInstance) CurrentBuffer() *indexing.WriteBuffer {
	inst.writerMu.Lock()
	defer inst.writerMu.Unlock()
	if inst.writer == nil {
		return nil
	}
	return inst.writer.Buffer()
}

// ReleaseWriter releases the exclusive writer.
func (inst *IndexInstance) ReleaseWriter() {
	inst.writerMu.Lock()
	if inst.writer != nil {
		inst.writer.Release()
		inst.writer = nil
	}
	inst.writerMu.Unlock()
}

// IngestDocuments adds documents to the writer's buffer, indexing each one
// independently: a single bad document records a write error and is
// skipped rather than failing the whole batch, matching the per-document
// error callback design (inst.recordWriteError, not a panic or an
// all-or-nothing batch failure).
func (inst *IndexInstance) IngestDocuments(docs []indexing.Document) error {
	inst.writerMu.Lock()
	w := inst.writer
	inst.writerMu.Unlock()

	if w == nil {
		return ErrWriterBusy
	}

	for i, doc := range docs {
		if err := w.AddDocument(doc); err != nil {
			docID, _ := doc.Fields["id"].(string)
			inst.recordWriteError(docID, err)
			inst.logger.Warn("document failed to index", "doc_index", i, "doc_id", docID, "error", err)
			continue
		}
		for _, trigger := range inst.Extensions.IndexUpdateTriggers {
			trigger.OnDocumentIndexed(inst.Name, doc)
		}
	}
	return nil
}

// Commit executes the 7-phase commit protocol (or its in-memory
// equivalent while the index is memory-backed), publishes a fresh searcher
// when any document changed, and runs the post-commit materialize and
// auto-optimize checks.
func (inst *IndexInstance) Commit(ctx context.Context) (*commit.CommitResult, error) {
	inst.LastIndexTime.Store(time.Now().UnixNano())
	defer inst.LastIndexTime.Store(time.Now().UnixNano())

	inst.writerMu.Lock()
	w := inst.writer
	inst.writerMu.Unlock()

	if w == nil {
		return nil, ErrWriterBusy
	}

	buf := w.Buffer()
	if buf.DocCount == 0 && len(buf.Deletions) == 0 {
		return nil, ErrIndexEmpty
	}

	start := time.Now()
	segData := buildSegmentData(buf)

	inst.manifestMu.RLock()
	currentManifest := inst.currentManifest
	inst.manifestMu.RUnlock()

	highestEtag, _ := inst.highestEtag.Load().(string)

	var result *commit.CommitResult
	unlock := func() {}
	if inst.memDir.Load() != nil {
		inst.writerMu.Lock()
		var err error
		result, err = inst.commitToMemory(segData, highestEtag, false)
		inst.writerMu.Unlock()
		if err != nil {
			inst.recordWriteError("", err)
			return nil, fmt.Errorf("%w: %v", ErrIndexWriteFailed, err)
		}
	} else {
		// The advisory lock file is obtained before any mutation of the
		// segment set; failing to get it is fatal for this call. It is
		// released (idempotently) before the post-commit hooks run, since
		// auto-optimize re-acquires it for the merge.
		var err error
		unlock, err = storage.AcquireLockFile(inst.Dir.WriteLockPath())
		if err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		defer unlock()

		result, err = inst.Committer.Commit(ctx, currentManifest, segData, highestEtag)
		if err != nil {
			inst.recordWriteError("", err)
			return nil, fmt.Errorf("%w: %v", ErrIndexWriteFailed, err)
		}

		newManifest, err := index.LoadManifest(inst.Dir, result.Generation)
		if err != nil {
			return nil, fmt.Errorf("load new manifest: %w", err)
		}
		inst.manifestMu.Lock()
		inst.currentManifest = newManifest
		inst.manifestMu.Unlock()
	}
	inst.metrics.observeCommitDuration(time.Since(start).Seconds())

	// Update snapshot manager and reclaim whatever fell out of the
	// manifest with no snapshot still pinning it.
	inst.manifestMu.RLock()
	segmentIDs := make([]string, len(inst.currentManifest.Segments))
	for i, seg := range inst.currentManifest.Segments {
		segmentIDs[i] = seg.ID
	}
	inst.manifestMu.RUnlock()
	inst.reclaimSegments(inst.Snapshots.UpdateGeneration(result.Generation, segmentIDs))

	docsIndexed := int(buf.DocCount)
	docsDeleted := len(buf.Deletions)

	// Reset writer buffer for next batch.
	w.Abort()

	// A clean commit resets the write-error counter; it does not undo an
	// already-crossed Error priority, which is one-way by design.
	inst.errorCount.Store(0)

	inst.pushStats(BatchStats{
		DocsIndexed: docsIndexed,
		DocsDeleted: docsDeleted,
		DurationMS:  result.Duration.Milliseconds(),
		Generation:  result.Generation,
	})

	// Exactly one searcher publication per commit that changed documents.
	if result.ChangedDocs > 0 {
		if err := inst.refreshSearcher(); err != nil {
			return result, fmt.Errorf("commit reached generation %d but searcher refresh failed: %w",
				result.Generation, err)
		}
	}

	inst.logger.Info("commit complete",
		"generation", result.Generation,
		"segment", result.SegmentID,
		"docs", docsIndexed,
		"deletes", docsDeleted,
		"duration", result.Duration,
	)

	unlock()
	inst.maybeMaterialize()
	inst.maybeAutoOptimize(ctx)

	return result, nil
}

// reclaimSegments deletes segments no longer referenced by the manifest or
// any snapshot, from the MemDir while memory-backed and from disk after.
func (inst *IndexInstance) reclaimSegments(segIDs []string) {
	md := inst.memDir.Load()
	for _, segID := range segIDs {
		if md != nil {
			md.RemovePrefix("segments/" + segID + "/")
			continue
		}
		if err := os.RemoveAll(inst.Dir.SegmentDir(segID)); err != nil {
			inst.logger.Warn("failed to reclaim segment", "segment", segID, "error", err)
		}
	}
}

// maybeAutoOptimize forces a MergeSegments once MaxIndexWritesBeforeRecreate
// commits have gone by since this instance was opened, the write-side
// counterpart to config.Config's documented "force a full segment merge"
// knob. A zero threshold leaves auto-optimize disabled. Failures are
// logged, not propagated: a skipped merge just means one more segment
// sticks around until the next threshold crossing.
func (inst *IndexInstance) maybeAutoOptimize(ctx context.Context) {
	threshold := inst.cfg.MaxIndexWritesBeforeRecreate
	if threshold <= 0 {
		return
	}
	if n := inst.commitCount.Add(1); n%int64(threshold) == 0 {
		if _, err := inst.MergeSegments(ctx); err != nil {
			inst.logger.Warn("auto-optimize failed", "error", err)
		}
	}
}

// Backup produces a point-in-time, restorable copy of this index's current
// generation under opts.DestRoot. It follows the hot-backup
// protocol: capture the manifest identity under the write lock, release
// the lock, pin a retention snapshot, copy whatever files the destination
// doesn't already have, and always release the snapshot on exit — even
// when CaptureIdentity or CopyIncremental reports a corrupt index.
func (inst *IndexInstance) Backup(opts backup.Options) (*backup.Result, error) {
	acquired := inst.writerMu.TryLock()
	if !acquired {
		inst.logger.Warn("write lock contended", "wait_reason", "backup capture-identity")
		deadline := time.Now().Add(writeLockTimeout)
		for time.Now().Before(deadline) && !acquired {
			time.Sleep(time.Millisecond)
			acquired = inst.writerMu.TryLock()
		}
	}
	if !acquired {
		return nil, ErrWriterBusy
	}

	// Step 1: a memory-backed index has nothing on disk to copy — force
	// the materialize transition before capturing identity.
	if err := inst.materializeLocked(); err != nil {
		inst.writerMu.Unlock()
		return nil, fmt.Errorf("backup %s: %w", inst.Name, err)
	}

	inst.manifestMu.RLock()
	generation := uint64(0)
	if inst.currentManifest != nil {
		generation = inst.currentManifest.Generation
	}
	inst.manifestMu.RUnlock()

	captureErr := backup.CaptureIdentity(inst.Dir, inst.Name, generation, opts)
	snap, snapErr := inst.Snapshots.Acquire()
	inst.writerMu.Unlock()

	if captureErr != nil {
		inst.logger.Warn("backup abandoned: capture identity failed", "index", inst.Name, "error", captureErr)
		return nil, fmt.Errorf("backup %s: %w", inst.Name, captureErr)
	}
	if snapErr != nil {
		return nil, fmt.Errorf("backup %s: acquire snapshot: %w", inst.Name, snapErr)
	}
	defer snap.Release()

	// A commit may have raced between the identity capture above and the
	// snapshot acquire; re-capture at the snapshot's actual generation so
	// the copied manifest and the pinned segments always agree.
	if snap.Generation != generation {
		if err := backup.CaptureIdentity(inst.Dir, inst.Name, snap.Generation, opts); err != nil {
			inst.logger.Warn("backup abandoned: re-capture identity failed", "index", inst.Name, "error", err)
			return nil, fmt.Errorf("backup %s: %w", inst.Name, err)
		}
	}

	return backup.CopyIncremental(inst.Dir, inst.Name, snap, opts)
}

// Flush forces any buffered, uncommitted documents to disk immediately,
// rather than waiting for the host process's own batching policy to call
// Commit. An empty buffer is a no-op, not an error — unlike Commit, which
// the caller only reaches after deciding there is something to commit.
func (inst *IndexInstance) Flush(ctx context.Context) (*commit.CommitResult, error) {
	inst.writerMu.Lock()
	w := inst.writer
	inst.writerMu.Unlock()

	if w == nil || (w.Buffer().DocCount == 0 && len(w.Buffer().Deletions) == 0) {
		return nil, nil
	}
	return inst.Commit(ctx)
}

// MergeSegments folds every segment in the current manifest into a single
// segment (RavenDB's Optimize), trading the disk space and IO of reading
// every segment back in for fewer, larger segments to search and fewer
// open file handles. It runs under the same write lock as Commit, since
// merging and indexing both publish new manifests through the committer and
// must not race each other.
func (inst *IndexInstance) MergeSegments(ctx context.Context) (*commit.CommitResult, error) {
	acquired := inst.writerMu.TryLock()
	if !acquired {
		inst.logger.Warn("write lock contended", "wait_reason", "merge segments")
		deadline := time.Now().Add(writeLockTimeout)
		for time.Now().Before(deadline) && !acquired {
			time.Sleep(time.Millisecond)
			acquired = inst.writerMu.TryLock()
		}
	}
	if !acquired {
		return nil, ErrWriterBusy
	}
	defer inst.writerMu.Unlock()

	inst.manifestMu.RLock()
	manifest := inst.currentManifest
	inst.manifestMu.RUnlock()

	if manifest == nil || len(manifest.Segments) <= 1 {
		return nil, nil
	}

	memBacked := inst.memDir.Load() != nil

	var unlock func()
	if !memBacked {
		var err error
		unlock, err = storage.AcquireLockFile(inst.Dir.WriteLockPath())
		if err != nil {
			return nil, fmt.Errorf("merge segments: %w", err)
		}
		defer unlock()
	}

	buf, err := mergeSegmentsIntoBuffer(inst, manifest)
	if err != nil {
		return nil, fmt.Errorf("merge segments: %w", err)
	}

	segData := buildSegmentData(buf)
	highestEtag, _ := inst.highestEtag.Load().(string)

	var result *commit.CommitResult
	if memBacked {
		result, err = inst.commitToMemory(segData, highestEtag, true)
		if err != nil {
			inst.recordWriteError("", err)
			return nil, fmt.Errorf("%w: merge: %v", ErrIndexWriteFailed, err)
		}
	} else {
		result, err = inst.Committer.CommitMerge(ctx, manifest, segData, highestEtag)
		if err != nil {
			inst.recordWriteError("", err)
			return nil, fmt.Errorf("%w: merge: %v", ErrIndexWriteFailed, err)
		}

		newManifest, err := index.LoadManifest(inst.Dir, result.Generation)
		if err != nil {
			return nil, fmt.Errorf("load merged manifest: %w", err)
		}
		inst.manifestMu.Lock()
		inst.currentManifest = newManifest
		inst.manifestMu.Unlock()
	}

	inst.reclaimSegments(inst.Snapshots.UpdateGeneration(result.Generation, []string{result.SegmentID}))

	if err := inst.refreshSearcher(); err != nil {
		return result, fmt.Errorf("merge reached generation %d but searcher refresh failed: %w",
			result.Generation, err)
	}

	inst.logger.Info("merge complete", "generation", result.Generation, "segment", result.SegmentID,
		"segments_merged", len(manifest.Segments))
	return result, nil
}

// Dispose releases this instance's runtime resources ahead of the index
// being removed from the manager's map or the process shutting down: it
// stops accepting new writes and releases any writer currently held. It
// does not touch the index's on-disk data — DeleteIndex does that
// separately, after confirming no readers remain.
func (inst *IndexInstance) Dispose() {
	inst.setPriority(PriorityDisabled)

	inst.writerMu.Lock()
	if inst.writer != nil {
		inst.writer.Release()
		inst.writer = nil
	}
	inst.writerMu.Unlock()

	// Unpublish the searcher and give in-flight queries a bounded window
	// to finish with it.
	inst.Holder.Shutdown()
}

// buildSegmentData converts a WriteBuffer into SegmentData for the
// committer. Segment bodies are compressed before the committer computes
// their checksums (checksums cover what actually lands on disk): fst.bin
// with zstd (rewritten less often, benefits from a better ratio),
// postings.bin/stored.bin — and the docmap/deletions sidecars — with
// snappy (rewritten every commit, favor throughput). docmap.bin carries
// the external→internal doc ID mapping so committed segments can be read
// back into a searcher view; deletions.bin carries the external IDs this
// batch deleted from earlier segments.
func buildSegmentData(buf *indexing.WriteBuffer) *commit.SegmentData {
	files := make(map[string][]byte)

	fstData := storage.CompressZstd(serializeTermDictionary(buf))
	files["fst.bin"] = fstData

	postingsData := storage.CompressSnappy(serializePostings(buf))
	files["postings.bin"] = postingsData

	storedData := storage.CompressSnappy(serializeStoredFields(buf))
	files["stored.bin"] = storedData

	docMapData, _ := encodeJSON(buf.ExternalToInternal)
	files["docmap.bin"] = storage.CompressSnappy(docMapData)

	deletions := make([]string, 0, len(buf.Deletions))
	for ext := range buf.Deletions {
		deletions = append(deletions, ext)
	}
	sort.Strings(deletions)
	deletionsData, _ := encodeJSON(deletions)
	files["deletions.bin"] = storage.CompressSnappy(deletionsData)

	// Segment metadata.
	metaData := serializeSegmentMeta(buf)
	files["meta.json"] = metaData

	return &commit.SegmentData{
		Files:         files,
		DocCount:      uint32(buf.DocCount),
		DocCountAlive: uint32(buf.DocCount),
		DelCount:      uint32(len(buf.Deletions)),
		MinDocID:      0,
		MaxDocID:      uint64(buf.NextDocID),
	}
}

// serializeTermDictionary serializes the inverted index term dictionary.
func serializeTermDictionary(buf *indexing.WriteBuffer) []byte {
	// MVP: collect all unique terms per field.
	type termEntry struct {
		Field string `json:"field"`
		Term  string `json:"term"`
		Count int    `json:"count"`
	}
	var entries []termEntry
	for field, terms := range buf.InvertedIndex {
		for term, pl := range terms {
			entries = append(entries, termEntry{
				Field: field,
				Term:  term,
				Count: len(pl.Entries),
			})
		}
	}
	data, _ := encodeJSON(entries)
	return data
}

// serializePostings serializes postings lists.
func serializePostings(buf *indexing.WriteBuffer) []byte {
	data, _ := encodeJSON(buf.InvertedIndex)
	return data
}

// serializeStoredFields serializes stored field values.
func serializeStoredFields(buf *indexing.WriteBuffer) []byte {
	data, _ := encodeJSON(buf.StoredFields)
	return data
}

// serializeSegmentMeta serializes segment metadata.
func serializeSegmentMeta(buf *indexing.WriteBuffer) []byte {
	meta := map[string]interface{}{
		"doc_count":  buf.DocCount,
		"term_count": buf.TermCount,
	}
	data, _ := encodeJSON(meta)
	return data
}

// IndexInfo returns summary information about an index.
func (inst *IndexInstance) IndexInfo() map[string]interface{} {
	inst.manifestMu.RLock()
	manifest := inst.currentManifest
	inst.manifestMu.RUnlock()

	info := map[string]interface{}{
		"name":             inst.Name,
		"generation":       inst.Snapshots.CurrentGeneration(),
		"active_snapshots": inst.Snapshots.ActiveSnapshotCount(),
		"schema_version":   inst.Schema.Version,
		"fields":           len(inst.Schema.Fields),
		"priority":         inst.Priority().String(),
		"write_errors":     inst.errorCount.Load(),
		"last_index_time":  time.Unix(0, inst.LastIndexTime.Load()).UTC(),
		"last_query_time":  time.Unix(0, inst.LastQueryTime.Load()).UTC(),
	}

	if manifest != nil {
		info["segments"] = len(manifest.Segments)
		info["total_docs"] = manifest.TotalDocs
		info["total_docs_alive"] = manifest.TotalDocsAlive
		info["total_size_bytes"] = manifest.TotalSizeBytes
	} else {
		info["segments"] = 0
		info["total_docs"] = 0
	}

	// Include buffer stats if writer is active.
	inst.writerMu.Lock()
	if inst.writer != nil {
		buf := inst.writer.Buffer()
		info["buffer_docs"] = buf.DocCount
		info["buffer_memory_bytes"] = buf.MemoryUsed()
	}
	inst.writerMu.Unlock()

	return info
}

