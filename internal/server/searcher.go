package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"ravensearch/internal/analysis"
	"ravensearch/internal/engine"
	"ravensearch/internal/indexing"
	"ravensearch/internal/search"
	"ravensearch/internal/snapshot"
)

// defaultQueryTimeout bounds a single query execution; the engine's
// ExecutionContext enforces it amortized, alongside the caller's context.
const defaultQueryTimeout = 30 * time.Second

// readSegmentFile reads one logical segment file, from the in-memory
// directory while the index is memory-backed and from disk after it has
// materialized.
func (inst *IndexInstance) readSegmentFile(segID, name string) ([]byte, error) {
	if md := inst.memDir.Load(); md != nil {
		return md.ReadFile("segments/" + segID + "/" + name)
	}
	return os.ReadFile(inst.Dir.SegmentFile(segID, name))
}

// refreshSearcher rebuilds the committed read view from the current
// manifest's segments and publishes it through the Holder. Readers holding
// the previous view keep it until they release; new queries see the new
// generation immediately. Called once per commit or merge that changed
// documents, and once at open for an index with existing segments.
func (inst *IndexInstance) refreshSearcher() error {
	inst.manifestMu.RLock()
	manifest := inst.currentManifest
	inst.manifestMu.RUnlock()
	if manifest == nil {
		return nil
	}

	buf, err := loadCommittedBuffer(inst, manifest)
	if err != nil {
		return fmt.Errorf("refresh searcher at generation %d: %w", manifest.Generation, err)
	}

	state := snapshot.NewSearcherState(manifest.Generation, buf, buf.StoredFields)
	inst.Holder.SetCurrent(state, false)
	inst.metrics.setSearcherRefcount(inst.Name, float64(state.RefCount()))
	return nil
}

// Query runs one search against the most recently published committed view.
// The searcher guard is held for the whole execution, so commits landing
// mid-query cannot change what this query observes. A brand-new index with
// nothing committed yet falls back to the live write buffer.
func (inst *IndexInstance) Query(ctx context.Context, req search.Request) (*search.Result, uint64, error) {
	defer inst.LastQueryTime.Store(time.Now().UnixNano())

	if req.MaxOutputsPerDocument == 0 {
		req.MaxOutputsPerDocument = inst.maxOutputsPerDocument()
	}

	// Query triggers run in registration order, each seeing the previous
	// trigger's rewrite.
	for _, trigger := range inst.Extensions.QueryTriggers {
		req = trigger.RewriteQuery(inst.Name, req)
	}

	var (
		buf        *indexing.WriteBuffer
		generation uint64
	)
	state, release, ok := inst.Holder.Acquire()
	if ok {
		defer release()
		buf = state.Buffer
		generation = state.Generation
		inst.metrics.setSearcherRefcount(inst.Name, float64(state.RefCount()))
	} else {
		buf = inst.CurrentBuffer()
	}

	// The query-time analyzer stack normalizes clause values the same way
	// the indexing stack normalized the terms they must match. It is
	// per-query (generators may carry per-operation state) and closed on
	// every exit path.
	var queryStack *analysis.Stack
	if stack, err := analysis.BuildQueryingStack(inst.Schema, inst.Registry, inst.Extensions.AnalyzerGenerators); err == nil {
		queryStack = stack
		defer func() { _ = stack.Close() }()
	} else {
		inst.logger.Warn("query analyzer stack unavailable, matching verbatim terms", "error", err)
	}

	result, err := search.Execute(search.ExecuteOptions{
		Ctx:        ctx,
		Disabled:   inst.Priority() == PriorityError || inst.Priority() == PriorityDisabled,
		Buffer:     buf,
		Schema:     inst.Schema,
		ExecCtx:    engine.NewExecutionContext(defaultQueryTimeout, 10000, 1000),
		QueryStack: queryStack,
		Request:    req,
	})
	if err != nil {
		return nil, generation, err
	}
	return result, generation, nil
}

// Remove marks the given external document keys deleted. The deletions
// land in the active writer's buffer and take effect at the next commit;
// a writer is acquired on the caller's behalf when none is held.
func (inst *IndexInstance) Remove(keys []string) error {
	inst.writerMu.Lock()
	w := inst.writer
	inst.writerMu.Unlock()

	if w == nil {
		var err error
		w, err = inst.AcquireWriter()
		if err != nil {
			return err
		}
	}

	for _, key := range keys {
		if err := w.DeleteDocument(key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}
