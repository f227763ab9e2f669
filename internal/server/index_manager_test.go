package server

import (
	"context"
	"testing"

	"ravensearch/internal/config"
	"ravensearch/internal/indexing"
	"ravensearch/internal/testutil"
)

func newTestManager(t *testing.T) *IndexManager {
	t.Helper()
	dir := t.TempDir()
	mgr, err := NewIndexManager(dir, nil, nil, config.Config{})
	if err != nil {
		t.Fatalf("NewIndexManager: %v", err)
	}
	return mgr
}

func commitSampleBatch(t *testing.T, inst *IndexInstance, tag string) {
	t.Helper()
	if _, err := inst.AcquireWriter(); err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	docs := []indexing.Document{{Fields: map[string]interface{}{
		"id":    tag,
		"title": "merge test " + tag,
		"body":  "segment content for " + tag,
		"tags":  []interface{}{tag},
	}}}
	if err := inst.IngestDocuments(docs); err != nil {
		t.Fatalf("IngestDocuments: %v", err)
	}
	if _, err := inst.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	inst.ReleaseWriter()
}

func TestFlush_NoActiveWriterIsNoop(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.CreateIndex("idx", testutil.BasicSchema()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	inst, err := mgr.GetIndex("idx")
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}

	result, err := inst.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result != nil {
		t.Fatalf("Flush on empty index should be a no-op, got %+v", result)
	}
}

func TestFlush_CommitsBufferedDocuments(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.CreateIndex("idx", testutil.BasicSchema()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	inst, err := mgr.GetIndex("idx")
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}

	if _, err := inst.AcquireWriter(); err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if err := inst.IngestDocuments(testutil.SampleDocuments()); err != nil {
		t.Fatalf("IngestDocuments: %v", err)
	}

	result, err := inst.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result == nil {
		t.Fatal("Flush with buffered documents should commit, got nil result")
	}
	if result.Generation != 1 {
		t.Errorf("Generation = %d, want 1", result.Generation)
	}
}

func TestMergeSegments_FoldsMultipleSegmentsIntoOne(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.CreateIndex("idx", testutil.BasicSchema()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	inst, err := mgr.GetIndex("idx")
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}

	commitSampleBatch(t, inst, "a")
	commitSampleBatch(t, inst, "b")
	commitSampleBatch(t, inst, "c")

	if got := len(inst.currentManifest.Segments); got != 3 {
		t.Fatalf("segments before merge = %d, want 3", got)
	}

	result, err := inst.MergeSegments(context.Background())
	if err != nil {
		t.Fatalf("MergeSegments: %v", err)
	}
	if result == nil {
		t.Fatal("MergeSegments across 3 segments should not be a no-op")
	}

	inst.manifestMu.RLock()
	segments := inst.currentManifest.Segments
	totalDocs := inst.currentManifest.TotalDocs
	inst.manifestMu.RUnlock()

	if len(segments) != 1 {
		t.Fatalf("segments after merge = %d, want 1", len(segments))
	}
	if totalDocs != 3 {
		t.Errorf("TotalDocs after merge = %d, want 3", totalDocs)
	}
}

func TestMergeSegments_SingleSegmentIsNoop(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.CreateIndex("idx", testutil.BasicSchema()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	inst, err := mgr.GetIndex("idx")
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}

	commitSampleBatch(t, inst, "only")

	result, err := inst.MergeSegments(context.Background())
	if err != nil {
		t.Fatalf("MergeSegments: %v", err)
	}
	if result != nil {
		t.Fatalf("MergeSegments with one segment should be a no-op, got %+v", result)
	}
}

func TestCommit_AutoOptimizesAtThreshold(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewIndexManager(dir, nil, nil, config.Config{MaxIndexWritesBeforeRecreate: 2})
	if err != nil {
		t.Fatalf("NewIndexManager: %v", err)
	}
	if err := mgr.CreateIndex("idx", testutil.BasicSchema()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	inst, err := mgr.GetIndex("idx")
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}

	commitSampleBatch(t, inst, "a")
	commitSampleBatch(t, inst, "b") // 2nd commit crosses the threshold

	inst.manifestMu.RLock()
	segments := len(inst.currentManifest.Segments)
	inst.manifestMu.RUnlock()

	if segments != 1 {
		t.Errorf("segments after auto-optimize = %d, want 1", segments)
	}
}

func TestDispose_ReleasesWriterAndDisablesIndex(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.CreateIndex("idx", testutil.BasicSchema()); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	inst, err := mgr.GetIndex("idx")
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}

	if _, err := inst.AcquireWriter(); err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}

	inst.Dispose()

	if inst.Priority() != PriorityDisabled {
		t.Errorf("Priority = %v, want PriorityDisabled", inst.Priority())
	}
	if _, err := inst.AcquireWriter(); err != ErrIndexDisabled {
		t.Errorf("AcquireWriter after Dispose = %v, want ErrIndexDisabled", err)
	}
}
