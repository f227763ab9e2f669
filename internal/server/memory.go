package server

import (
	"fmt"
	"strconv"
	"time"

	"ravensearch/internal/commit"
	"ravensearch/internal/index"
)

// commitToMemory publishes segData as a new generation inside the index's
// MemDir, mirroring what the disk committer's phases produce — segment
// files, a manifest, manifest.current and index.version — minus the fsync
// discipline, which has nothing to sync until the directory materializes.
// replace installs the segment as the only one (merge semantics). The
// caller must hold the write lock.
func (inst *IndexInstance) commitToMemory(segData *commit.SegmentData, highestEtag string, replace bool) (*commit.CommitResult, error) {
	md := inst.memDir.Load()
	if md == nil {
		return nil, fmt.Errorf("memory commit: index %s is not memory-backed", inst.Name)
	}

	start := time.Now()

	inst.manifestMu.RLock()
	prev := inst.currentManifest
	inst.manifestMu.RUnlock()
	if prev == nil {
		prev = index.EmptyManifest()
	}
	gen := prev.Generation + 1

	segID, segMeta, commitID, err := commit.PrepareSegmentMeta(gen, segData)
	if err != nil {
		return nil, fmt.Errorf("memory commit: %w", err)
	}

	for name, content := range segData.Files {
		md.WriteFile("segments/"+segID+"/"+name, content)
	}

	manifest := commit.BuildManifest(prev, gen, segMeta, commitID, highestEtag, inst.Schema.Version, replace)
	data, err := index.MarshalManifest(manifest)
	if err != nil {
		return nil, fmt.Errorf("memory commit: marshal manifest: %w", err)
	}
	md.WriteFile(fmt.Sprintf("manifests/manifest_gen_%d.json", gen), data)

	genStr := strconv.FormatUint(gen, 10)
	md.WriteFile("manifest.current", []byte(genStr))
	md.WriteFile("index.version", []byte(genStr))

	inst.manifestMu.Lock()
	inst.currentManifest = manifest
	inst.manifestMu.Unlock()

	changed := segData.DocCount + segData.DelCount
	if replace {
		changed = segData.DocCount
	}

	return &commit.CommitResult{
		Generation:  gen,
		SegmentID:   segID,
		CommitID:    commitID,
		HighestEtag: highestEtag,
		ChangedDocs: changed,
		Duration:    time.Since(start),
	}, nil
}

// materializeLocked converts a memory-backed index into a disk-backed one:
// every file the MemDir holds is written into the real IndexDir layout
// (schema first, index.version already among them), and only after
// everything is durable is the MemDir dropped and the disk committer left
// in charge. A failure leaves the in-memory index fully usable. The caller
// must hold the write lock.
func (inst *IndexInstance) materializeLocked() error {
	md := inst.memDir.Load()
	if md == nil {
		return nil
	}

	if err := inst.Dir.EnsureDirectories(); err != nil {
		return fmt.Errorf("materialize %s: %w", inst.Name, err)
	}
	if err := index.WriteSchema(inst.Dir, inst.Schema); err != nil {
		return fmt.Errorf("materialize %s: write schema: %w", inst.Name, err)
	}
	if err := md.MaterializeToDisk(inst.Dir); err != nil {
		return fmt.Errorf("materialize %s: %w", inst.Name, err)
	}

	inst.memDir.Store(nil)
	inst.logger.Info("index materialized to disk",
		"path", inst.Dir.Root,
		"bytes", md.SizeBytes(),
	)
	return nil
}

// ForceWriteToDisk materializes a memory-backed index immediately,
// regardless of size thresholds. It is a no-op for disk-backed indexes.
func (inst *IndexInstance) ForceWriteToDisk() error {
	if inst.memDir.Load() == nil {
		return nil
	}

	acquired := inst.writerMu.TryLock()
	if !acquired {
		inst.logger.Warn("write lock contended", "wait_reason", "force write to disk")
		deadline := time.Now().Add(writeLockTimeout)
		for time.Now().Before(deadline) && !acquired {
			time.Sleep(time.Millisecond)
			acquired = inst.writerMu.TryLock()
		}
	}
	if !acquired {
		return ErrWriterBusy
	}
	defer inst.writerMu.Unlock()

	return inst.materializeLocked()
}

// maybeMaterialize checks the post-commit size thresholds that graduate a
// memory-backed index to disk: new_index_in_memory_max_bytes and
// flush_index_to_disk_size_mb. Failures are logged, not propagated — the
// commit itself already succeeded in memory and the next commit retries.
func (inst *IndexInstance) maybeMaterialize() {
	md := inst.memDir.Load()
	if md == nil {
		return
	}

	size := md.SizeBytes()
	byteLimit := inst.cfg.NewIndexInMemoryMaxBytes
	flushLimit := inst.cfg.FlushIndexToDiskSizeMB * 1024 * 1024

	if (byteLimit <= 0 || size < byteLimit) && (flushLimit <= 0 || size < flushLimit) {
		return
	}

	if err := inst.ForceWriteToDisk(); err != nil {
		inst.logger.Warn("materialize to disk failed, staying memory-backed",
			"size_bytes", size, "error", err)
	}
}
