// Package backup implements the per-index hot backup: a point-in-time,
// restorable directory tree produced concurrently with live indexing.
//
// The protocol follows the same phase-at-a-time, fsync-then-rename shape
// as internal/commit, adapted from Lucene's segments.gen/index.version
// identity capture to this engine's own manifest/segment layout — the
// manifest for a generation already is the durable "segment list", so
// there's no separate empty-commit flush step before copying it.
package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"ravensearch/internal/index"
	"ravensearch/internal/snapshot"
	"ravensearch/internal/storage"
)

// backupCopyConcurrency bounds how many segment files a single backup run
// copies at once; segment directories can hold many small files and the
// destination is usually a different (often network) filesystem, so
// fanning out the copy loop is worth the errgroup dependency.
const backupCopyConcurrency = 8

type copyTask struct {
	relName string
	src     string
	dst     string
}

// copyFilesConcurrently copies every task's file, bounded to
// backupCopyConcurrency at a time, and returns the relative names that
// succeeded. A copy failure does not stop the other copies; once all have
// finished, copyFilesConcurrently returns the first error and whatever had
// completed is left in place
// for the caller to decide whether to keep or discard.
func copyFilesConcurrently(tasks []copyTask) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	var g errgroup.Group
	g.SetLimit(backupCopyConcurrency)

	var mu sync.Mutex
	var copied []string

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if err := storage.CopyFile(task.src, task.dst); err != nil {
				return fmt.Errorf("copy %s: %w", task.relName, err)
			}
			mu.Lock()
			copied = append(copied, task.relName)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return copied, err
	}
	return copied, nil
}

// ErrCorruptIndex is returned when the manifest backing a backup attempt
// cannot be read. The caller abandons the backup rather than publishing a
// partial tree; restore falls back to a full reset.
var ErrCorruptIndex = errors.New("backup: corrupt index")

const (
	// versionFileName is the engine's own index.version file: one line,
	// decimal generation number, copied alongside the manifest to capture
	// the exact snapshot identity.
	versionFileName   = "index.version"
	requiredFilesName = "index-files.required-for-index-restore"
)

// Options configures a single backup run.
type Options struct {
	// DestRoot is the root backup directory (spec's <backupDir>).
	DestRoot string
	// IncrementalTag optionally scopes this run under <backupDir>/<tag>/;
	// empty means a plain, non-incremental-tagged backup.
	IncrementalTag string
	Logger         *slog.Logger
}

func (o Options) destDir() string {
	if o.IncrementalTag == "" {
		return o.DestRoot
	}
	return filepath.Join(o.DestRoot, o.IncrementalTag)
}

func (o Options) indexDestDir(indexID string) string {
	return filepath.Join(o.destDir(), "Indexes", indexID)
}

func (o Options) manifestLogPath(indexID string) string {
	return filepath.Join(o.destDir(), indexID+".all-existing-index-files")
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Result reports what a backup run did.
type Result struct {
	IndexID      string
	Generation   uint64
	FilesCopied  []string
	FilesSkipped int
	// Abandoned is true when a CorruptIndex condition forced an early,
	// clean return (required-files file deleted, restore will reset).
	Abandoned bool
}

// CaptureIdentity copies the generation's manifest file to the backup
// destination and writes the index.version marker. This is step 2 of the
// spec's protocol and MUST run while the caller holds the index's write
// lock — it is what "captures the exact snapshot identity" before the
// lock is released and a retention snapshot is taken in step 3.
func CaptureIdentity(dir *index.IndexDir, indexID string, generation uint64, opts Options) error {
	destDir := opts.indexDestDir(indexID)
	if err := storage.EnsureDir(destDir); err != nil {
		return fmt.Errorf("backup %s: ensure dest dir: %w", indexID, err)
	}

	if generation == 0 {
		return writeVersionMarker(destDir, generation)
	}

	manifestSrc := dir.ManifestPath(generation)
	if !storage.FileExists(manifestSrc) {
		return fmt.Errorf("%w: manifest for generation %d missing", ErrCorruptIndex, generation)
	}
	manifestDst := filepath.Join(destDir, filepath.Base(manifestSrc))
	if err := storage.CopyFile(manifestSrc, manifestDst); err != nil {
		return fmt.Errorf("backup %s: copy manifest: %w", indexID, err)
	}

	return writeVersionMarker(destDir, generation)
}

func writeVersionMarker(destDir string, generation uint64) error {
	return os.WriteFile(filepath.Join(destDir, versionFileName), []byte(fmt.Sprintf("%d", generation)), storage.FilePerm)
}

// CopyIncremental performs the incremental copy step of the backup
// protocol. The
// caller must already hold an acquired *snapshot.Snapshot pinning the
// segments to copy; CopyIncremental only reads it and never releases it —
// that remains the caller's responsibility on every exit path (step 6).
func CopyIncremental(dir *index.IndexDir, indexID string, snap *snapshot.Snapshot, opts Options) (*Result, error) {
	logger := opts.logger()
	destDir := opts.indexDestDir(indexID)
	if err := storage.EnsureDir(destDir); err != nil {
		return nil, fmt.Errorf("backup %s: ensure dest dir: %w", indexID, err)
	}

	result := &Result{IndexID: indexID, Generation: snap.Generation}

	if snap.Generation == 0 {
		// Nothing committed yet. Still emit a valid, empty manifest and
		// required-files list rather than leaving no file at all.
		if err := appendRequiredFiles(destDir, nil); err != nil {
			return nil, err
		}
		return result, nil
	}

	manifest, err := index.LoadManifest(dir, snap.Generation)
	if err != nil {
		logger.Warn("backup abandoned: manifest unreadable, restore will reset",
			"index", indexID, "generation", snap.Generation, "error", err)
		os.Remove(filepath.Join(destDir, requiredFilesName))
		result.Abandoned = true
		return result, nil
	}

	alreadyLogged, err := readManifestLog(opts.manifestLogPath(indexID))
	if err != nil {
		return nil, fmt.Errorf("backup %s: read existing-files log: %w", indexID, err)
	}

	var required []string
	var toCopy []copyTask

	for _, seg := range manifest.Segments {
		names := make([]string, 0, len(seg.Files))
		for name := range seg.Files {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if strings.HasSuffix(name, ".lock") {
				continue
			}
			relName := filepath.Join(seg.ID, name)
			required = append(required, relName)

			if alreadyLogged[relName] {
				result.FilesSkipped++
				continue
			}

			toCopy = append(toCopy, copyTask{
				relName: relName,
				src:     dir.SegmentFile(seg.ID, name),
				dst:     filepath.Join(destDir, seg.ID, name),
			})
		}
	}

	newlyLogged, err := copyFilesConcurrently(toCopy)
	if err != nil {
		logger.Warn("backup abandoned: segment file copy failed, restore will reset",
			"index", indexID, "error", err)
		os.Remove(filepath.Join(destDir, requiredFilesName))
		result.Abandoned = true
		return result, nil
	}
	result.FilesCopied = newlyLogged

	if err := appendManifestLog(opts.manifestLogPath(indexID), newlyLogged); err != nil {
		return nil, fmt.Errorf("backup %s: append existing-files log: %w", indexID, err)
	}
	if err := appendRequiredFiles(destDir, required); err != nil {
		return nil, fmt.Errorf("backup %s: write required-files list: %w", indexID, err)
	}

	logger.Info("backup complete", "index", indexID, "generation", snap.Generation,
		"copied", len(result.FilesCopied), "skipped", result.FilesSkipped)
	return result, nil
}

func readManifestLog(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	set := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			set[line] = true
		}
	}
	return set, nil
}

// appendManifestLog appends newly-copied file names to the cumulative
// all-existing-index-files log, creating it (empty, if nothing was
// copied) when it doesn't exist yet.
func appendManifestLog(path string, names []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, storage.FilePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, n := range names {
		if _, err := f.WriteString(n + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// appendRequiredFiles always appends the full required-file set for this
// backup point, per spec step 4 ("always append to
// index-files.required-for-index-restore"). An empty set still creates
// the file: a zero-page incremental backup emits an empty-but-valid
// manifest rather than omitting it.
func appendRequiredFiles(destDir string, names []string) error {
	path := filepath.Join(destDir, requiredFilesName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, storage.FilePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, n := range names {
		if _, err := f.WriteString(n + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// Restore reconstructs an index directory at target from a backup
// produced by CaptureIdentity + CopyIncremental: it copies the manifest
// named by the index.version marker, then every segment file the
// restored manifest references, and finally activates that generation
// via index.WriteCurrentGeneration so the directory is immediately ready
// for normal recovery on next open.
//
// A generation-0 marker (empty index at backup time) restores an empty,
// directory-initialized index with no manifest.
func Restore(opts Options, indexID string, target *index.IndexDir) error {
	srcDir := opts.indexDestDir(indexID)

	versionData, err := os.ReadFile(filepath.Join(srcDir, versionFileName))
	if err != nil {
		return fmt.Errorf("%w: read index.version: %v", ErrCorruptIndex, err)
	}
	generation, err := strconv.ParseUint(strings.TrimSpace(string(versionData)), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: parse index.version: %v", ErrCorruptIndex, err)
	}

	if err := target.EnsureDirectories(); err != nil {
		return fmt.Errorf("restore %s: ensure directories: %w", indexID, err)
	}

	if generation == 0 {
		return nil
	}

	manifestName := fmt.Sprintf("manifest_gen_%d.json", generation)
	manifestSrc := filepath.Join(srcDir, manifestName)
	if err := storage.CopyFile(manifestSrc, target.ManifestPath(generation)); err != nil {
		return fmt.Errorf("%w: restore %s: copy manifest: %v", ErrCorruptIndex, indexID, err)
	}

	manifest, err := index.LoadManifest(target, generation)
	if err != nil {
		return fmt.Errorf("%w: restore %s: load copied manifest: %v", ErrCorruptIndex, indexID, err)
	}

	for _, seg := range manifest.Segments {
		names := make([]string, 0, len(seg.Files))
		for name := range seg.Files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			src := filepath.Join(srcDir, seg.ID, name)
			dst := target.SegmentFile(seg.ID, name)
			if err := storage.CopyFile(src, dst); err != nil {
				return fmt.Errorf("restore %s: copy segment file %s/%s: %w", indexID, seg.ID, name, err)
			}
		}
	}

	return index.WriteCurrentGeneration(target, generation)
}

// ReadRequiredFiles reads the required-for-index-restore list at a backup
// destination, for use by a restore routine. Returns an empty (non-nil)
// slice for a valid, empty manifest.
func ReadRequiredFiles(destRoot, incrementalTag, indexID string) ([]string, error) {
	opts := Options{DestRoot: destRoot, IncrementalTag: incrementalTag}
	path := filepath.Join(opts.indexDestDir(indexID), requiredFilesName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read required files for %s: %w", indexID, err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
