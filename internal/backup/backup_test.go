package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ravensearch/internal/commit"
	"ravensearch/internal/index"
	"ravensearch/internal/snapshot"
	"ravensearch/internal/storage"
)

func newTestIndex(t *testing.T) (*index.IndexDir, *commit.Committer, *snapshot.Manager) {
	t.Helper()
	root := t.TempDir()
	dir := index.NewIndexDir(root)
	require.NoError(t, dir.EnsureDirectories())

	c := commit.NewCommitter(dir, commit.DefaultOptions())
	mgr := snapshot.NewManager(0, nil, nil)
	return dir, c, mgr
}

func commitOne(t *testing.T, dir *index.IndexDir, c *commit.Committer, mgr *snapshot.Manager, prev *index.Manifest) *index.Manifest {
	t.Helper()
	data := &commit.SegmentData{
		Files: map[string][]byte{
			"meta.json":    []byte(`{"segment_id":"s"}`),
			"fst.bin":      []byte("fst-bytes"),
			"postings.bin": []byte("postings-bytes"),
		},
		DocCount:      3,
		DocCountAlive: 3,
	}
	result, err := c.Commit(context.Background(), prev, data, "")
	require.NoError(t, err)

	m, err := index.LoadManifest(dir, result.Generation)
	require.NoError(t, err)

	segIDs := make([]string, len(m.Segments))
	for i, seg := range m.Segments {
		segIDs[i] = seg.ID
	}
	mgr.UpdateGeneration(result.Generation, segIDs)

	return m
}

func TestBackup_EmptyIndexEmitsValidManifest(t *testing.T) {
	dir, _, mgr := newTestIndex(t)
	destRoot := t.TempDir()
	opts := Options{DestRoot: destRoot}

	require.NoError(t, CaptureIdentity(dir, "idx1", 0, opts))

	snap, err := mgr.Acquire()
	require.NoError(t, err)
	defer snap.Release()

	result, err := CopyIncremental(dir, "idx1", snap, opts)
	require.NoError(t, err)
	require.False(t, result.Abandoned)
	require.Empty(t, result.FilesCopied)

	// Open question 2: a zero-page backup still emits an empty-but-valid
	// required-files manifest, not no file at all.
	required, err := ReadRequiredFiles(destRoot, "", "idx1")
	require.NoError(t, err)
	require.Empty(t, required)
}

func TestBackup_FullRoundTrip(t *testing.T) {
	dir, c, mgr := newTestIndex(t)
	commitOne(t, dir, c, mgr, nil)

	destRoot := t.TempDir()
	opts := Options{DestRoot: destRoot}

	require.NoError(t, CaptureIdentity(dir, "idx1", mgr.CurrentGeneration(), opts))

	snap, err := mgr.Acquire()
	require.NoError(t, err)

	result, err := CopyIncremental(dir, "idx1", snap, opts)
	snap.Release()
	require.NoError(t, err)
	require.False(t, result.Abandoned)
	require.Len(t, result.FilesCopied, 3)
	require.Zero(t, result.FilesSkipped)

	// Restore into a fresh directory and verify the segment files match.
	target := index.NewIndexDir(t.TempDir())
	require.NoError(t, Restore(opts, "idx1", target))

	gen, err := index.ReadCurrentGeneration(target)
	require.NoError(t, err)
	require.Equal(t, mgr.CurrentGeneration(), gen)

	restored, err := index.LoadManifest(target, gen)
	require.NoError(t, err)
	require.Len(t, restored.Segments, 1)

	for name, want := range map[string]string{
		"meta.json":    `{"segment_id":"s"}`,
		"fst.bin":      "fst-bytes",
		"postings.bin": "postings-bytes",
	} {
		path := target.SegmentFile(restored.Segments[0].ID, name)
		require.FileExists(t, path)
		require.Equal(t, want, readFile(t, path))
	}
}

func TestBackup_IncrementalMinimality(t *testing.T) {
	dir, c, mgr := newTestIndex(t)
	m1 := commitOne(t, dir, c, mgr, nil)

	destRoot := t.TempDir()
	opts := Options{DestRoot: destRoot}

	require.NoError(t, CaptureIdentity(dir, "idx1", m1.Generation, opts))
	snap1, err := mgr.Acquire()
	require.NoError(t, err)
	result1, err := CopyIncremental(dir, "idx1", snap1, opts)
	snap1.Release()
	require.NoError(t, err)
	require.Len(t, result1.FilesCopied, 3)

	// A second backup with no new commits copies nothing new: every file
	// referenced by the snapshot is already in the cumulative log.
	require.NoError(t, CaptureIdentity(dir, "idx1", m1.Generation, opts))
	snap2, err := mgr.Acquire()
	require.NoError(t, err)
	result2, err := CopyIncremental(dir, "idx1", snap2, opts)
	snap2.Release()
	require.NoError(t, err)
	require.Empty(t, result2.FilesCopied)
	require.Equal(t, 3, result2.FilesSkipped)

	// A new commit produces exactly the new segment's files as the delta.
	commitOne(t, dir, c, mgr, m1)
	require.NoError(t, CaptureIdentity(dir, "idx1", mgr.CurrentGeneration(), opts))
	snap3, err := mgr.Acquire()
	require.NoError(t, err)
	result3, err := CopyIncremental(dir, "idx1", snap3, opts)
	snap3.Release()
	require.NoError(t, err)
	require.Len(t, result3.FilesCopied, 3)
}

func TestBackup_CorruptManifestAbandonsCleanly(t *testing.T) {
	dir, c, mgr := newTestIndex(t)
	m1 := commitOne(t, dir, c, mgr, nil)

	destRoot := t.TempDir()
	opts := Options{DestRoot: destRoot}
	require.NoError(t, CaptureIdentity(dir, "idx1", m1.Generation, opts))

	snap, err := mgr.Acquire()
	require.NoError(t, err)
	defer snap.Release()

	// Corrupt the manifest on disk so CopyIncremental can't read it.
	require.NoError(t, os.WriteFile(dir.ManifestPath(m1.Generation), []byte("not json"), storage.FilePerm))

	result, err := CopyIncremental(dir, "idx1", snap, opts)
	require.NoError(t, err)
	require.True(t, result.Abandoned)

	// The required-files manifest must be removed so a restore forces a
	// full reset rather than trusting a partial tree.
	required := filepath.Join(opts.indexDestDir("idx1"), requiredFilesName)
	require.NoFileExists(t, required)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
