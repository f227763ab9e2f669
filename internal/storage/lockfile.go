package storage

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrLockHeld is returned when the advisory lock file already exists,
// meaning another writer (or a crashed process that never cleaned up) holds
// the directory.
var ErrLockHeld = errors.New("advisory lock file already held")

// AcquireLockFile creates an advisory lock file at path with O_EXCL
// semantics, recording the holder's pid for diagnosis. It returns a release
// function that removes the file; release is safe to call more than once.
//
// This is an advisory, single-process coordination mechanism, not an OS
// file lock: it guards against two writers mutating the same index
// directory, and a leftover file after a crash must be cleared by the
// opener before writes resume (see RemoveStaleLockFile).
func AcquireLockFile(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FilePerm)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
		}
		return nil, fmt.Errorf("create lock file %s: %w", path, err)
	}

	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		if werr != nil {
			return nil, fmt.Errorf("write lock file %s: %w", path, werr)
		}
		return nil, fmt.Errorf("close lock file %s: %w", path, cerr)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		os.Remove(path)
	}, nil
}

// RemoveStaleLockFile clears a lock file left behind by a crashed process.
// Callers invoke it exactly once, when opening an index directory, before
// any writer can exist for it. A missing file is not an error.
func RemoveStaleLockFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock file %s: %w", path, err)
	}
	return nil
}
