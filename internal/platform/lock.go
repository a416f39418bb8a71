// Package platform holds OS-specific helpers.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrArchiveLocked indicates another process is already recording into the archive.
var ErrArchiveLocked = errors.New("archive is locked by another process")

// ErrLockUnsupported indicates the current platform has no lock backend implementation.
var ErrLockUnsupported = errors.New("file lock unsupported")

const lockSuffix = ".lock"

// Lock represents an acquired exclusive file lock.
type Lock interface {
	Release() error
}

// AcquireArchiveLock takes an exclusive lock next to the archive database so
// that only one recorder writes into it. The lock is dropped by the OS when the
// process dies.
func AcquireArchiveLock(dbPath string) (Lock, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("archive path is empty")
	}

	lockPath := ArchiveLockPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("create archive lock dir: %w", err)
	}

	return acquireFileLock(lockPath)
}

// ArchiveLockPath is the lock file used for dbPath.
func ArchiveLockPath(dbPath string) string {
	return filepath.Clean(dbPath) + lockSuffix
}
