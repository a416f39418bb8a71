//go:build unix

package platform

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

type unixFileLock struct {
	file *os.File
}

func acquireFileLock(path string) (Lock, error) {
	// #nosec G304 -- path is derived from the configured archive location.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open archive lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrArchiveLocked
		}

		return nil, fmt.Errorf("acquire archive file lock: %w", err)
	}

	return &unixFileLock{file: file}, nil
}

func (l *unixFileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil && !errors.Is(unlockErr, syscall.EBADF) {
		return fmt.Errorf("unlock archive file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close archive lock file: %w", closeErr)
	}

	return nil
}
