//go:build windows

package lock

import (
	"errors"
	"os"
)

// FileLock is a non-blocking cross-process lock on a file. On windows the
// lock is the existence of the file, created exclusively and removed on
// Unlock.
type FileLock struct {
	path string
	held bool
}

// NewFileLock returns an unlocked FileLock for path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryLock reports whether the lock was taken. A lock held by another
// process returns false with no error.
func (l *FileLock) TryLock() (bool, error) {
	if l.held {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	switch {
	case errors.Is(err, os.ErrExist):
		return false, nil
	case err != nil:
		return false, err
	}
	_, writeErr := f.WriteString(holderLine())
	if err := errors.Join(writeErr, f.Close()); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	l.held = true
	return true, nil
}

// Unlock removes the lock file. Unlocking a lock that is not held is a no-op.
func (l *FileLock) Unlock() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
