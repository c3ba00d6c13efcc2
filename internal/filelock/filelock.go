// Package filelock provides advisory inter-process locks on lock files.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FileLock is an exclusive flock on a lock file. It also serializes goroutines
// of the same process, since flock locks are per open file description.
type FileLock struct {
	path string
	mu   sync.Mutex
	file atomic.Pointer[os.File]
}

// New returns a lock for path. The file is created on first Lock.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Lock blocks until the lock is held.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	if err := flock(f, unix.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	l.file.Store(f)
	return nil
}

// Unlock releases the lock. Only the holder may call it; calling it again, or
// without the lock held, is a no-op.
func (l *FileLock) Unlock() error {
	f := l.file.Swap(nil)
	if f == nil {
		return nil
	}
	defer l.mu.Unlock()

	if err := flock(f, unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return f.Close()
}

// WithLock runs fn while holding the lock.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	err := fn()
	if unlockErr := l.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
