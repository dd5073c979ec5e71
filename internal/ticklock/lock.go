// Package ticklock implements the exclusive, non-blocking file lock that
// serializes scheduler ticks: a held lock means the previous tick is still
// running, and the new tick exits rather than waiting.
package ticklock

import (
	"fmt"
	"os"
	"syscall"

	"github.com/maxthelion/octopoid/internal/filestore"
)

// Lock is a held exclusive lock on a file. Release must be called exactly
// once to free it.
type Lock struct {
	file *os.File
}

// ErrHeld is returned by TryAcquire when another process (or tick) already
// holds the lock.
var ErrHeld = fmt.Errorf("tick lock already held")

// TryAcquire attempts a non-blocking exclusive lock on path, creating the
// file if necessary. Returns ErrHeld if the lock is already held elsewhere.
func TryAcquire(path string) (*Lock, error) {
	if err := filestore.EnsureParentDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Release unlocks and closes the underlying file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	if err != nil {
		return err
	}
	return closeErr
}
