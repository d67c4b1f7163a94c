// Package lockfile guards against concurrent migration runs.
//
// A migration is a single-run-at-a-time batch job: two processes appending to
// the same mapping files would corrupt the resume state. The lock is an
// exclusive flock on a file next to the state files, released on exit.
package lockfile

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLockBusy is returned when another migration run holds the lock.
var ErrLockBusy = errors.New("another migration run is already in progress")

// Lock holds the exclusive run lock until Release is called.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the exclusive run lock in dir without blocking.
// Returns ErrLockBusy if another process holds it.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, "jira2github.lock")
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrLockBusy
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release drops the lock. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
