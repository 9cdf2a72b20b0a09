// Package lifecycle wires together the daemon's startup/shutdown ordering:
// the single-instance lock, the cleanup/signal handling, and the API
// worker's launch.
package lifecycle

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// Lock is the advisory single-instance lock: on start the daemon opens a
// well-known lock file with an exclusive write lock; failure means another
// instance is already running.
type Lock struct {
	flock *flock.Flock
	path  string
}

// AcquireLock takes a non-blocking exclusive lock on path, creating it if
// necessary. It returns an error if the lock is already held.
func AcquireLock(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: acquiring instance lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lifecycle: only one instance should run at the same time")
	}
	return &Lock{flock: fl, path: path}, nil
}

// Release unlocks and unlinks the lock file.
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
