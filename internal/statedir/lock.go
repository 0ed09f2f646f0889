// Package statedir guards a state directory against concurrent runs.
package statedir

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the state directory lock
var ErrLocked = errors.New("state directory is locked by another trisync process")

// Lock is an exclusive advisory lock over a state directory.
// The lock is released automatically if the holding process dies.
type Lock struct {
	mu *flock.Flock
}

// Acquire takes the lock at path without blocking
func Acquire(path string) (*Lock, error) {
	mu := flock.New(path)

	ok, err := mu.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s (pid %d): %w", path, os.Getpid(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	return &Lock{mu: mu}, nil
}

// Release drops the lock
func (l *Lock) Release() error {
	return l.mu.Unlock()
}
