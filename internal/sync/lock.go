package sync

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// drainLock keeps two processes sharing one database from draining at once.
type drainLock struct {
	fl *flock.Flock
}

func newDrainLock(path string) *drainLock {
	if path == "" {
		return nil
	}
	return &drainLock{fl: flock.New(path)}
}

// tryLock acquires the lock without blocking. A nil lock always succeeds.
func (l *drainLock) tryLock() (bool, error) {
	if l == nil {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0o755); err != nil {
		return false, fmt.Errorf("creating lock directory: %w", err)
	}
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquiring sync lock: %w", err)
	}
	return locked, nil
}

func (l *drainLock) unlock() {
	if l == nil {
		return
	}
	_ = l.fl.Unlock()
}
