package runlock

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLock is an in-process Lock for tests and embedding. It has the same
// admission semantics as FileLock without touching the filesystem.
type MemoryLock struct {
	mu       sync.Mutex
	held     bool
	runID    string
	acquires int
	releases int

	// ReleaseErr, when set, makes Release fail and leaves the lock held.
	ReleaseErr error
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{}
}

func (l *MemoryLock) TryAcquire(ctx context.Context, runID string) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return AlreadyHeld, nil
	}
	l.held = true
	l.runID = runID
	l.acquires++
	return Acquired, nil
}

func (l *MemoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	if l.ReleaseErr != nil {
		return fmt.Errorf("%w: %v", ErrTeardownFailed, l.ReleaseErr)
	}
	l.held = false
	l.runID = ""
	return nil
}

func (l *MemoryLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Holder returns the run ID holding the lock, or "" when free.
func (l *MemoryLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// Counts returns how many acquisitions and release attempts were made.
func (l *MemoryLock) Counts() (acquires, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}
