// Package runlock provides the single admission primitive for crawl runs.
//
// A run lock has two states, free and held. Acquisition is an atomic
// create-exclusive of a durable marker so that two concurrent callers can
// never both observe "free" and both proceed. Contention is reported as a
// value (AlreadyHeld), not an error; errors are reserved for faults.
package runlock

import (
	"context"
	"errors"
	"time"
)

// Acquisition is the outcome of a TryAcquire call.
type Acquisition int

const (
	// Acquired means the caller now holds the lock and must Release it.
	Acquired Acquisition = iota + 1
	// AlreadyHeld means another run holds the lock; nothing was changed.
	AlreadyHeld
)

func (a Acquisition) String() string {
	switch a {
	case Acquired:
		return "acquired"
	case AlreadyHeld:
		return "already_held"
	default:
		return "unknown"
	}
}

// ErrTeardownFailed is returned by Release when the marker could not be
// removed. A lock in this state blocks every future run until an operator
// clears it.
var ErrTeardownFailed = errors.New("lock teardown failed")

// Lock is the contract the orchestrator depends on.
type Lock interface {
	// TryAcquire atomically takes the lock for runID.
	TryAcquire(ctx context.Context, runID string) (Acquisition, error)

	// Release frees the lock. It must be called after every successful
	// TryAcquire, whatever the outcome of the guarded work.
	Release(ctx context.Context) error

	// IsHeld reports whether a run currently holds the lock. It never blocks
	// on a run in progress.
	IsHeld() bool
}

// Marker is the informational content of a held lock. Only the marker's
// existence decides the lock state; the content is used for operator output
// and stale detection.
type Marker struct {
	RunID      string    `json:"run_id,omitempty"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the marker has existed relative to now.
func (m Marker) Age(now time.Time) time.Duration {
	if m.AcquiredAt.IsZero() {
		return 0
	}
	return now.Sub(m.AcquiredAt)
}
