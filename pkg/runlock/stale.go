package runlock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// StalePolicy decides what happens to a marker left behind by a process
// that is no longer running.
type StalePolicy string

const (
	// StaleManual never clears a marker automatically. An operator runs
	// `scraperd lock clear` after confirming no run is active.
	StaleManual StalePolicy = "manual"

	// StalePID clears the marker when it names this host and a PID that is
	// no longer alive. Markers from other hosts or without a PID are kept.
	StalePID StalePolicy = "pid"
)

// ParseStalePolicy parses a policy name; the empty string means manual.
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch StalePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StaleManual:
		return StaleManual, nil
	case StalePID:
		return StalePID, nil
	default:
		return "", fmt.Errorf("unknown stale lock policy %q (want manual or pid)", s)
	}
}

var (
	// ErrOwnerAlive is returned by Clear when the marker's owner is still running.
	ErrOwnerAlive = errors.New("lock owner process is alive")

	// ErrOwnerUnknown is returned by Clear when the marker names no pid. An
	// acquire that has created the marker but not yet written it looks the
	// same, so only a forced clear removes it.
	ErrOwnerUnknown = errors.New("lock marker names no owner")

	// ErrMarkerChanged is returned when the marker was replaced after the
	// decision to remove it was made.
	ErrMarkerChanged = errors.New("lock marker changed before removal")
)

// Recovery describes what Recover found at startup.
type Recovery struct {
	Found   bool
	Marker  *Marker
	Cleared bool
	Reason  string
}

// Recover applies policy to a marker found when the process starts. Under
// StaleManual it only reports; under StalePID it removes a provably dead
// owner's marker.
func (l *FileLock) Recover(policy StalePolicy) (Recovery, error) {
	m, err := l.Inspect()
	if err != nil {
		return Recovery{}, err
	}
	if m == nil {
		return Recovery{}, nil
	}

	rec := Recovery{Found: true, Marker: m}
	if policy != StalePID {
		rec.Reason = "stale lock policy is manual"
		return rec, nil
	}

	dead, reason := ownerDead(m)
	if !dead {
		rec.Reason = reason
		return rec, nil
	}

	if err := l.removeIfUnchanged(m); err != nil {
		if errors.Is(err, ErrMarkerChanged) {
			rec.Reason = "marker was replaced before removal"
			l.logger.Info("Stale run lock was replaced, keeping it",
				zap.String("path", l.path),
				zap.String("run_id", m.RunID),
				zap.Error(err))
			return rec, nil
		}
		return rec, fmt.Errorf("remove stale lock marker: %w", err)
	}
	rec.Cleared = true
	rec.Reason = reason
	l.logger.Warn("Cleared stale run lock",
		zap.String("path", l.path),
		zap.String("run_id", m.RunID),
		zap.Int("pid", m.PID),
		zap.String("reason", reason))
	return rec, nil
}

// Clear removes the marker on operator request. Unless force is set it
// refuses to remove a marker that names no pid or whose owner is a live
// process on this host.
func (l *FileLock) Clear(force bool) error {
	m, err := l.Inspect()
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if !force {
		if m.PID <= 0 {
			return ErrOwnerUnknown
		}
		if sameHost(m) && ProcessAlive(m.PID) {
			return fmt.Errorf("%w: pid %d", ErrOwnerAlive, m.PID)
		}
	}
	if err := l.removeIfUnchanged(m); err != nil {
		if errors.Is(err, ErrMarkerChanged) {
			return err
		}
		return fmt.Errorf("remove lock marker: %w", err)
	}
	l.logger.Info("Run lock cleared by operator",
		zap.String("path", l.path),
		zap.Bool("force", force))
	return nil
}

// removeIfUnchanged re-reads the marker and removes it only if it still
// matches seen. A marker that is already gone counts as removed.
func (l *FileLock) removeIfUnchanged(seen *Marker) error {
	if l.beforeRecheck != nil {
		l.beforeRecheck()
	}
	cur, err := l.Inspect()
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	if !cur.sameOwner(*seen) {
		return fmt.Errorf("%w: now run %q pid %d", ErrMarkerChanged, cur.RunID, cur.PID)
	}
	if err := l.remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (m Marker) sameOwner(o Marker) bool {
	return m.RunID == o.RunID &&
		m.PID == o.PID &&
		m.Hostname == o.Hostname &&
		m.AcquiredAt.Equal(o.AcquiredAt)
}

func ownerDead(m *Marker) (bool, string) {
	if m.PID <= 0 {
		return false, "marker has no pid"
	}
	if !sameHost(m) {
		return false, "marker belongs to another host"
	}
	if m.PID == os.Getpid() {
		return false, "marker belongs to this process"
	}
	if ProcessAlive(m.PID) {
		return false, "owner process is alive"
	}
	return true, fmt.Sprintf("owner pid %d is not running", m.PID)
}

func sameHost(m *Marker) bool {
	hostname, err := os.Hostname()
	if err != nil {
		return false
	}
	return m.Hostname == "" || m.Hostname == hostname
}

// ProcessAlive reports whether pid names a running process on this host.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	err = p.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to another user.
	return err == nil || errors.Is(err, syscall.EPERM)
}
