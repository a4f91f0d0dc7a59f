package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// DefaultPath is the marker location used by the original scraper service.
const DefaultPath = "crawling.lock"

// FileOptions tunes a FileLock.
type FileOptions struct {
	// ReleaseAttempts is how many times removal is tried before Release
	// reports ErrTeardownFailed.
	// Default: 3
	ReleaseAttempts uint

	// ReleaseDelay is the pause between removal attempts.
	// Default: 200ms
	ReleaseDelay time.Duration

	Logger *zap.Logger
}

// FileLock is a Lock backed by a marker file whose existence means "held".
//
// The marker is created with O_CREATE|O_EXCL, which the kernel performs as
// one operation, so there is no gap between checking for absence and
// creating presence.
type FileLock struct {
	path            string
	releaseAttempts uint
	releaseDelay    time.Duration
	logger          *zap.Logger

	// remove is swapped in tests to simulate an unremovable marker.
	remove func(string) error
	// beforeRecheck runs between a stale decision and the re-read that
	// guards the removal. Tests use it to replace the marker in that gap.
	beforeRecheck func()
}

// NewFileLock returns a FileLock for the marker at path.
func NewFileLock(path string, opts FileOptions) *FileLock {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if opts.ReleaseAttempts == 0 {
		opts.ReleaseAttempts = 3
	}
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &FileLock{
		path:            path,
		releaseAttempts: opts.ReleaseAttempts,
		releaseDelay:    opts.ReleaseDelay,
		logger:          opts.Logger,
		remove:          os.Remove,
	}
}

// Path returns the marker path.
func (l *FileLock) Path() string {
	return l.path
}

func (l *FileLock) TryAcquire(ctx context.Context, runID string) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("create lock dir: %w", err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return AlreadyHeld, nil
		}
		return 0, fmt.Errorf("create lock marker: %w", err)
	}

	hostname, _ := os.Hostname()
	marker := Marker{
		RunID:      runID,
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
	}
	b, err := json.MarshalIndent(marker, "", "  ")
	if err == nil {
		b = append(b, '\n')
		_, err = f.Write(b)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// A marker we could not finish writing is still ours; do not leave it behind.
		_ = l.remove(l.path)
		return 0, fmt.Errorf("write lock marker: %w", err)
	}

	l.logger.Debug("Run lock acquired",
		zap.String("path", l.path),
		zap.String("run_id", runID))
	return Acquired, nil
}

func (l *FileLock) Release(ctx context.Context) error {
	err := retry.Do(
		func() error {
			err := l.remove(l.path)
			if err != nil && errors.Is(err, fs.ErrNotExist) {
				l.logger.Warn("Run lock marker already gone at release", zap.String("path", l.path))
				return nil
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(l.releaseAttempts),
		retry.Delay(l.releaseDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.logger.Warn("Retrying run lock release",
				zap.String("path", l.path),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrTeardownFailed, l.path, err)
	}
	l.logger.Debug("Run lock released", zap.String("path", l.path))
	return nil
}

// IsHeld reports true when the marker exists. Any stat failure other than
// "does not exist" is reported as held, since a run cannot be ruled out.
func (l *FileLock) IsHeld() bool {
	_, err := os.Lstat(l.path)
	if err == nil {
		return true
	}
	return !errors.Is(err, fs.ErrNotExist)
}

// Inspect reads the marker. It returns (nil, nil) when the lock is free.
// A marker with unreadable content is returned as an empty Marker.
func (l *FileLock) Inspect() (*Marker, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock marker: %w", err)
	}

	var m Marker
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return &m, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		l.logger.Warn("Lock marker content is not valid JSON",
			zap.String("path", l.path),
			zap.Error(err))
		return &Marker{}, nil
	}
	return &m, nil
}
