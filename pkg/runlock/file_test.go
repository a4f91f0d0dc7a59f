package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) *FileLock {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "crawling.lock")
	return NewFileLock(path, FileOptions{ReleaseAttempts: 2, ReleaseDelay: time.Millisecond})
}

func TestFileLock_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := newTestLock(t)

	assert.False(t, l.IsHeld())

	got, err := l.TryAcquire(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, Acquired, got)
	assert.True(t, l.IsHeld())

	got, err = l.TryAcquire(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, AlreadyHeld, got)

	require.NoError(t, l.Release(ctx))
	assert.False(t, l.IsHeld())

	got, err = l.TryAcquire(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, Acquired, got)
}

func TestFileLock_MarkerContent(t *testing.T) {
	l := newTestLock(t)
	_, err := l.TryAcquire(context.Background(), "run-abc")
	require.NoError(t, err)

	b, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	var m Marker
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "run-abc", m.RunID)
	assert.Equal(t, os.Getpid(), m.PID)
	assert.False(t, m.AcquiredAt.IsZero())

	inspected, err := l.Inspect()
	require.NoError(t, err)
	require.NotNil(t, inspected)
	assert.Equal(t, "run-abc", inspected.RunID)
}

func TestFileLock_InspectFree(t *testing.T) {
	l := newTestLock(t)
	m, err := l.Inspect()
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFileLock_InspectGarbage(t *testing.T) {
	l := newTestLock(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0755))
	require.NoError(t, os.WriteFile(l.Path(), []byte("not json"), 0644))

	m, err := l.Inspect()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Zero(t, m.PID)
	assert.True(t, l.IsHeld())
}

func TestFileLock_ConcurrentAcquireHasSingleWinner(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	const callers = 32
	results := make([]Acquisition, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got, err := l.TryAcquire(ctx, "run")
			if err != nil {
				t.Errorf("TryAcquire() error: %v", err)
				return
			}
			results[i] = got
		}(i)
	}
	close(start)
	wg.Wait()

	acquired := 0
	for _, r := range results {
		if r == Acquired {
			acquired++
		} else {
			assert.Equal(t, AlreadyHeld, r)
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestFileLock_ReleaseMissingMarkerIsNotAnError(t *testing.T) {
	l := newTestLock(t)
	assert.NoError(t, l.Release(context.Background()))
}

func TestFileLock_ReleaseFailureIsTeardownError(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()
	_, err := l.TryAcquire(ctx, "run-1")
	require.NoError(t, err)

	calls := 0
	l.remove = func(string) error {
		calls++
		return errors.New("read-only file system")
	}

	err = l.Release(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTeardownFailed)
	assert.Contains(t, err.Error(), "read-only file system")
	assert.Equal(t, 2, calls)
	assert.True(t, l.IsHeld())
}

func TestFileLock_ReleaseRecoversAfterTransientFailure(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()
	_, err := l.TryAcquire(ctx, "run-1")
	require.NoError(t, err)

	calls := 0
	l.remove = func(path string) error {
		calls++
		if calls == 1 {
			return errors.New("busy")
		}
		return os.Remove(path)
	}

	require.NoError(t, l.Release(ctx))
	assert.False(t, l.IsHeld())
}

func TestFileLock_AcquireCanceledContext(t *testing.T) {
	l := newTestLock(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.TryAcquire(ctx, "run-1")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, l.IsHeld())
}

func TestAcquisitionString(t *testing.T) {
	assert.Equal(t, "acquired", Acquired.String())
	assert.Equal(t, "already_held", AlreadyHeld.String())
	assert.Equal(t, "unknown", Acquisition(0).String())
}
