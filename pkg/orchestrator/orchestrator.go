// Package orchestrator admits crawl runs and executes them in the
// background.
//
// The run lock is the only admission mechanism: RequestStart either takes
// the lock and hands the pipeline to a background goroutine, returning
// Started at once, or finds the lock held and returns
// RejectedAlreadyRunning with no side effects. The background task always
// releases the lock before the orchestrator reports idle again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retractionwatch/scraperd/pkg/pipeline"
	"github.com/retractionwatch/scraperd/pkg/runlock"
)

// StartResult is the synchronous answer to a start request.
type StartResult string

const (
	Started                StartResult = "started"
	RejectedAlreadyRunning StartResult = "rejected_already_running"
)

// RejectionMessage is reported to callers when a run is already active.
const RejectionMessage = "Lock file already exists! Cannot crawl"

// Status is the derived run state; it is never stored.
type Status struct {
	Crawling bool `json:"crawling"`
}

// Executor runs one pipeline to a terminal state.
type Executor interface {
	Execute(ctx context.Context, runID string) pipeline.Run
}

// Orchestrator is the single owner of run admission in a process.
type Orchestrator struct {
	lock     runlock.Lock
	executor Executor
	logger   *zap.Logger
	baseCtx  context.Context
	onDone   func(pipeline.Run)
	onAlert  func(error)
	newRunID func() string

	releaseTimeout time.Duration

	wg sync.WaitGroup

	mu          sync.Mutex
	current     string
	last        *pipeline.Run
	teardownErr error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBaseContext sets the parent context of background runs. Canceling it
// cancels the stage in flight; the lock is still released.
func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}

// WithOnDone is called with every terminal run, after the lock is released.
func WithOnDone(fn func(pipeline.Run)) Option {
	return func(o *Orchestrator) { o.onDone = fn }
}

// WithTeardownAlert is called when releasing the lock fails.
func WithTeardownAlert(fn func(error)) Option {
	return func(o *Orchestrator) { o.onAlert = fn }
}

// WithReleaseTimeout bounds how long release may take.
// Default: 30s
func WithReleaseTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.releaseTimeout = d
		}
	}
}

func withRunIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newRunID = fn }
}

func New(lock runlock.Lock, executor Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		lock:           lock,
		executor:       executor,
		logger:         zap.NewNop(),
		baseCtx:        context.Background(),
		newRunID:       func() string { return uuid.New().String() },
		releaseTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status is a pure read of the lock state.
func (o *Orchestrator) Status() Status {
	return Status{Crawling: o.lock.IsHeld()}
}

// RequestStart tries to admit a run. It returns an error only when the lock
// itself is unusable; contention is RejectedAlreadyRunning.
func (o *Orchestrator) RequestStart(ctx context.Context) (StartResult, string, error) {
	runID := o.newRunID()

	got, err := o.lock.TryAcquire(ctx, runID)
	if err != nil {
		o.logger.Error("Failed to acquire run lock", zap.Error(err))
		return "", "", fmt.Errorf("acquire run lock: %w", err)
	}
	if got == runlock.AlreadyHeld {
		o.logger.Info("Crawl start rejected, run already in progress")
		return RejectedAlreadyRunning, "", nil
	}

	o.mu.Lock()
	o.current = runID
	// Acquiring proves any earlier release failure was resolved.
	o.teardownErr = nil
	o.mu.Unlock()

	o.logger.Info("Crawl started", zap.String("run_id", runID))

	o.wg.Add(1)
	go o.background(runID)
	return Started, runID, nil
}

// Execute runs a pipeline in the caller's goroutine under the lock. It is
// the foreground counterpart of RequestStart. The returned bool is false
// when the lock was already held and nothing ran.
func (o *Orchestrator) Execute(ctx context.Context) (pipeline.Run, bool, error) {
	runID := o.newRunID()
	got, err := o.lock.TryAcquire(ctx, runID)
	if err != nil {
		return pipeline.Run{}, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if got == runlock.AlreadyHeld {
		return pipeline.Run{}, false, nil
	}

	o.mu.Lock()
	o.current = runID
	// Acquiring proves any earlier release failure was resolved.
	o.teardownErr = nil
	o.mu.Unlock()

	run := o.guardedExecute(ctx, runID)
	relErr := o.finish(run)
	return run, true, relErr
}

func (o *Orchestrator) background(runID string) {
	defer o.wg.Done()
	run := o.guardedExecute(o.baseCtx, runID)
	_ = o.finish(run)
}

// guardedExecute converts a panic in the executor into a failed run so the
// lock is still released.
func (o *Orchestrator) guardedExecute(ctx context.Context, runID string) (run pipeline.Run) {
	started := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Pipeline panicked",
				zap.String("run_id", runID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			run = pipeline.Failed(runID, started, fmt.Errorf("panic: %v", r))
		}
	}()
	return o.executor.Execute(ctx, runID)
}

// finish releases the lock unconditionally and records the run.
func (o *Orchestrator) finish(run pipeline.Run) error {
	// Release must happen even if the run's context was canceled.
	ctx, cancel := context.WithTimeout(context.Background(), o.releaseTimeout)
	defer cancel()

	relErr := o.lock.Release(ctx)

	o.mu.Lock()
	o.current = ""
	o.last = &run
	if relErr != nil {
		o.teardownErr = relErr
	}
	o.mu.Unlock()

	if relErr != nil {
		o.logger.Error("Run lock could not be released; all future runs are blocked until it is cleared",
			zap.Bool("alert", true),
			zap.String("run_id", run.ID),
			zap.Error(relErr))
		if o.onAlert != nil {
			o.onAlert(relErr)
		}
	}

	if run.Succeeded() {
		o.logger.Info("Crawl finished",
			zap.String("run_id", run.ID),
			zap.Int("documents", run.Documents),
			zap.Duration("duration", run.Duration()))
	} else {
		o.logger.Warn("Crawl failed",
			zap.String("run_id", run.ID),
			zap.String("stage", run.FailedStage),
			zap.String("error", run.Error))
	}

	if o.onDone != nil {
		o.onDone(run)
	}
	return relErr
}

// Current returns the ID of the run in progress, if any.
func (o *Orchestrator) Current() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current, o.current != ""
}

// LastRun returns the most recent terminal run of this process.
func (o *Orchestrator) LastRun() (pipeline.Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return pipeline.Run{}, false
	}
	return *o.last, true
}

// TeardownFailure returns the last lock release failure, if unresolved.
func (o *Orchestrator) TeardownFailure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.teardownErr
}

// ClearTeardownFailure forgets a release failure once an operator has
// cleared the marker.
func (o *Orchestrator) ClearTeardownFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.teardownErr = nil
}

// Wait blocks until any background run has finished and released the lock,
// or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("background run still in progress"), ctx.Err())
	}
}
