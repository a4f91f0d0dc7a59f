package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/retractionwatch/scraperd/pkg/stage"
)

// Archiver stores a copy of the parse payload. Archive failures never fail
// a run.
type Archiver interface {
	Archive(ctx context.Context, runID string, payload []byte) error
}

// Coordinator drives one run at a time through the plan.
type Coordinator struct {
	runner   stage.Runner
	plan     Plan
	logger   *zap.Logger
	archiver Archiver
	observer func(Transition)
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

// WithObserver registers fn to be called synchronously on every transition.
func WithObserver(fn func(Transition)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// New creates a Coordinator. The plan is validated by the caller; see
// Plan.Validate.
func New(runner stage.Runner, plan Plan, opts ...Option) *Coordinator {
	c := &Coordinator{
		runner: runner,
		plan:   plan,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs the pipeline to completion or first failure and returns the
// terminal run. It blocks for the whole run.
func (c *Coordinator) Execute(ctx context.Context, runID string) Run {
	run := Run{ID: runID, State: StateIdle, StartedAt: c.now()}
	log := c.logger.With(zap.String("run_id", runID))
	log.Info("Pipeline started")

	var payload []byte
	for _, st := range c.plan.steps() {
		c.transition(&run, st.state, st.stage.Name)

		var input []byte
		if st.stage.Stdin == stage.InputPipe {
			input = payload
			if input == nil {
				input = []byte{}
			}
		}

		out, err := c.runner.Run(ctx, st.stage, input)
		run.Outcomes = append(run.Outcomes, out)
		if err != nil {
			c.fail(log, &run, st.stage, err)
			return run
		}

		if st.stage.Stdout == stage.OutputCapture {
			payload = out.Output
			run.Documents = out.Records
			c.archive(ctx, log, runID, payload)
		}
	}

	c.transition(&run, StateCompleted, "")
	run.EndedAt = c.now()
	log.Info("Pipeline completed",
		zap.Int("documents", run.Documents),
		zap.Duration("duration", run.Duration()))
	return run
}

func (c *Coordinator) transition(run *Run, to State, stageName string) {
	from := run.State
	if !CanTransition(from, to) {
		// Unreachable with the fixed step table; kept loud in case it changes.
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", from, to))
	}
	run.State = to
	if c.observer != nil {
		c.observer(Transition{RunID: run.ID, From: from, To: to, Stage: stageName, At: c.now()})
	}
}

func (c *Coordinator) fail(log *zap.Logger, run *Run, s stage.Stage, err error) {
	c.transition(run, StateFailed, s.Name)
	run.EndedAt = c.now()
	run.FailedStage = s.Name
	run.ErrorKind = stage.KindOf(err)
	run.Error = err.Error()
	run.err = err

	fields := []zap.Field{
		zap.String("stage", s.Name),
		zap.String("kind", string(run.ErrorKind)),
		zap.String("executable", s.Executable),
		zap.Strings("args", s.Args),
		zap.Error(err),
	}
	var se *stage.Error
	if errors.As(err, &se) {
		fields = append(fields, zap.Int("exit_code", se.ExitCode))
		if se.Signal != "" {
			fields = append(fields, zap.String("signal", se.Signal))
		}
	}

	switch run.ErrorKind {
	case stage.KindPayloadMalformed:
		log.Error("Pipeline failed: stage emitted a malformed payload", fields...)
	case stage.KindLaunchFailed:
		log.Error("Pipeline failed: stage could not be launched", fields...)
	case stage.KindTimedOut:
		log.Error("Pipeline failed: stage timed out", fields...)
	case stage.KindCanceled:
		log.Warn("Pipeline canceled", fields...)
	default:
		log.Error("Pipeline failed: stage process failed", fields...)
	}
}

func (c *Coordinator) archive(ctx context.Context, log *zap.Logger, runID string, payload []byte) {
	if c.archiver == nil {
		return
	}
	if err := c.archiver.Archive(ctx, runID, payload); err != nil {
		log.Warn("Failed to archive parse payload",
			zap.Int("bytes", len(payload)),
			zap.Error(err))
	}
}
