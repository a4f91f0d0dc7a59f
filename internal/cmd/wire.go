package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/retractionwatch/scraperd/internal/config"
	"github.com/retractionwatch/scraperd/pkg/archive"
	"github.com/retractionwatch/scraperd/pkg/payload"
	"github.com/retractionwatch/scraperd/pkg/pipeline"
	"github.com/retractionwatch/scraperd/pkg/runlock"
	"github.com/retractionwatch/scraperd/pkg/stage"
)

func buildStage(name string, sc config.StageConfig) stage.Stage {
	return stage.Stage{
		Name:       name,
		Executable: sc.Executable,
		Args:       append([]string(nil), sc.Args...),
		Dir:        sc.Dir,
		Env:        append([]string(nil), sc.Env...),
		Timeout:    sc.Timeout,
	}
}

// buildPlan maps configuration onto the fixed pipeline shape: download
// and load inherit stdout, parse is captured and validated, load reads the
// payload on stdin.
func buildPlan(cfg *config.Config) (pipeline.Plan, error) {
	plan := pipeline.Plan{
		Download: buildStage(pipeline.StageDownload, cfg.Pipeline.Download),
		Parse:    buildStage(pipeline.StageParse, cfg.Pipeline.Parse),
		Load:     buildStage(pipeline.StageLoad, cfg.Pipeline.Load),
	}

	plan.Download.Stdin, plan.Download.Stdout = stage.InputNone, stage.OutputInherit
	plan.Parse.Stdin, plan.Parse.Stdout = stage.InputNone, stage.OutputCapture
	plan.Parse.Payload = payload.RetractionList{}
	plan.Load.Stdin, plan.Load.Stdout = stage.InputPipe, stage.OutputInherit

	if err := plan.Validate(); err != nil {
		return pipeline.Plan{}, fmt.Errorf("invalid pipeline: %w", err)
	}
	return plan, nil
}

func newFileLock(cfg *config.Config, logger *zap.Logger) *runlock.FileLock {
	return runlock.NewFileLock(cfg.Lock.Path, runlock.FileOptions{
		ReleaseAttempts: cfg.Lock.ReleaseAttempts,
		ReleaseDelay:    cfg.Lock.ReleaseDelay,
		Logger:          logger,
	})
}

// newArchiver returns nil when archiving is disabled.
func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (pipeline.Archiver, error) {
	switch cfg.Kind {
	case config.ArchiveNone:
		return nil, nil
	case config.ArchiveFile:
		return archive.New(archive.NewFileSink(cfg.Dir), cfg.Prefix), nil
	case config.ArchiveS3:
		sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return archive.New(sink, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
	}
}

// planExecutor builds the plan from the current configuration at the start
// of every run, so a reloaded config applies to the next run and never to
// the one in flight.
type planExecutor struct {
	runner stage.Runner
	plan   func() (pipeline.Plan, error)
	opts   []pipeline.Option
	logger *zap.Logger
}

func (e *planExecutor) Execute(ctx context.Context, runID string) pipeline.Run {
	plan, err := e.plan()
	if err != nil {
		e.logger.Error("Pipeline not started: configuration is invalid",
			zap.String("run_id", runID), zap.Error(err))
		return pipeline.Failed(runID, time.Now().UTC(), err)
	}
	return pipeline.New(e.runner, plan, e.opts...).Execute(ctx, runID)
}

func currentPlan() (pipeline.Plan, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return pipeline.Plan{}, fmt.Errorf("configuration not loaded")
	}
	return buildPlan(cfg)
}

func newExecutor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*planExecutor, error) {
	if _, err := buildPlan(cfg); err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithObserver(func(t pipeline.Transition) {
			logger.Debug("Pipeline state changed",
				zap.String("run_id", t.RunID),
				zap.String("from", string(t.From)),
				zap.String("to", string(t.To)),
				zap.String("stage", t.Stage))
		}),
	}

	arch, err := newArchiver(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("payload archive: %w", err)
	}
	if arch != nil {
		opts = append(opts, pipeline.WithArchiver(arch))
	}

	return &planExecutor{
		runner: stage.NewExecRunner(stage.ExecConfig{
			KillGrace: cfg.Pipeline.KillGrace,
			Logger:    logger,
		}),
		plan:   currentPlan,
		opts:   opts,
		logger: logger,
	}, nil
}

// recoverStaleLock applies the stale policy to a marker left by a previous
// process. A marker that stays in place is reported as an alert with the
// operator remedy.
func recoverStaleLock(lock *runlock.FileLock, cfg *config.Config, logger *zap.Logger) error {
	policy, err := runlock.ParseStalePolicy(cfg.Lock.StalePolicy)
	if err != nil {
		return err
	}
	rec, err := lock.Recover(policy)
	if err != nil {
		return fmt.Errorf("inspect run lock: %w", err)
	}
	if !rec.Found || rec.Cleared {
		return nil
	}

	fields := []zap.Field{
		zap.Bool("alert", true),
		zap.String("path", lock.Path()),
		zap.String("reason", rec.Reason),
		zap.String("remedy", "scraperd lock clear"),
	}
	if m := rec.Marker; m != nil {
		fields = append(fields,
			zap.String("run_id", m.RunID),
			zap.Int("pid", m.PID),
			zap.String("hostname", m.Hostname),
			zap.Time("acquired_at", m.AcquiredAt))
	}
	logger.Error("Run lock marker present at startup; crawl requests will be rejected until it is cleared", fields...)
	return nil
}
