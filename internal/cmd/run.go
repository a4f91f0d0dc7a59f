package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/retractionwatch/scraperd/internal/config"
	"github.com/retractionwatch/scraperd/internal/observability"
	"github.com/retractionwatch/scraperd/pkg/orchestrator"
	"github.com/retractionwatch/scraperd/pkg/pipeline"
	"github.com/retractionwatch/scraperd/pkg/stage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one crawl in the foreground",
	Long: `Acquire the run lock, run download, parse and load in the foreground,
then release the lock. The exit code is non-zero when the lock is already
held or any stage fails, which makes the command suitable for cron.

A server started with 'scraperd serve' against the same lock path will
report crawling=true for the duration of the run.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	logger := observability.CLILogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock := newFileLock(cfg, logger)
	if err := recoverStaleLock(lock, cfg, logger); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to inspect run lock", err)
	}

	executor, err := newExecutor(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pipeline configuration", err)
	}

	orch := orchestrator.New(lock, executor, orchestrator.WithLogger(logger))
	run, ran, err := orch.Execute(ctx)
	if !ran && err == nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Crawl not started",
			errors.New(orchestrator.RejectionMessage))
	}
	if err != nil && !ran {
		return exitError(foundry.ExitFileWriteError, "Run lock unavailable", err)
	}
	return runExitError(run, err)
}

// runExitError maps a finished foreground run to the command's error. A
// release failure outranks the run's own outcome.
func runExitError(run pipeline.Run, releaseErr error) error {
	if releaseErr != nil {
		return exitError(foundry.ExitFileWriteError, "Run lock could not be released", releaseErr)
	}
	if run.Succeeded() {
		observability.CLILogger.Info("Crawl completed",
			zap.String("run_id", run.ID),
			zap.Int("documents", run.Documents))
		return nil
	}

	cause := run.Err()
	if cause == nil {
		cause = errors.New(run.Error)
	}
	if run.ErrorKind == stage.KindCanceled {
		return exitError(foundry.ExitSignalInt, "Crawl interrupted", cause)
	}
	return exitError(exitFailure, fmt.Sprintf("Crawl failed in %s stage", run.FailedStage), cause)
}

