package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/retractionwatch/scraperd/internal/config"
	"github.com/retractionwatch/scraperd/internal/observability"
	"github.com/retractionwatch/scraperd/internal/server"
	"github.com/retractionwatch/scraperd/internal/server/handlers"
	"github.com/retractionwatch/scraperd/pkg/orchestrator"
	"github.com/retractionwatch/scraperd/pkg/pipeline"
	"github.com/retractionwatch/scraperd/pkg/runlock"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the crawl control API",
	Long: `Start the HTTP server that controls crawl runs.

Endpoints:
  GET  /is_crawling     {"crawling": bool}
  POST /start_crawling  start a run in the background
  GET  /last_run        outcome of the most recent run
  GET  /health, /health/live, /health/ready, /health/startup, /version

On SIGINT or SIGTERM the server stops accepting requests, cancels the run in
progress and waits for the run lock to be released.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	// Runs outlive the request that started them; they stop only on shutdown.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	orch := orchestrator.New(lock, executor,
		orchestrator.WithLogger(logger),
		orchestrator.WithBaseContext(runCtx),
		orchestrator.WithTeardownAlert(func(err error) {
			logger.Error("Operator action required: remove the run lock marker",
				zap.Bool("alert", true),
				zap.String("path", lock.Path()),
				zap.String("remedy", "scraperd lock clear"),
				zap.Error(err))
		}),
	)

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("lock_dir", lockDirChecker{dir: filepath.Dir(lock.Path())})
	hm.RegisterChecker("stage_executables", stageExecutablesChecker{plan: currentPlan})
	hm.RegisterChecker("lock_teardown", teardownChecker{orch: orch, lock: lock})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithCrawler(orch),
		server.WithLogger(logger),
		server.WithStartLimit(cfg.Pipeline.StartRateLimit, cfg.Pipeline.StartBurst),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	if err := config.Watch(ctx, onConfigChange(logger)); err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	if runID, running := orch.Current(); running {
		logger.Info("Shutdown requested, canceling run in progress", zap.String("run_id", runID))
	} else {
		logger.Info("Shutdown requested")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}
	cancelRuns()
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.Error("Run still in progress at shutdown deadline; lock may remain held",
			zap.Bool("alert", true),
			zap.Error(err))
		return exitError(foundry.ExitSignalInt, "Shutdown incomplete", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

func onConfigChange(logger *zap.Logger) config.ChangeFunc {
	return func(cfg *config.Config, err error) {
		if err != nil {
			logger.Warn("Config change rejected, keeping previous configuration", zap.Error(err))
			return
		}
		if err := observability.SetLevel(cfg.Logging.Level); err != nil {
			logger.Warn("Invalid log level in reloaded config", zap.Error(err))
		}
		logger.Info("Config reloaded",
			zap.String("log_level", cfg.Logging.Level))
	}
}

// lockDirChecker verifies the marker directory accepts new files.
type lockDirChecker struct {
	dir string
}

func (c lockDirChecker) CheckHealth(ctx context.Context) error {
	info, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("lock directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("lock directory %s is not a directory", c.dir)
	}
	f, err := os.CreateTemp(c.dir, ".scraperd-write-check-*")
	if err != nil {
		return fmt.Errorf("lock directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// stageExecutablesChecker verifies every configured worker can be found.
type stageExecutablesChecker struct {
	plan func() (pipeline.Plan, error)
}

func (c stageExecutablesChecker) CheckHealth(ctx context.Context) error {
	plan, err := c.plan()
	if err != nil {
		return err
	}
	var missing []string
	for _, s := range []struct {
		name, exe, dir string
	}{
		{plan.Download.Name, plan.Download.Executable, plan.Download.Dir},
		{plan.Parse.Name, plan.Parse.Executable, plan.Parse.Dir},
		{plan.Load.Name, plan.Load.Executable, plan.Load.Dir},
	} {
		exe := s.exe
		if s.dir != "" && strings.ContainsRune(exe, os.PathSeparator) && !filepath.IsAbs(exe) {
			exe = filepath.Join(s.dir, exe)
		}
		if _, err := exec.LookPath(exe); err != nil {
			missing = append(missing, s.name+": "+s.exe)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("stage executables not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

// teardownChecker fails while a lock release failure is unresolved. Once
// the marker is gone (an operator ran lock clear) the failure is forgotten.
type teardownChecker struct {
	orch *orchestrator.Orchestrator
	lock runlock.Lock
}

func (c teardownChecker) CheckHealth(ctx context.Context) error {
	err := c.orch.TeardownFailure()
	if err == nil {
		return nil
	}
	if !c.lock.IsHeld() {
		c.orch.ClearTeardownFailure()
		return nil
	}
	return err
}
