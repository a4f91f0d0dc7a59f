// Package cmd implements the scraperd command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/retractionwatch/scraperd/internal/config"
	"github.com/retractionwatch/scraperd/internal/observability"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile      string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "scraperd",
	Short: "Orchestrates the PubMed retraction crawl pipeline",
	Long: `scraperd runs the download, parse and load workers of the PubMed
retraction crawl as a single guarded pipeline. At most one run is active at a
time, enforced by a lock marker file.

Configuration is read from defaults, an optional YAML file (--config or
SCRAPERD_CONFIG) and SCRAPERD_* environment variables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override logging.level (debug|info|warn|error)")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	config.SetConfigFile(cfgFile)

	var overrides []map[string]any
	if logLevelFlag != "" {
		overrides = append(overrides, map[string]any{
			"logging": map[string]any{"level": logLevelFlag},
		})
	}

	cfg, err := config.Load(cmd.Context(), overrides...)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile)
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}
