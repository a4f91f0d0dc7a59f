package cmd

import (
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/retractionwatch/scraperd/internal/config"
	"github.com/retractionwatch/scraperd/pkg/pipeline"
	"github.com/retractionwatch/scraperd/pkg/stage"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the configured pipeline without running it",
	Long: `Print the stages a run would execute, in order, with their stdio wiring,
together with the lock and archive settings.

Example:
  scraperd plan
  scraperd plan --format yaml`,
	RunE: runPlan,
}

var planFormat string

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVar(&planFormat, "format", "text", "Output format (text|yaml)")
}

type stageView struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Stdin   string   `yaml:"stdin"`
	Stdout  string   `yaml:"stdout"`
	Payload string   `yaml:"payload,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"`
}

type planView struct {
	Stages  []stageView          `yaml:"stages"`
	Lock    config.LockConfig    `yaml:"lock"`
	Archive config.ArchiveConfig `yaml:"archive"`
}

func newPlanView(plan pipeline.Plan, cfg *config.Config) planView {
	view := planView{Lock: cfg.Lock, Archive: cfg.Archive}
	for _, s := range []stage.Stage{plan.Download, plan.Parse, plan.Load} {
		sv := stageView{
			Name:    s.Name,
			Command: s.Executable,
			Args:    s.Args,
			Dir:     s.Dir,
			Stdin:   string(s.Stdin),
			Stdout:  string(s.Stdout),
		}
		if s.Payload != nil {
			sv.Payload = s.Payload.Name()
		}
		if s.Timeout > 0 {
			sv.Timeout = s.Timeout.String()
		}
		view.Stages = append(view.Stages, sv)
	}
	return view
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	plan, err := buildPlan(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pipeline configuration", err)
	}
	view := newPlanView(plan, cfg)

	switch planFormat {
	case "yaml":
		return writePlanYAML(cmd.OutOrStdout(), view)
	case "text":
		return writePlanText(cmd.OutOrStdout(), view)
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --format",
			fmt.Errorf("unknown format %q (want text or yaml)", planFormat))
	}
}

func writePlanYAML(w io.Writer, view planView) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return enc.Close()
}

func writePlanText(w io.Writer, view planView) error {
	for i, s := range view.Stages {
		cmdline := stage.Stage{Executable: s.Command, Args: s.Args}.CommandLine()
		_, _ = fmt.Fprintf(w, "%d. %-8s %s\n", i+1, s.Name, cmdline)
		_, _ = fmt.Fprintf(w, "   stdin=%s stdout=%s", s.Stdin, s.Stdout)
		if s.Payload != "" {
			_, _ = fmt.Fprintf(w, " payload=%s", s.Payload)
		}
		if s.Timeout != "" {
			_, _ = fmt.Fprintf(w, " timeout=%s", s.Timeout)
		}
		if s.Dir != "" {
			_, _ = fmt.Fprintf(w, " dir=%s", s.Dir)
		}
		_, _ = fmt.Fprintln(w)
	}
	_, _ = fmt.Fprintf(w, "lock: %s (stale policy %s)\n", view.Lock.Path, view.Lock.StalePolicy)
	archive := "disabled"
	switch view.Archive.Kind {
	case config.ArchiveFile:
		archive = "file " + view.Archive.Dir + "/" + view.Archive.Prefix
	case config.ArchiveS3:
		archive = "s3://" + view.Archive.Bucket + "/" + view.Archive.Prefix
	}
	_, err := fmt.Fprintf(w, "archive: %s\n", archive)
	return err
}
