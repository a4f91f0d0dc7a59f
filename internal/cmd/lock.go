package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/retractionwatch/scraperd/internal/config"
	"github.com/retractionwatch/scraperd/internal/observability"
	"github.com/retractionwatch/scraperd/pkg/runlock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the run lock marker",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the run lock",
	RunE:  runLockStatus,
}

var lockClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the run lock marker",
	Long: `Remove the run lock marker left behind by a crashed run or a failed
release. The command refuses when the marker's owner is a live process on
this host or when the marker names no owner; --force removes it regardless.`,
	RunE: runLockClear,
}

var (
	lockStatusJSON bool
	lockClearForce bool
)

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockStatusCmd, lockClearCmd)

	lockStatusCmd.Flags().BoolVar(&lockStatusJSON, "json", false, "Print the marker as JSON")
	lockClearCmd.Flags().BoolVar(&lockClearForce, "force", false, "Remove even if the owner is alive or unknown")
}

type lockStatus struct {
	Path   string          `json:"path"`
	Held   bool            `json:"held"`
	Alive  *bool           `json:"owner_alive,omitempty"`
	Marker *runlock.Marker `json:"marker,omitempty"`
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	lock := newFileLock(config.GetConfig(), observability.CLILogger)
	m, err := lock.Inspect()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run lock", err)
	}

	st := lockStatus{Path: lock.Path(), Held: m != nil, Marker: m}
	if m != nil && m.PID > 0 {
		alive := runlock.ProcessAlive(m.PID)
		st.Alive = &alive
	}
	return writeLockStatus(cmd.OutOrStdout(), st, lockStatusJSON, time.Now())
}

func writeLockStatus(w io.Writer, st lockStatus, asJSON bool, now time.Time) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	if !st.Held {
		_, err := fmt.Fprintf(w, "free: %s\n", st.Path)
		return err
	}
	_, _ = fmt.Fprintf(w, "held: %s\n", st.Path)
	m := st.Marker
	if m.RunID == "" {
		_, err := fmt.Fprintln(w, "  marker has no owner details")
		return err
	}
	_, _ = fmt.Fprintf(w, "  run_id:      %s\n", m.RunID)
	_, _ = fmt.Fprintf(w, "  pid:         %d\n", m.PID)
	_, _ = fmt.Fprintf(w, "  hostname:    %s\n", m.Hostname)
	_, _ = fmt.Fprintf(w, "  acquired_at: %s (%s ago)\n", m.AcquiredAt.Format(time.RFC3339), m.Age(now).Round(time.Second))
	if st.Alive != nil {
		_, _ = fmt.Fprintf(w, "  owner_alive: %t\n", *st.Alive)
	}
	return nil
}

func runLockClear(cmd *cobra.Command, args []string) error {
	lock := newFileLock(config.GetConfig(), observability.CLILogger)
	if err := lock.Clear(lockClearForce); err != nil {
		switch {
		case errors.Is(err, runlock.ErrOwnerAlive):
			return exitError(foundry.ExitInvalidArgument, "Refusing to clear a live run's lock (use --force)", err)
		case errors.Is(err, runlock.ErrOwnerUnknown):
			return exitError(foundry.ExitInvalidArgument, "Refusing to clear a lock marker that names no owner (use --force)", err)
		case errors.Is(err, runlock.ErrMarkerChanged):
			return exitError(foundry.ExitInvalidArgument, "Lock marker changed while clearing; check `scraperd lock status`", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to clear run lock", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared: %s\n", lock.Path())
	return nil
}
