package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/store"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Migration run lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	runStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start a migration run",
		RunE:  runRunStart,
	}

	runAdvanceCmd = &cobra.Command{
		Use:   "advance <phase>",
		Short: "Move the run forward to a later phase",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunAdvance,
	}

	runResetCmd = &cobra.Command{
		Use:   "reset <phase>",
		Short: "Move the run back to an earlier phase (requires --reason)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunReset,
	}

	runCloseCmd = &cobra.Command{
		Use:   "close",
		Short: "Complete and deactivate the run",
		RunE:  runRunClose,
	}

	runListCmd = &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE:  runRunList,
	}
)

func init() {
	runStartCmd.Flags().String("owner", "", "Account of the person driving the migration")
	for _, c := range []*cobra.Command{runAdvanceCmd, runResetCmd, runCloseCmd} {
		c.Flags().String("run", "", "Run ID (default: active run)")
	}
	runResetCmd.Flags().String("reason", "", "Why the run moves back")
	addJSONFlag(runStartCmd, runAdvanceCmd, runResetCmd, runCloseCmd, runListCmd)
	runCmd.AddCommand(runStartCmd, runAdvanceCmd, runResetCmd, runCloseCmd, runListCmd)
	rootCmd.AddCommand(runCmd)
}

func runRunStart(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("--owner is required")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.svc.StartRun(cmd.Context(), owner)
	if err != nil {
		return err
	}
	return printRun(cmd, run, "Run started")
}

func runRunAdvance(cmd *cobra.Command, args []string) error {
	return withRun(cmd, func(a *app, runID string) (*store.Run, string, error) {
		run, err := a.svc.AdvancePhase(cmd.Context(), runID, args[0])
		return run, "Run advanced", err
	})
}

func runRunReset(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	return withRun(cmd, func(a *app, runID string) (*store.Run, string, error) {
		run, err := a.svc.ResetPhase(cmd.Context(), runID, args[0], reason)
		return run, "Run reset", err
	})
}

func runRunClose(cmd *cobra.Command, args []string) error {
	return withRun(cmd, func(a *app, runID string) (*store.Run, string, error) {
		run, err := a.svc.CloseRun(cmd.Context(), runID)
		return run, "Run closed", err
	})
}

func withRun(cmd *cobra.Command, fn func(a *app, runID string) (*store.Run, string, error)) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	runFlag, _ := cmd.Flags().GetString("run")
	runID, err := a.activeRunID(cmd.Context(), runFlag)
	if err != nil {
		return err
	}
	run, msg, err := fn(a, runID)
	if err != nil {
		return err
	}
	return printRun(cmd, run, msg)
}

func runRunList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	runs, err := a.db.ListRuns(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(cmd, runs, func(w io.Writer) {
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs.")
			return
		}
		for _, r := range runs {
			active := ""
			if r.Active {
				active = " (active)"
			}
			fmt.Fprintf(w, "%s  %-12s %5.1f%%  %s%s\n", r.ID, statusColor(r.Phase), r.ProgressPct, r.Owner, active)
		}
	})
}

func printRun(cmd *cobra.Command, run *store.Run, msg string) error {
	return printOutput(cmd, run, func(w io.Writer) {
		okLine(w, "%s: %s", msg, run.ID)
		fmt.Fprintf(w, "Phase:    %s\n", statusColor(run.Phase))
		fmt.Fprintf(w, "Progress: %.1f%%\n", run.ProgressPct)
	})
}
