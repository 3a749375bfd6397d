package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/store"
)

var (
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Stored front-end sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	sessionListCmd = &cobra.Command{
		Use:   "list",
		Short: "List sessions and whether they are still valid",
		RunE:  runSessionList,
	}

	sessionInvalidateCmd = &cobra.Command{
		Use:   "invalidate <service> <account>",
		Short: "Force the next workflow to log in again",
		Args:  cobra.ExactArgs(2),
		RunE:  runSessionInvalidate,
	}

	workflowCmd = &cobra.Command{
		Use:   "workflow",
		Short: "Resumable workflow checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	workflowListCmd = &cobra.Command{
		Use:   "list",
		Short: "List workflow checkpoints of the run",
		RunE:  runWorkflowList,
	}

	workflowResetCmd = &cobra.Command{
		Use:   "reset <workflow> <account>",
		Short: "Discard a checkpoint so the workflow starts over",
		Args:  cobra.ExactArgs(2),
		RunE:  runWorkflowReset,
	}
)

func init() {
	workflowListCmd.Flags().String("run", "", "Run ID (default: active run)")
	workflowResetCmd.Flags().String("run", "", "Run ID (default: active run)")
	addJSONFlag(sessionListCmd, sessionInvalidateCmd, workflowListCmd, workflowResetCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionInvalidateCmd)
	workflowCmd.AddCommand(workflowListCmd, workflowResetCmd)
	rootCmd.AddCommand(sessionCmd, workflowCmd)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	infos, err := a.sessions.List(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(cmd, infos, func(w io.Writer) {
		if len(infos) == 0 {
			fmt.Fprintln(w, "No sessions.")
			return
		}
		for _, s := range infos {
			state := statusColor("ok")
			switch {
			case s.InvalidatedAt != nil:
				state = statusColor("failed") + " invalidated"
			case !s.Valid:
				state = statusColor("expired")
			}
			fmt.Fprintf(w, "%-12s %-28s captured %s  expires %s  %s\n",
				s.Service, s.Account, s.CapturedAt.Local().Format(time.DateOnly), s.ExpiresAt.Local().Format(time.DateOnly), state)
		}
	})
}

func runSessionInvalidate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.sessions.Invalidate(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	return printOutput(cmd, map[string]any{"service": args[0], "account": args[1], "invalidated": true}, func(w io.Writer) {
		okLine(w, "Session %s/%s invalidated", args[0], args[1])
	})
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	runID, err := a.runFlag(cmd)
	if err != nil {
		return err
	}
	cps, err := a.db.ListCheckpoints(cmd.Context(), runID)
	if err != nil {
		return err
	}
	return printOutput(cmd, cps, func(w io.Writer) {
		if len(cps) == 0 {
			fmt.Fprintln(w, "No workflows.")
			return
		}
		for _, cp := range cps {
			line := fmt.Sprintf("%-24s %-20s step %d (%s) %s", cp.Workflow, cp.Account, cp.LastStep, cp.LastStepName, statusColor(cp.Status))
			if cp.Status != store.CheckpointCompleted && strings.TrimSpace(cp.LastError) != "" {
				line += "  " + cp.LastError
			}
			fmt.Fprintln(w, line)
		}
	})
}

func runWorkflowReset(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	runID, err := a.runFlag(cmd)
	if err != nil {
		return err
	}
	if err := a.workflows.Reset(cmd.Context(), runID, args[0], args[1]); err != nil {
		return err
	}
	return printOutput(cmd, map[string]any{"run_id": runID, "workflow": args[0], "account": args[1], "reset": true}, func(w io.Writer) {
		okLine(w, "Workflow %s for %s reset", args[0], args[1])
	})
}
