package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/store"
)

var (
	gateCmd = &cobra.Command{
		Use:   "gate",
		Short: "Prepared irreversible actions awaiting confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	gateListCmd = &cobra.Command{
		Use:   "list",
		Short: "List proposals (default: prepared)",
		RunE:  runGateList,
	}

	gateAbandonCmd = &cobra.Command{
		Use:   "abandon <handle>",
		Short: "Drop a prepared proposal without committing",
		Args:  cobra.ExactArgs(1),
		RunE:  runGateAbandon,
	}

	gateSweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Mark proposals past their validity window expired",
		RunE:  runGateSweep,
	}
)

func init() {
	gateListCmd.Flags().String("status", store.ProposalPrepared, "Proposal status, or 'all'")
	addJSONFlag(gateListCmd, gateAbandonCmd, gateSweepCmd)
	gateCmd.AddCommand(gateListCmd, gateAbandonCmd, gateSweepCmd)
	rootCmd.AddCommand(gateCmd)
}

func runGateList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	if status == "all" {
		status = ""
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	proposals, err := a.db.ListProposals(cmd.Context(), status)
	if err != nil {
		return err
	}
	return printOutput(cmd, proposals, func(w io.Writer) {
		if len(proposals) == 0 {
			fmt.Fprintln(w, "No proposals.")
			return
		}
		now := time.Now()
		for _, p := range proposals {
			left := ""
			switch p.Status {
			case store.ProposalPrepared:
				if d := p.ExpiresAt.Sub(now); d > 0 {
					left = fmt.Sprintf("  expires in %s", d.Round(time.Second))
				} else {
					left = "  past validity"
				}
			case store.ProposalCommitting:
				left = "  outcome unknown, verify and run 'hopover transfer resolve'"
			}
			fmt.Fprintf(w, "%s  %-16s %-10s %s%s\n", p.Handle, p.Action, statusColor(p.Status), p.Account, left)
		}
	})
}

func runGateAbandon(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.svc.AbandonTransfer(cmd.Context(), args[0]); err != nil {
		return err
	}
	return printOutput(cmd, map[string]any{"handle": args[0], "status": store.ProposalAbandoned}, func(w io.Writer) {
		okLine(w, "Abandoned %s", args[0])
	})
}

func runGateSweep(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	n, err := a.svc.SweepProposals(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(cmd, map[string]any{"expired": n}, func(w io.Writer) {
		okLine(w, "%d proposal(s) expired", n)
	})
}
